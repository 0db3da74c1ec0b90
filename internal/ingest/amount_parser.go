package ingest

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/david/grant-sync/internal/vocab"
)

// Handles: 1,000,000 / 1.000.000 / 1000000 / 1,000.50 / 2.5m / 40k
var amountTokenRegex = regexp.MustCompile(`(?i)(\d[\d,\.]*)\s*(thousand|million|billion|bn|mm|k|m|b)?\b`)

// parseAmount parses one amount field ("$250,000", "1.000.000", "2.5m").
// It returns nil for empty, zero or unparseable input.
func parseAmount(text string) *int64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if v, ok := vocab.LargestAmount(text); ok {
		return &v
	}
	m := amountTokenRegex.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	f, ok := parseNumber(m[1])
	if !ok {
		return nil
	}
	f *= vocab.Magnitude(m[2])
	if f <= 0 || f > math.MaxInt64/2 {
		return nil
	}
	v := int64(math.Round(f))
	return &v
}

// parseAwardRange extracts min/max amounts from free text such as
// "Up to $50,000" or "$10,000 - $25,000".
func parseAwardRange(text string) (min, max *int64) {
	textLower := strings.ToLower(text)

	amounts := vocab.ParseCurrencyAmounts(text)
	if len(amounts) == 0 {
		for _, m := range amountTokenRegex.FindAllStringSubmatch(text, -1) {
			if f, ok := parseNumber(m[1]); ok {
				if f *= vocab.Magnitude(m[2]); f >= 1 && f < math.MaxInt64/2 {
					amounts = append(amounts, int64(math.Round(f)))
				}
			}
		}
	}
	if len(amounts) == 0 {
		return nil, nil
	}

	if len(amounts) == 1 {
		v := amounts[0]
		if strings.Contains(textLower, "minimum") || strings.Contains(textLower, "at least") {
			return &v, nil
		}
		// "up to", "maximum" and bare amounts are ceilings.
		return nil, &v
	}

	lo, hi := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a < lo {
			lo = a
		}
		if a > hi {
			hi = a
		}
	}
	if lo == hi {
		return nil, &hi
	}
	return &lo, &hi
}

// parseNumber accepts comma or dot thousands separators.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return 0, false
	}

	// 1.000.000 (European thousands)
	if strings.Count(s, ".") > 1 || (strings.Contains(s, ".") && !strings.Contains(s, ",") && len(s)-strings.LastIndex(s, ".") == 4) {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	val, err := strconv.ParseFloat(s, 64)
	if err != nil || val <= 0 {
		return 0, false
	}
	return val, true
}
