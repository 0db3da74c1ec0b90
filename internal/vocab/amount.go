package vocab

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// $250,000 / $2.5m / USD 40k / €1.2 million
	prefixedAmountRegex = regexp.MustCompile(`(?i)(?:\$|us\$|usd\s?|€|eur\s?|£|gbp\s?)\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d+))?\s*(thousand|million|billion|bn|mm|k|m|b)?\b`)
	// 250,000 USD / 3 million dollars
	suffixedAmountRegex = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d+))?\s*(thousand|million|billion|bn|mm|k|m|b)?\s*(?:usd|dollars|eur|euros)\b`)
)

// Magnitude returns the multiplier for an amount suffix ("k", "million", ...).
// Unknown or empty suffixes return 1.
func Magnitude(suffix string) float64 {
	switch strings.ToLower(strings.TrimSpace(suffix)) {
	case "k", "thousand":
		return 1e3
	case "m", "mm", "million":
		return 1e6
	case "b", "bn", "billion":
		return 1e9
	}
	return 1
}

// ParseCurrencyAmounts finds every currency-formatted amount in text, in order
// of appearance.
func ParseCurrencyAmounts(text string) []int64 {
	var out []int64
	for _, re := range []*regexp.Regexp{prefixedAmountRegex, suffixedAmountRegex} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v, ok := amountFromParts(m[1], m[2], m[3]); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

// LargestAmount returns the largest currency amount mentioned in text.
func LargestAmount(text string) (int64, bool) {
	amounts := ParseCurrencyAmounts(text)
	if len(amounts) == 0 {
		return 0, false
	}
	best := amounts[0]
	for _, a := range amounts[1:] {
		if a > best {
			best = a
		}
	}
	return best, true
}

func amountFromParts(whole, frac, suffix string) (int64, bool) {
	num := strings.ReplaceAll(whole, ",", "")
	if frac != "" {
		num += "." + frac
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	f *= Magnitude(suffix)
	if f > math.MaxInt64/2 {
		return 0, false
	}
	return int64(math.Round(f)), true
}
