package ingest

import (
	"strings"
)

// cleanText collapses runs of whitespace into one space and trims the string.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// splitAndCleanList splits a bulleted or line-separated block into items.
func splitAndCleanList(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, "\r", "\n")

	var out []string
	for _, raw := range strings.FieldsFunc(block, func(r rune) bool { return r == '\n' || r == ';' }) {
		s := strings.TrimSpace(raw)
		s = strings.TrimLeft(s, " \t-*•–—")
		s = stripLeadingNumbering(s)
		if s = cleanText(s); s != "" {
			out = append(out, s)
		}
	}
	return mergeUniqueFold(nil, out)
}

func stripLeadingNumbering(s string) string {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}

	for i < len(s) {
		switch s[i] {
		case '.', ')', '-', ':', ' ', '\t':
			i++
		default:
			return strings.TrimSpace(s[i:])
		}
	}
	return strings.TrimSpace(s)
}

// mergeUniqueFold appends items to dst, skipping blanks and case-insensitive
// duplicates.
func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		if k := strings.ToLower(strings.TrimSpace(v)); k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}
	return dst
}
