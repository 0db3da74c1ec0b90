package vocab

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MinKeywordLength is the shortest token kept as a keyword.
	MinKeywordLength = 4
	// MaxKeywords caps the keyword list returned by Keywords.
	MaxKeywords = 20
)

var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+(?:['\-][\p{L}\p{N}]+)*`)

// Tokenize lowercases s and splits it on word boundaries. Internal hyphens and
// apostrophes stay part of the token ("cutting-edge", "applicant's").
func Tokenize(s string) []string {
	return tokenRegex.FindAllString(strings.ToLower(s), -1)
}

// Text is a tokenized view of a string used for repeated phrase lookups.
type Text struct {
	lower  string
	tokens []string
	padded string
}

// NewText tokenizes s once.
func NewText(s string) *Text {
	tokens := Tokenize(s)
	return &Text{
		lower:  strings.ToLower(s),
		tokens: tokens,
		padded: " " + strings.Join(tokens, " ") + " ",
	}
}

// Tokens returns the token slice. It must not be modified.
func (t *Text) Tokens() []string { return t.tokens }

// Lower returns the lowercased source text.
func (t *Text) Lower() string { return t.lower }

// WordCount is the number of tokens.
func (t *Text) WordCount() int { return len(t.tokens) }

// HasPhrase reports whether the phrase occurs on token boundaries.
func (t *Text) HasPhrase(phrase string) bool {
	p := strings.Join(Tokenize(phrase), " ")
	if p == "" {
		return false
	}
	return strings.Contains(t.padded, " "+p+" ")
}

// CountPhrase counts occurrences of the phrase on token boundaries,
// including adjacent repeats.
func (t *Text) CountPhrase(phrase string) int {
	want := Tokenize(phrase)
	if len(want) == 0 || len(want) > len(t.tokens) {
		return 0
	}
	count := 0
	for i := 0; i+len(want) <= len(t.tokens); i++ {
		match := true
		for j := range want {
			if t.tokens[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}

// CountTerms sums CountPhrase over terms.
func (t *Text) CountTerms(terms []string) int {
	total := 0
	for _, term := range terms {
		total += t.CountPhrase(term)
	}
	return total
}

// Keywords extracts the significant keywords of text: tokens of at least
// MinKeywordLength runes that are not stop words, unique, in order of first
// appearance, capped at MaxKeywords. The result depends only on text.
func (v *Vocabulary) Keywords(text string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, MaxKeywords)
	for _, tok := range Tokenize(text) {
		if utf8.RuneCountInString(tok) < MinKeywordLength || v.IsStopWord(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}
