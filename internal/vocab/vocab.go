// Package vocab holds the fixed vocabularies used to tag grants and score
// proposals, plus the text helpers that apply them.
//
// A Vocabulary is read-only once built. Default returns the embedded tables;
// callers that want to tune them load their own copy with Parse.
package vocab

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var defaultYAML []byte

// Domain groups the markers that identify one industry/domain tag.
type Domain struct {
	Name    string   `yaml:"name"`
	Markers []string `yaml:"markers"`
}

// Section is one entry of the essential-section checklist.
type Section struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Synonym maps a requirement phrase to the signals that satisfy it.
type Synonym struct {
	Requirement string   `yaml:"requirement"`
	Signals     []string `yaml:"signals"`
}

type file struct {
	StopWords           []string            `yaml:"stop_words"`
	Domains             []Domain            `yaml:"domains"`
	TechnicalTerms      []string            `yaml:"technical_terms"`
	EvidenceTerms       []string            `yaml:"evidence_terms"`
	TransitionWords     []string            `yaml:"transition_words"`
	FormalTerms         []string            `yaml:"formal_terms"`
	CasualTerms         []string            `yaml:"casual_terms"`
	CitationMarkers     []string            `yaml:"citation_markers"`
	EssentialSections   []Section           `yaml:"essential_sections"`
	CommonElements      []string            `yaml:"common_elements"`
	TypeElements        map[string][]string `yaml:"type_elements"`
	RequirementSynonyms []Synonym           `yaml:"requirement_synonyms"`
}

// Vocabulary is the parsed, normalized set of tables.
type Vocabulary struct {
	stopWords map[string]struct{}

	Domains             []Domain
	TechnicalTerms      []string
	EvidenceTerms       []string
	TransitionWords     []string
	FormalTerms         []string
	CasualTerms         []string
	CitationMarkers     []string
	EssentialSections   []Section
	CommonElements      []string
	TypeElements        map[string][]string
	RequirementSynonyms []Synonym
}

var (
	defaultOnce  sync.Once
	defaultVocab *Vocabulary
)

// Default returns the embedded vocabulary. The returned value is shared and
// must not be modified.
func Default() *Vocabulary {
	defaultOnce.Do(func() {
		v, err := Parse(defaultYAML)
		if err != nil {
			panic(fmt.Sprintf("vocab: embedded vocabulary is invalid: %v", err))
		}
		defaultVocab = v
	})
	return defaultVocab
}

// Parse builds a Vocabulary from YAML in the vocab.yaml layout.
func Parse(data []byte) (*Vocabulary, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing vocabulary: %w", err)
	}
	if len(f.Domains) == 0 {
		return nil, fmt.Errorf("vocabulary has no domains")
	}

	v := &Vocabulary{
		stopWords:       make(map[string]struct{}, len(f.StopWords)),
		TechnicalTerms:  normalizeList(f.TechnicalTerms),
		EvidenceTerms:   normalizeList(f.EvidenceTerms),
		TransitionWords: normalizeList(f.TransitionWords),
		FormalTerms:     normalizeList(f.FormalTerms),
		CasualTerms:     normalizeList(f.CasualTerms),
		CitationMarkers: normalizeList(f.CitationMarkers),
		CommonElements:  normalizeList(f.CommonElements),
		TypeElements:    make(map[string][]string, len(f.TypeElements)),
	}
	for _, w := range f.StopWords {
		v.stopWords[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	for _, d := range f.Domains {
		v.Domains = append(v.Domains, Domain{
			Name:    strings.ToLower(strings.TrimSpace(d.Name)),
			Markers: normalizeList(d.Markers),
		})
	}
	for _, s := range f.EssentialSections {
		v.EssentialSections = append(v.EssentialSections, Section{
			Name:    strings.ToLower(strings.TrimSpace(s.Name)),
			Aliases: normalizeList(s.Aliases),
		})
	}
	for k, elems := range f.TypeElements {
		v.TypeElements[strings.ToLower(strings.TrimSpace(k))] = normalizeList(elems)
	}
	for _, s := range f.RequirementSynonyms {
		v.RequirementSynonyms = append(v.RequirementSynonyms, Synonym{
			Requirement: strings.ToLower(strings.TrimSpace(s.Requirement)),
			// Signals are substrings, so keep them as written (lowercased).
			Signals: lowerList(s.Signals),
		})
	}
	return v, nil
}

// IsStopWord reports whether the lowercase token is in the stop list.
func (v *Vocabulary) IsStopWord(token string) bool {
	_, ok := v.stopWords[token]
	return ok
}

// DomainNames lists the configured domain tags in configuration order.
func (v *Vocabulary) DomainNames() []string {
	names := make([]string, 0, len(v.Domains))
	for _, d := range v.Domains {
		names = append(names, d.Name)
	}
	return names
}

// DomainsIn returns the domain tags whose markers appear in text, in
// configuration order.
func (v *Vocabulary) DomainsIn(text string) []string {
	t := NewText(text)
	var out []string
	for _, d := range v.Domains {
		for _, m := range d.Markers {
			if t.HasPhrase(m) {
				out = append(out, d.Name)
				break
			}
		}
	}
	return out
}

// ElementsFor returns the completeness checklist for a funding type: the
// type-specific elements followed by the common ones, without duplicates.
func (v *Vocabulary) ElementsFor(fundingType string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range v.TypeElements[strings.ToLower(strings.TrimSpace(fundingType))] {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range v.CommonElements {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// RequirementMet reports whether a requirement phrase is satisfied by the text,
// either directly or through the synonym table.
func (v *Vocabulary) RequirementMet(requirement string, t *Text) bool {
	req := strings.ToLower(strings.TrimSpace(requirement))
	if req == "" {
		return false
	}
	if strings.Contains(t.lower, req) || t.HasPhrase(req) {
		return true
	}
	for _, syn := range v.RequirementSynonyms {
		if !strings.Contains(req, syn.Requirement) && !strings.Contains(syn.Requirement, req) {
			continue
		}
		for _, signal := range syn.Signals {
			if strings.Contains(t.lower, signal) {
				return true
			}
		}
	}
	return false
}

// TypeNames lists funding types that carry a specific checklist, sorted.
func (v *Vocabulary) TypeNames() []string {
	out := make([]string, 0, len(v.TypeElements))
	for k := range v.TypeElements {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := strings.Join(Tokenize(s), " "); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func lowerList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
