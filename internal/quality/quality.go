// Package quality grades generated proposal text against a target grant.
package quality

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/vocab"
)

type Weights struct {
	Alignment       float64 `json:"alignment"`
	Content         float64 `json:"content"`
	Structure       float64 `json:"structure"`
	Completeness    float64 `json:"completeness"`
	Professionalism float64 `json:"professionalism"`
}

// Config holds the dimension weights and the thresholds that turn dimension
// scores into advice.
type Config struct {
	Weights Weights
	// Dimensions below ImproveBelow get a recommendation and an improvement.
	ImproveBelow float64
	// Dimensions at or above StrengthAt are reported as strengths.
	StrengthAt float64
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Alignment:       0.30,
			Content:         0.25,
			Structure:       0.20,
			Completeness:    0.15,
			Professionalism: 0.10,
		},
		ImproveBelow: 70,
		StrengthAt:   85,
	}
}

// Assessment is the graded result. Dimension scores are in [0, 100].
type Assessment struct {
	Alignment       float64  `json:"alignment"`
	Content         float64  `json:"content"`
	Structure       float64  `json:"structure"`
	Completeness    float64  `json:"completeness"`
	Professionalism float64  `json:"professionalism"`
	Overall         int      `json:"overall"`
	Recommendations []string `json:"recommendations"`
	Strengths       []string `json:"strengths"`
	Improvements    []string `json:"improvements"`
}

type Scorer struct {
	cfg   Config
	vocab *vocab.Vocabulary
}

// New builds a scorer. A nil vocabulary selects vocab.Default.
func New(cfg Config, v *vocab.Vocabulary) *Scorer {
	if v == nil {
		v = vocab.Default()
	}
	return &Scorer{cfg: cfg, vocab: v}
}

var (
	emailRegex         = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	markdownHeading    = regexp.MustCompile(`^#{1,6}\s+\S`)
	sentenceTerminator = regexp.MustCompile(`[.!?]+`)
)

// Assess grades text for g. It never fails; empty input yields low scores.
func (s *Scorer) Assess(text string, g models.Grant) Assessment {
	t := vocab.NewText(text)

	a := Assessment{
		Alignment:       clamp(s.alignment(t, g)),
		Content:         clamp(s.content(t)),
		Structure:       clamp(s.structure(text, t)),
		Completeness:    clamp(s.completeness(text, t, g)),
		Professionalism: clamp(s.professionalism(text, t)),
	}

	w := s.cfg.Weights
	overall := a.Alignment*w.Alignment +
		a.Content*w.Content +
		a.Structure*w.Structure +
		a.Completeness*w.Completeness +
		a.Professionalism*w.Professionalism
	a.Overall = int(math.Round(clamp(overall)))

	s.advise(&a)
	return a
}

// alignment starts at 60 and adds up to 25 for requirement coverage and up to
// 15 for tag coverage. A grant that lists nothing gets half credit.
func (s *Scorer) alignment(t *vocab.Text, g models.Grant) float64 {
	var reqs []string
	for _, r := range g.Requirements {
		if strings.TrimSpace(r) != "" {
			reqs = append(reqs, r)
		}
	}
	reqFraction := 0.5
	if len(reqs) > 0 {
		met := 0
		for _, r := range reqs {
			if s.vocab.RequirementMet(r, t) {
				met++
			}
		}
		reqFraction = float64(met) / float64(len(reqs))
	}

	tags := g.Tags
	if len(tags) == 0 {
		tags = g.Domains
	}
	tagFraction := 0.5
	if total, found := presence(t, tags); total > 0 {
		tagFraction = float64(found) / float64(total)
	}

	return 60 + 25*reqFraction + 15*tagFraction
}

// Drafts under shortDraftWords never score above shortDraftCeiling on content,
// whatever their vocabulary.
const (
	shortDraftWords   = 500
	shortDraftCeiling = 45.0
)

func (s *Scorer) content(t *vocab.Text) float64 {
	score := 50.0
	words := t.WordCount()
	switch {
	case words >= 1500 && words <= 3000:
		score += 15
	case words >= 1000:
		score += 10
	case words < 500:
		score -= 10
	}

	if words > 0 {
		unique := make(map[string]struct{}, words)
		for _, tok := range t.Tokens() {
			unique[tok] = struct{}{}
		}
		switch ratio := float64(len(unique)) / float64(words); {
		case ratio > 0.6:
			score += 10
		case ratio > 0.4:
			score += 5
		}
	}

	score += math.Min(float64(t.CountTerms(s.vocab.TechnicalTerms))*2, 10)
	score += math.Min(float64(t.CountTerms(s.vocab.EvidenceTerms))*3, 15)
	if words < shortDraftWords {
		score = math.Min(score, shortDraftCeiling)
	}
	return score
}

func (s *Scorer) structure(raw string, t *vocab.Text) float64 {
	score := 40.0
	switch h := countHeadings(raw); {
	case h >= 8:
		score += 20
	case h >= 5:
		score += 15
	case h >= 3:
		score += 10
	}

	if n := len(s.vocab.EssentialSections); n > 0 {
		found := 0
		for _, sec := range s.vocab.EssentialSections {
			for _, alias := range sec.Aliases {
				if t.HasPhrase(alias) {
					found++
					break
				}
			}
		}
		score += 20 * float64(found) / float64(n)
	}

	score += math.Min(float64(t.CountTerms(s.vocab.TransitionWords))*4, 20)
	return score
}

func (s *Scorer) completeness(raw string, t *vocab.Text, g models.Grant) float64 {
	score := 50.0
	if total, found := presence(t, s.vocab.ElementsFor(g.FundingType)); total > 0 {
		score += 30 * float64(found) / float64(total)
	}
	if emailRegex.MatchString(raw) {
		score += 10
	}

	if words := t.WordCount(); words > 0 {
		numeric := 0
		for _, tok := range t.Tokens() {
			if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
				numeric++
			}
		}
		perHundred := float64(numeric) / float64(words) * 100
		score += math.Min(perHundred*2, 10)
	}
	return score
}

func (s *Scorer) professionalism(raw string, t *vocab.Text) float64 {
	score := 70.0

	sentences := 0
	for _, part := range sentenceTerminator.Split(raw, -1) {
		if len(vocab.Tokenize(part)) > 0 {
			sentences++
		}
	}
	if sentences > 0 {
		switch avg := float64(t.WordCount()) / float64(sentences); {
		case avg >= 15 && avg <= 25:
			score += 10
		case avg >= 10 && avg <= 30:
			score += 5
		case avg > 40 || avg < 5:
			score -= 10
		}
	}

	score += math.Min(float64(t.CountTerms(s.vocab.FormalTerms))*2, 10)
	score -= math.Min(float64(t.CountTerms(s.vocab.CasualTerms))*5, 20)
	for _, marker := range s.vocab.CitationMarkers {
		if t.HasPhrase(marker) {
			score += 10
			break
		}
	}
	return score
}

type dimension struct {
	score          float64
	recommendation string
	improvement    string
	strength       string
}

func (s *Scorer) advise(a *Assessment) {
	dims := []dimension{
		{a.Alignment,
			"Address each of the grant's stated requirements and priority areas explicitly",
			"Strengthen alignment with the grant requirements",
			"Closely aligned with the grant priorities"},
		{a.Content,
			"Expand the narrative with supporting data, evidence and technical detail",
			"Add depth and evidence to the content",
			"Substantive, well-evidenced content"},
		{a.Structure,
			"Organize the proposal under clear headings covering summary, problem, methodology, budget and timeline",
			"Improve the document structure and section coverage",
			"Well organized with clear sections"},
		{a.Completeness,
			"Cover every element the funder expects, including budget, timeline, objectives and contact details",
			"Fill in missing required elements",
			"Covers the required proposal elements"},
		{a.Professionalism,
			"Use formal language, moderate sentence length and cite your sources",
			"Raise the professional tone of the writing",
			"Professional tone and clear writing"},
	}

	a.Recommendations = []string{}
	a.Strengths = []string{}
	a.Improvements = []string{}
	for _, d := range dims {
		if d.score < s.cfg.ImproveBelow {
			a.Recommendations = append(a.Recommendations, d.recommendation)
			a.Improvements = append(a.Improvements, d.improvement)
		}
		if d.score >= s.cfg.StrengthAt {
			a.Strengths = append(a.Strengths, d.strength)
		}
	}
	if len(a.Strengths) == 0 {
		a.Strengths = append(a.Strengths, "Provides a workable starting draft")
	}
}

// countHeadings counts markdown headings, short ALL-CAPS lines and short
// lines ending in a colon.
func countHeadings(raw string) int {
	n := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if markdownHeading.MatchString(line) {
			n++
			continue
		}
		words := len(strings.Fields(line))
		if words == 0 || words > 8 {
			continue
		}
		if strings.HasSuffix(line, ":") || isUpperLine(line) {
			n++
		}
	}
	return n
}

func isUpperLine(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if unicode.IsLower(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

// presence counts the non-blank phrases and how many occur in t.
func presence(t *vocab.Text, phrases []string) (total, found int) {
	for _, p := range phrases {
		if strings.TrimSpace(p) == "" {
			continue
		}
		total++
		if t.HasPhrase(p) || strings.Contains(t.Lower(), strings.ToLower(strings.TrimSpace(p))) {
			found++
		}
	}
	return total, found
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
