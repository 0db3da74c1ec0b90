// Package match scores how well a proposal document fits a grant.
//
// The score is a weighted sum of five lexical sub-scores, each on a 0-100
// scale. Scoring is pure: the same document and grant always produce the same
// Result, and an Engine is safe for concurrent use.
package match

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/vocab"
)

const neutralScore = 50

// Weights is the contribution of each sub-score to the overall score.
type Weights struct {
	Content      float64 `json:"content"`
	Tag          float64 `json:"tag"`
	Requirements float64 `json:"requirements"`
	Domain       float64 `json:"domain"`
	Funding      float64 `json:"funding"`
}

// Thresholds gate the plain-language reasons attached to a Result.
type Thresholds struct {
	Keyword      float64 `json:"keyword"`
	Requirements float64 `json:"requirements"`
	Funding      float64 `json:"funding"`
	Content      float64 `json:"content"`
}

// Config holds the tunable numbers of the engine.
type Config struct {
	Weights    Weights
	Thresholds Thresholds
	// Parallelism bounds the number of grants scored at once by Rank.
	Parallelism int
}

// DefaultConfig returns the stock weights and reason thresholds.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Content:      0.40,
			Tag:          0.25,
			Requirements: 0.20,
			Domain:       0.10,
			Funding:      0.05,
		},
		Thresholds: Thresholds{
			Keyword:      60,
			Requirements: 70,
			Funding:      70,
			Content:      40,
		},
		Parallelism: 8,
	}
}

// Breakdown holds the five sub-scores, each in [0, 100].
type Breakdown struct {
	Content      float64 `json:"content"`
	Tag          float64 `json:"tag"`
	Requirements float64 `json:"requirements"`
	Domain       float64 `json:"domain"`
	Funding      float64 `json:"funding"`
}

// Result is one scored (document, grant) pair.
type Result struct {
	Grant     models.Grant `json:"grant"`
	Score     int          `json:"score"`
	Breakdown Breakdown    `json:"breakdown"`
	Reasons   []string     `json:"reasons"`
}

type Engine struct {
	cfg   Config
	vocab *vocab.Vocabulary
}

// New builds an engine. A nil vocabulary selects vocab.Default.
func New(cfg Config, v *vocab.Vocabulary) *Engine {
	if v == nil {
		v = vocab.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	return &Engine{cfg: cfg, vocab: v}
}

// profile is the document side of scoring, computed once per Rank call.
type profile struct {
	text       *vocab.Text
	keywords   []string
	candidates []string
	domains    []string
	amount     int64
	hasAmount  bool
}

func (e *Engine) profile(doc models.ProposalDocument) profile {
	raw := doc.Text()
	withTags := raw
	if len(doc.Tags) > 0 {
		withTags += "\n" + strings.Join(doc.Tags, " ")
	}

	p := profile{
		text:     vocab.NewText(withTags),
		keywords: e.vocab.Keywords(raw),
		domains:  e.vocab.DomainsIn(withTags),
	}
	p.amount, p.hasAmount = vocab.LargestAmount(raw)

	p.candidates = append(p.candidates, p.keywords...)
	for _, t := range doc.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			p.candidates = append(p.candidates, t)
		}
	}
	return p
}

// Score computes the match between doc and g.
func (e *Engine) Score(doc models.ProposalDocument, g models.Grant) Result {
	return e.score(e.profile(doc), g)
}

func (e *Engine) score(p profile, g models.Grant) Result {
	shared := sharedDomains(p.domains, g.Domains)
	b := Breakdown{
		Content:      e.contentScore(p, g),
		Tag:          tagScore(p, g),
		Requirements: e.requirementsScore(p, g),
		Domain:       domainScore(p.domains, g.Domains, len(shared)),
		Funding:      fundingScore(p, g),
	}

	w := e.cfg.Weights
	overall := b.Content*w.Content +
		b.Tag*w.Tag +
		b.Requirements*w.Requirements +
		b.Domain*w.Domain +
		b.Funding*w.Funding

	return Result{
		Grant:     g,
		Score:     int(math.Round(clamp(overall))),
		Breakdown: b,
		Reasons:   e.reasons(b, shared),
	}
}

// Rank scores every grant against doc and returns the results sorted by
// descending score. Ties fall back to title, then source and external id.
func (e *Engine) Rank(ctx context.Context, doc models.ProposalDocument, grants []models.Grant) ([]Result, error) {
	p := e.profile(doc)
	results := make([]Result, len(grants))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i := range grants {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.score(p, grants[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Grant.Title != b.Grant.Title {
			return a.Grant.Title < b.Grant.Title
		}
		if a.Grant.Source != b.Grant.Source {
			return a.Grant.Source < b.Grant.Source
		}
		return a.Grant.ExternalID < b.Grant.ExternalID
	})
	return results, nil
}

// contentScore is the Jaccard similarity of document keywords and the
// keywords of the grant description plus requirements.
func (e *Engine) contentScore(p profile, g models.Grant) float64 {
	grantText := g.Description
	if len(g.Requirements) > 0 {
		grantText += "\n" + strings.Join(g.Requirements, "\n")
	}
	grantKeywords := e.vocab.Keywords(grantText)

	union := make(map[string]struct{}, len(p.keywords)+len(grantKeywords))
	docSet := make(map[string]struct{}, len(p.keywords))
	for _, k := range p.keywords {
		docSet[k] = struct{}{}
		union[k] = struct{}{}
	}
	inter := 0
	for _, k := range grantKeywords {
		if _, ok := docSet[k]; ok {
			inter++
		}
		union[k] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union)) * 100
}

// tagScore is the fraction of grant tags found among the document keywords
// and tags. Grants without free-text tags are compared on their domains.
func tagScore(p profile, g models.Grant) float64 {
	tags := normalized(g.Tags)
	if len(tags) == 0 {
		tags = normalized(g.Domains)
	}
	if len(tags) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		for _, c := range p.candidates {
			if strings.Contains(c, tag) || strings.Contains(tag, c) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tags)) * 100
}

func (e *Engine) requirementsScore(p profile, g models.Grant) float64 {
	total, met := 0, 0
	for _, req := range g.Requirements {
		if strings.TrimSpace(req) == "" {
			continue
		}
		total++
		if e.vocab.RequirementMet(req, p.text) {
			met++
		}
	}
	if total == 0 {
		return neutralScore
	}
	return float64(met) / float64(total) * 100
}

func domainScore(docDomains, grantDomains []string, shared int) float64 {
	union := make(map[string]struct{})
	for _, d := range docDomains {
		union[d] = struct{}{}
	}
	for _, d := range normalized(grantDomains) {
		union[d] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(shared) / float64(len(union)) * 100
}

func fundingScore(p profile, g models.Grant) float64 {
	target, ok := g.TargetAward()
	if !ok || !p.hasAmount {
		return neutralScore
	}
	a, b := float64(p.amount), float64(target)
	rel := math.Abs(a-b) / math.Max(a, b)
	return math.Max(0, 1-rel) * 100
}

func (e *Engine) reasons(b Breakdown, shared []string) []string {
	t := e.cfg.Thresholds
	var out []string
	if b.Tag > t.Keyword {
		out = append(out, "Strong keyword alignment")
	}
	for _, d := range shared {
		out = append(out, capitalize(d)+" focus match")
	}
	if b.Requirements > t.Requirements {
		out = append(out, "Meets key requirements")
	}
	if b.Funding > t.Funding {
		out = append(out, "Appropriate funding range")
	}
	if b.Content > t.Content {
		out = append(out, "Strong content similarity")
	}
	if len(out) == 0 {
		out = append(out, "General compatibility")
	}
	return out
}

// sharedDomains returns the grant domains also detected in the document, in
// grant order.
func sharedDomains(docDomains, grantDomains []string) []string {
	doc := make(map[string]struct{}, len(docDomains))
	for _, d := range docDomains {
		doc[d] = struct{}{}
	}
	var out []string
	for _, d := range normalized(grantDomains) {
		if _, ok := doc[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// normalized lowercases and dedups values, dropping blanks.
func normalized(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
