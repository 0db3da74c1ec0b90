package match

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-sync/internal/models"
)

func int64p(v int64) *int64 { return &v }

func newEngine() *Engine { return New(DefaultConfig(), nil) }

func TestScore_RequirementMetThroughSynonyms(t *testing.T) {
	doc := models.ProposalDocument{Content: "Over two years we project 10 new hires in the county."}
	g := models.Grant{Requirements: []string{"job creation"}}

	r := newEngine().Score(doc, g)
	assert.Greater(t, r.Breakdown.Requirements, 0.0)
	assert.Equal(t, 100.0, r.Breakdown.Requirements)
	assert.Contains(t, r.Reasons, "Meets key requirements")
}

func TestScore_FundingAlignment(t *testing.T) {
	doc := models.ProposalDocument{Content: "$250,000 requested"}

	exact := newEngine().Score(doc, models.Grant{AwardMax: int64p(250000)})
	assert.InDelta(t, 100, exact.Breakdown.Funding, 0.001)
	assert.Contains(t, exact.Reasons, "Appropriate funding range")

	lower := newEngine().Score(doc, models.Grant{AwardMin: int64p(200000)})
	assert.InDelta(t, 80, lower.Breakdown.Funding, 0.001)

	suffixed := newEngine().Score(models.ProposalDocument{Content: "a budget of $2.5m"}, models.Grant{AwardMax: int64p(5_000_000)})
	assert.InDelta(t, 50, suffixed.Breakdown.Funding, 0.001)
}

func TestScore_NeutralDefaults(t *testing.T) {
	r := newEngine().Score(models.ProposalDocument{Content: "community garden expansion"}, models.Grant{Title: "Gardens"})
	assert.Equal(t, 50.0, r.Breakdown.Requirements, "no requirements is neutral")
	assert.Equal(t, 50.0, r.Breakdown.Funding, "no amounts is neutral")
	assert.Zero(t, r.Breakdown.Tag)
}

func TestScore_WeightedBreakdown(t *testing.T) {
	doc := models.ProposalDocument{
		Content: "solar energy storage research",
		Tags:    []string{"renewables"},
	}
	g := models.Grant{
		Description: "solar storage pilot",
		Tags:        []string{"Solar", "Wind"},
		Domains:     []string{"environmental", "research"},
	}

	r := newEngine().Score(doc, g)
	want := Breakdown{Content: 40, Tag: 50, Requirements: 50, Domain: 50, Funding: 50}
	if diff := cmp.Diff(want, r.Breakdown); diff != "" {
		t.Fatalf("breakdown mismatch (-want +got):\n%s", diff)
	}
	// 16 + 12.5 + 10 + 5 + 2.5
	assert.Equal(t, 46, r.Score)
	assert.Equal(t, []string{"Research focus match"}, r.Reasons)
}

func TestScore_TagsFallBackToDomains(t *testing.T) {
	doc := models.ProposalDocument{Content: "clinical trials for rural patients", Tags: []string{"healthcare"}}
	g := models.Grant{Domains: []string{"Healthcare"}}

	r := newEngine().Score(doc, g)
	assert.Equal(t, 100.0, r.Breakdown.Tag)
	assert.Equal(t, 100.0, r.Breakdown.Domain)
	assert.Contains(t, r.Reasons, "Strong keyword alignment")
	assert.Contains(t, r.Reasons, "Healthcare focus match")
}

func TestScore_FallbackReason(t *testing.T) {
	r := newEngine().Score(models.ProposalDocument{Content: "unrelated words"}, models.Grant{})
	assert.Equal(t, []string{"General compatibility"}, r.Reasons)
}

func TestScore_ThresholdsAreConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.Funding = 100
	doc := models.ProposalDocument{Content: "$250,000 requested"}

	r := New(cfg, nil).Score(doc, models.Grant{AwardMax: int64p(250000)})
	assert.NotContains(t, r.Reasons, "Appropriate funding range")
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	docs := []models.ProposalDocument{
		{},
		{Content: "$1,000,000,000 for advanced cybersecurity research and workforce training", Tags: []string{"tech", "ai"}},
		{Title: "Rural clinic", Summary: "health access", Content: "nonprofit hospital serving rural farmers, $40k"},
	}
	grants := []models.Grant{
		{},
		{
			Description:  "Cybersecurity workforce development grants for community colleges.",
			Requirements: []string{"job creation", "technology innovation", "matching funds"},
			Tags:         []string{"cyber", "education"},
			Domains:      []string{"technology", "education"},
			AwardMax:     int64p(1),
		},
		{Domains: []string{"healthcare", "agriculture"}, AwardMin: int64p(50000), Requirements: []string{"  "}},
	}

	e := newEngine()
	for _, d := range docs {
		for _, g := range grants {
			first := e.Score(d, g)
			second := e.Score(d, g)
			assert.Equal(t, first, second)
			assert.GreaterOrEqual(t, first.Score, 0)
			assert.LessOrEqual(t, first.Score, 100)
			for _, sub := range []float64{first.Breakdown.Content, first.Breakdown.Tag, first.Breakdown.Requirements, first.Breakdown.Domain, first.Breakdown.Funding} {
				assert.GreaterOrEqual(t, sub, 0.0)
				assert.LessOrEqual(t, sub, 100.0)
			}
			assert.NotEmpty(t, first.Reasons)
		}
	}
}

func TestRank_SortsDescendingWithStableTies(t *testing.T) {
	doc := models.ProposalDocument{Content: "solar energy storage research", Tags: []string{"solar"}}
	grants := []models.Grant{
		{Title: "Zeta", Source: "a", ExternalID: "1"},
		{Title: "Solar", Source: "a", ExternalID: "2", Description: "solar energy storage research", Tags: []string{"solar"}},
		{Title: "Alpha", Source: "b", ExternalID: "2"},
		{Title: "Alpha", Source: "a", ExternalID: "3"},
	}

	e := New(Config{Weights: DefaultConfig().Weights, Thresholds: DefaultConfig().Thresholds, Parallelism: 2}, nil)
	results, err := e.Rank(context.Background(), doc, grants)
	require.NoError(t, err)
	require.Len(t, results, 4)

	var order []string
	for _, r := range results {
		order = append(order, r.Grant.Title+"/"+r.Grant.Source+"/"+r.Grant.ExternalID)
	}
	assert.Equal(t, []string{"Solar/a/2", "Alpha/a/3", "Alpha/b/2", "Zeta/a/1"}, order)
	assert.Greater(t, results[0].Score, results[1].Score)

	again, err := e.Rank(context.Background(), doc, grants)
	require.NoError(t, err)
	assert.Equal(t, results, again)
}

func TestRank_Empty(t *testing.T) {
	results, err := newEngine().Rank(context.Background(), models.ProposalDocument{}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRank_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine().Rank(ctx, models.ProposalDocument{}, []models.Grant{{Title: "x"}})
	require.ErrorIs(t, err, context.Canceled)
}
