package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-sync/internal/models"
)

func newScorer() *Scorer { return New(DefaultConfig(), nil) }

func shortFlatProposal() string {
	return strings.Repeat("Our team will plant trees along the river in town. ", 20)
}

const orchardProposal = "Riverbend Community Orchards asks for support to restore neglected land along the Millbrook floodplain. " +
	"Over two seasons we will plant native fruit and nut trees on four vacant parcels donated by the county. " +
	"Local students will help prepare soil, build fences and install drip irrigation lines supplied by a cooperative. " +
	"Volunteers from three churches have pledged weekend labor, and the garden club will train new members in pruning. " +
	"Each orchard will include benches, a tool shed, and signs explaining the history of the river valley. " +
	"Harvests will go to the neighborhood pantry, which buys most of its produce from distant wholesalers. " +
	"Surplus fruit will be sold at the Saturday market to cover water bills and replacement saplings. " +
	"Our coordinator has managed similar projects in two nearby towns and will meet monthly with parcel owners. " +
	"We expect three hundred trees in the ground by next autumn, with survival checks every spring. " +
	"Families living near the sites will be invited to adopt trees and record their growth. " +
	"The project also reduces erosion on the banks, cools the streets in summer, and gives young people paid seasonal work. " +
	"Funds will purchase stock, mulch, fencing, irrigation parts, and a part-time coordinator for eighteen months."

func TestAssess_VariedShortProposalStaysBelowFifty(t *testing.T) {
	require.Len(t, strings.Fields(orchardProposal), 200)
	require.Zero(t, countHeadings(orchardProposal))

	a := newScorer().Assess(orchardProposal, models.Grant{})

	assert.Less(t, a.Content, 50.0)
	assert.LessOrEqual(t, a.Content, shortDraftCeiling)
	assert.Contains(t, a.Improvements, "Add depth and evidence to the content")
}

func TestAssess_ShortDraftCeilingIgnoresTermBonuses(t *testing.T) {
	text := "Our research team will use data analysis, survey evidence and statistics from a pilot study. " +
		"The algorithm and analytics architecture support every evaluation step with measured results."
	a := newScorer().Assess(text, models.Grant{})
	assert.Equal(t, shortDraftCeiling, a.Content)
}

func TestAssess_ShortProposalWithoutHeadings(t *testing.T) {
	text := shortFlatProposal()
	require.Len(t, strings.Fields(text), 200)

	a := newScorer().Assess(text, models.Grant{})

	assert.Less(t, a.Content, 50.0)
	assert.Less(t, a.Structure, 50.0)
	assert.Contains(t, a.Improvements, "Add depth and evidence to the content")
	assert.Contains(t, a.Improvements, "Improve the document structure and section coverage")
	assert.Len(t, a.Recommendations, len(a.Improvements))

	assert.Equal(t, 80.0, a.Alignment)
	assert.Equal(t, 40.0, a.Content)
	assert.Equal(t, 40.0, a.Structure)
	assert.Equal(t, 50.0, a.Completeness)
	assert.Equal(t, 75.0, a.Professionalism)
	assert.Equal(t, 57, a.Overall)
	assert.Equal(t, []string{"Provides a workable starting draft"}, a.Strengths)
}

func TestAssess_WellStructuredProposal(t *testing.T) {
	text := strings.Join([]string{
		"# Executive Summary",
		"We request support for a rural workforce program.",
		"## Problem Statement",
		"However, farms in the valley cannot hire trained technicians.",
		"## Methodology",
		"Furthermore, the program pairs apprentices with growers.",
		"## Budget",
		"Therefore, we request $120,000 over 24 months.",
		"## Timeline",
		"Additionally, cohorts start in month 3 and month 12.",
		"## Conclusion",
		"Finally, the objective is durable employment.",
		"REFERENCES",
		"Contact:",
		"grants@example.org",
	}, "\n")

	a := newScorer().Assess(text, models.Grant{Requirements: []string{"job creation", "rural"}, Tags: []string{"agriculture"}})

	assert.Equal(t, 100.0, a.Structure)
	assert.Contains(t, a.Strengths, "Well organized with clear sections")
	assert.Equal(t, 100.0-15, a.Alignment, "tag missing from text")
	assert.NotContains(t, a.Improvements, "Improve the document structure and section coverage")
}

func TestAssess_AlignmentUsesRequirementSynonyms(t *testing.T) {
	g := models.Grant{Requirements: []string{"job creation", "rural"}, Tags: []string{"agriculture"}}
	a := newScorer().Assess("We will hire farm workers to support rural agriculture.", g)

	assert.Equal(t, 100.0, a.Alignment)
	assert.Contains(t, a.Strengths, "Closely aligned with the grant priorities")
}

func TestAssess_EmailBonus(t *testing.T) {
	base := "The project will restore wetlands near the harbor."
	without := newScorer().Assess(base, models.Grant{})
	with := newScorer().Assess(base+" Contact grants@example.org", models.Grant{})

	assert.Equal(t, 10.0, with.Completeness-without.Completeness)
}

func TestAssess_CasualLanguagePenalty(t *testing.T) {
	formal := newScorer().Assess("This comprehensive initiative will establish strategic partnerships with stakeholders.", models.Grant{})
	casual := newScorer().Assess("This awesome thing is basically gonna be super cool stuff for everyone.", models.Grant{})

	assert.Greater(t, formal.Professionalism, casual.Professionalism)
	assert.Contains(t, casual.Improvements, "Raise the professional tone of the writing")
}

func TestAssess_BoundedAndDeterministic(t *testing.T) {
	inputs := []string{
		"",
		"!!!",
		strings.Repeat("algorithm data evidence research study analysis framework metrics ", 400),
		strings.Repeat("gonna wanna stuff kinda ", 50),
		shortFlatProposal(),
	}
	grants := []models.Grant{
		{},
		{FundingType: "technology", Requirements: []string{"technology innovation"}, Domains: []string{"technology"}},
	}
	s := newScorer()
	for _, in := range inputs {
		for _, g := range grants {
			a := s.Assess(in, g)
			assert.Equal(t, a, s.Assess(in, g))
			for _, v := range []float64{a.Alignment, a.Content, a.Structure, a.Completeness, a.Professionalism} {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 100.0)
			}
			assert.GreaterOrEqual(t, a.Overall, 0)
			assert.LessOrEqual(t, a.Overall, 100)
			assert.NotEmpty(t, a.Strengths)
		}
	}
}

func TestCountHeadings(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"markdown", "# Title\n## Sub\n###not a heading", 2},
		{"caps", "PROJECT OVERVIEW\nbody text here\nA1", 1},
		{"colon", "Goals:\nThis sentence ends with a colon but is far too long to count:", 1},
		{"paragraph", "A normal paragraph of text without any headings at all.", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, countHeadings(tc.text))
		})
	}
}
