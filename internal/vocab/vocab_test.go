package vocab

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywords_FilterOrderAndCap(t *testing.T) {
	v := Default()

	got := v.Keywords("The community solar project will train local workers; solar panels, the community, and training.")
	want := []string{"community", "solar", "project", "train", "local", "workers", "panels", "training"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestKeywords_CapsAtTwenty(t *testing.T) {
	v := Default()
	text := ""
	for _, w := range []string{
		"alpha", "bravo", "charlie", "delta", "echo1", "foxtrot", "golf1", "hotel", "india", "juliet",
		"kilo1", "lima1", "mike1", "november", "oscar", "papa1", "quebec", "romeo", "sierra", "tango",
		"uniform", "victor",
	} {
		text += w + " "
	}

	got := v.Keywords(text)
	require.Len(t, got, MaxKeywords)
	assert.Equal(t, "alpha", got[0])
	assert.Equal(t, "tango", got[MaxKeywords-1])
}

func TestKeywords_Deterministic(t *testing.T) {
	v := Default()
	text := "Advanced manufacturing research with measurable workforce outcomes and research partners."
	assert.Equal(t, v.Keywords(text), v.Keywords(text))
}

func TestDomainsIn(t *testing.T) {
	v := Default()

	got := v.DomainsIn("A clinical software platform for rural hospitals")
	assert.Equal(t, []string{"technology", "healthcare"}, got)

	assert.Empty(t, v.DomainsIn("An unrelated sentence about nothing specific"))
}

func TestDomainsIn_WholeWordsOnly(t *testing.T) {
	v := Default()
	// "greenhouse" must not trigger the "green" environmental marker.
	assert.NotContains(t, v.DomainsIn("a greenhouse"), "environmental")
	assert.Contains(t, v.DomainsIn("a green roof"), "environmental")
}

func TestRequirementMet_SynonymTable(t *testing.T) {
	v := Default()

	tests := []struct {
		name        string
		requirement string
		text        string
		want        bool
	}{
		{"direct phrase", "job creation", "This plan focuses on job creation in the region.", true},
		{"hiring synonym", "job creation", "We project 10 new hires by year two.", true},
		{"tech synonym", "technology innovation", "A cutting-edge sensor.", true},
		{"unmet", "job creation", "We will restore wetlands.", false},
		{"empty requirement", "", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.RequirementMet(tt.requirement, NewText(tt.text)))
		})
	}
}

func TestElementsFor_MergesCommon(t *testing.T) {
	v := Default()

	got := v.ElementsFor("Research")
	want := []string{"hypothesis", "literature", "outcomes", "dissemination", "budget", "timeline", "objective", "methodology"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("elements mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"budget", "timeline", "objective", "methodology"}, v.ElementsFor("unknown"))
}

func TestCountPhrase(t *testing.T) {
	txt := NewText("Data, data and more data. In addition to this, in addition.")
	assert.Equal(t, 3, txt.CountPhrase("data"))
	assert.Equal(t, 2, txt.CountPhrase("in addition"))
	assert.Equal(t, 0, txt.CountPhrase("missing"))
}

func TestParseCurrencyAmounts(t *testing.T) {
	tests := []struct {
		text string
		want []int64
	}{
		{"$250,000 requested", []int64{250000}},
		{"between $50k and $1.5m", []int64{50000, 1500000}},
		{"a $2 billion program", []int64{2000000000}},
		{"we need 75,000 USD", []int64{75000}},
		{"no money here, 2024", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCurrencyAmounts(tt.text))
		})
	}
}

func TestLargestAmount(t *testing.T) {
	got, ok := LargestAmount("Phase I is $40,000; phase II is $250k.")
	require.True(t, ok)
	assert.Equal(t, int64(250000), got)

	_, ok = LargestAmount("nothing")
	assert.False(t, ok)
}

func TestParse_RejectsEmptyDomains(t *testing.T) {
	_, err := Parse([]byte("stop_words: [a]\n"))
	require.Error(t, err)
}
