package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/vocab"
)

// MaxDescriptionLength bounds the stored description, in bytes.
const MaxDescriptionLength = 20000

// UGCPolicy removes scripts, iframes and event handlers but keeps structure,
// so the text conversion still sees paragraph and list boundaries.
var sanitizer = bluemonday.UGCPolicy()

// Normalize converts a raw listing into a canonical grant record using the
// default vocabulary. It is pure: missing or malformed fields become nil or
// empty values and it never fails.
func Normalize(raw RawListing) models.Grant {
	return NormalizeWith(vocab.Default(), raw)
}

// NormalizeWith is Normalize with an explicit vocabulary.
func NormalizeWith(v *vocab.Vocabulary, raw RawListing) models.Grant {
	g := models.Grant{
		Source:             cleanText(raw.Source),
		Title:              cleanText(HTMLToText(raw.Title)),
		Description:        TruncateText(HTMLToText(raw.Description), MaxDescriptionLength),
		Agency:             cleanText(raw.Agency),
		URL:                CanonicalizeURL(strings.TrimSpace(raw.URL)),
		FundingType:        strings.ToLower(cleanText(raw.FundingType)),
		EligibleApplicants: cleanList(raw.Eligibility),
		Requirements:       cleanList(raw.Requirements),
		Tags:               cleanList(raw.Tags),
	}

	g.AwardMin = parseAmount(raw.AwardMin)
	g.AwardMax = parseAmount(raw.AwardMax)
	if g.AwardMin == nil && g.AwardMax == nil && raw.AwardText != "" {
		g.AwardMin, g.AwardMax = parseAwardRange(raw.AwardText)
	}
	if g.AwardMin != nil && g.AwardMax != nil && *g.AwardMin > *g.AwardMax {
		g.AwardMin, g.AwardMax = g.AwardMax, g.AwardMin
	}

	if t, ok := parseDate(raw.OpenDate); ok {
		g.OpenDate = &t
	}
	if t, ok := parseDate(raw.CloseDate); ok {
		g.CloseDate = &t
	}
	if t, ok := parseDate(raw.Deadline); ok {
		g.Deadline = &t
	} else if g.CloseDate != nil {
		d := *g.CloseDate
		g.Deadline = &d
	} else if t, ok := findLabeledDate(g.Description); ok {
		g.Deadline = &t
	}

	g.ExternalID = cleanText(raw.ExternalID)
	if g.ExternalID == "" {
		g.ExternalID = fallbackID(g)
	}

	tagText := strings.Join([]string{
		g.Title,
		g.Description,
		strings.Join(g.Requirements, " "),
		strings.Join(g.EligibleApplicants, " "),
	}, "\n")
	g.Domains = v.DomainsIn(tagText)
	if g.Domains == nil {
		g.Domains = []string{}
	}

	g.Status = normalizeStatus(raw.Status, g.Title)
	return g
}

// normalizeStatus maps source status vocabularies onto the grant lifecycle.
// Listings without a title are held for review rather than published.
func normalizeStatus(raw, title string) models.GrantStatus {
	if title == "" {
		return models.StatusPendingReview
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "closed", "archived", "expired", "cancelled":
		return models.StatusExpired
	case "draft", "pending", "review":
		return models.StatusPendingReview
	}
	return models.StatusActive
}

// HTMLToText sanitizes HTML and converts it to plain text, collapsing
// whitespace. Block elements become line breaks.
func HTMLToText(s string) string {
	s = strings.ToValidUTF8(s, "")
	if !strings.ContainsAny(s, "<&") {
		return cleanText(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitizer.Sanitize(s)))
	if err != nil {
		return cleanText(s)
	}
	for _, n := range doc.Find("br, p, div, li, h1, h2, h3, h4, h5, h6, tr").Nodes {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: "\n"})
	}

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = cleanText(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// TruncateText cuts a string to max bytes on a rune boundary, appending an
// ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	if maxLen > 3 {
		cut = maxLen - 3
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if maxLen > 3 {
		return text[:cut] + "..."
	}
	return text[:cut]
}

// CanonicalizeURL removes common tracking parameters to ensure stable URLs.
func CanonicalizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}
	for _, p := range []string{"fbclid", "gclid", "mc_cid", "mc_eid", "mkt_tok", "ref", "session", "s_cid"} {
		q.Del(p)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// fallbackID keys a listing that has no published id by URL and title. Listings
// with neither are keyed by their remaining content so distinct ones stay apart.
func fallbackID(g models.Grant) string {
	if g.URL != "" || g.Title != "" {
		return stableID(g.URL, g.Title)
	}
	deadline := ""
	if g.Deadline != nil {
		deadline = g.Deadline.UTC().Format(time.RFC3339)
	}
	return stableID("", "", g.Agency, g.Description, deadline)
}

// stableID derives an external id for sources that do not publish one.
func stableID(parts ...string) string {
	key := strings.Join(parts, "|")
	hash := sha1.Sum([]byte(strings.ToLower(key)))
	return hex.EncodeToString(hash[:])
}

func cleanList(items []string) []string {
	out := mergeUniqueFold(nil, items)
	for i := range out {
		out[i] = cleanText(out[i])
	}
	if out == nil {
		out = []string{}
	}
	return out
}
