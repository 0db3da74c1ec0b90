package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// WordPressAdapter lists posts from a WordPress REST API. Foundations often
// publish calls as blog posts; amounts and deadlines are mined from the body.
type WordPressAdapter struct {
	cfg      SourceConfig
	client   *Client
	logger   *zap.Logger
	postsURL string
}

func NewWordPressAdapter(cfg SourceConfig, client *Client, logger *zap.Logger) (Adapter, error) {
	postsURL := cfg.BaseURL
	// If the URL doesn't point at wp-json already, append the standard path
	if !strings.Contains(postsURL, "wp-json") {
		u, err := url.Parse(postsURL)
		if err != nil {
			return nil, fmt.Errorf("wordpress source %s: invalid base URL: %w", cfg.ID, err)
		}
		postsURL = strings.TrimRight(u.String(), "/") + "/wp-json/wp/v2/posts"
	}
	return &WordPressAdapter{cfg: cfg, client: client, logger: logger, postsURL: postsURL}, nil
}

type wpPost struct {
	ID    int    `json:"id"`
	Date  string `json:"date"`
	Link  string `json:"link"`
	Title struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
	Content struct {
		Rendered string `json:"rendered"`
	} `json:"content"`
	Excerpt struct {
		Rendered string `json:"rendered"`
	} `json:"excerpt"`
	Status string `json:"status"`
}

func (a *WordPressAdapter) Fetch(ctx context.Context) ([]RawListing, error) {
	perPage := a.cfg.Fetch.PageSize
	if perPage <= 0 {
		perPage = 20
	}
	maxPages := a.cfg.Fetch.MaxPages
	if maxPages <= 0 {
		maxPages = 5
	}

	var out []RawListing
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))
		if a.cfg.Query != "" {
			q.Set("search", a.cfg.Query)
		}

		var posts []wpPost
		err := a.client.GetJSON(ctx, a.postsURL+"?"+q.Encode(), &posts)
		// WordPress answers 400 (rest_post_invalid_page_number) past the last page.
		if page > 1 && HTTPStatus(err) == http.StatusBadRequest {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wordpress page %d: %w", page, err)
		}
		if len(posts) == 0 {
			break
		}

		for _, post := range posts {
			out = append(out, a.toRaw(post))
		}
		a.logger.Debug("wordpress page fetched", zap.Int("page", page), zap.Int("posts", len(posts)))

		if len(posts) < perPage {
			break
		}
	}
	return out, nil
}

func (a *WordPressAdapter) toRaw(post wpPost) RawListing {
	body := post.Content.Rendered
	if post.Excerpt.Rendered != "" {
		body = post.Excerpt.Rendered + "\n" + body
	}
	text := HTMLToText(body)

	raw := RawListing{
		Source:      a.cfg.ID,
		ExternalID:  strconv.Itoa(post.ID),
		Title:       post.Title.Rendered,
		Description: body,
		Agency:      a.cfg.Agency,
		URL:         post.Link,
		AwardText:   amountSentence(text),
		FundingType: a.cfg.FundingType,
		Status:      wpStatus(post.Status),
	}
	if t, ok := findLabeledDate(text); ok {
		raw.Deadline = t.Format("2006-01-02")
	}
	return raw
}

func wpStatus(s string) string {
	switch s {
	case "", "publish":
		return "posted"
	case "draft", "pending", "private":
		return "draft"
	}
	return s
}

// amountSentence returns the first line of text that mentions a currency
// amount, so range words such as "up to" stay attached to it.
func amountSentence(text string) string {
	for _, line := range strings.Split(text, "\n") {
		for _, sentence := range strings.Split(line, ". ") {
			if prefixedAmountMention(sentence) {
				return sentence
			}
		}
	}
	return ""
}

func prefixedAmountMention(s string) bool {
	return strings.ContainsAny(s, "$€£") && amountTokenRegex.MatchString(s)
}
