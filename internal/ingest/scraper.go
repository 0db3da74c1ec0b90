package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ScraperAdapter extracts listings from HTML pages with CSS selectors.
type ScraperAdapter struct {
	cfg    SourceConfig
	client *Client
	logger *zap.Logger
}

func NewScraperAdapter(cfg SourceConfig, client *Client, logger *zap.Logger) (Adapter, error) {
	if cfg.Selectors.Container == "" {
		return nil, fmt.Errorf("source %s: selector 'container' is required for html_generic strategy", cfg.ID)
	}
	if cfg.Selectors.Title == "" {
		return nil, fmt.Errorf("source %s: selector 'title' is required for html_generic strategy", cfg.ID)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("source %s: invalid base URL: %w", cfg.ID, err)
	}
	return &ScraperAdapter{cfg: cfg, client: client, logger: logger}, nil
}

// newCollector builds a collector per Fetch call; collectors carry callbacks
// and visit state, so sharing one would make the adapter stateful.
func (s *ScraperAdapter) newCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
		colly.DetectCharset(),
		colly.MaxBodySize(maxBodyBytes),
	)
	c.WithTransport(s.client.Transport())

	timeout := 30 * time.Second
	if s.cfg.Fetch.TimeoutSeconds > 0 {
		timeout = time.Duration(s.cfg.Fetch.TimeoutSeconds) * time.Second
	}
	c.SetRequestTimeout(timeout)

	// The shared client limiter paces page requests; colly only needs to stay
	// sequential.
	_ = c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1})

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		if err := s.client.Wait(ctx); err != nil {
			r.Abort()
		}
	})
	return c
}

func (s *ScraperAdapter) Fetch(ctx context.Context) ([]RawListing, error) {
	maxPages := s.cfg.Fetch.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	c := s.newCollector(ctx)
	sel := s.cfg.Selectors

	var (
		mu          sync.Mutex
		out         []RawListing
		attachments = make(map[int]string)
		fetchErr    error
		nextURL     string
	)

	c.OnHTML(sel.Container, func(e *colly.HTMLElement) {
		title := strings.TrimSpace(e.ChildText(sel.Title))
		if title == "" {
			return
		}

		linkAttr := sel.LinkAttr
		if linkAttr == "" {
			linkAttr = "href"
		}
		var link string
		if sel.Link == "" || sel.Link == "." {
			link = strings.TrimSpace(e.Attr(linkAttr))
		} else {
			link = strings.TrimSpace(e.ChildAttr(sel.Link, linkAttr))
		}
		fullURL := ""
		if link != "" {
			fullURL = CanonicalizeURL(e.Request.AbsoluteURL(link))
		}

		raw := RawListing{
			Source:      s.cfg.ID,
			Title:       title,
			URL:         fullURL,
			Agency:      s.cfg.Agency,
			FundingType: s.cfg.FundingType,
			Status:      "posted",
		}
		// Listings have no ids of their own; the canonical link is stable.
		if fullURL != "" {
			raw.ExternalID = stableID(fullURL)
		}
		if sel.Content != "" {
			raw.Description = strings.TrimSpace(e.ChildText(sel.Content))
		}
		if sel.Date != "" {
			raw.Deadline = strings.TrimSpace(e.ChildText(sel.Date))
		}
		if sel.Amount != "" {
			raw.AwardText = strings.TrimSpace(e.ChildText(sel.Amount))
		}
		if sel.Eligibility != "" {
			raw.Eligibility = splitAndCleanList(e.ChildText(sel.Eligibility))
		}
		if sel.Tags != "" {
			e.ForEach(sel.Tags, func(_ int, t *colly.HTMLElement) {
				raw.Tags = append(raw.Tags, strings.TrimSpace(t.Text))
			})
		}

		attachment := ""
		if sel.Attachment != "" {
			if href := strings.TrimSpace(e.ChildAttr(sel.Attachment, "href")); href != "" {
				attachment = e.Request.AbsoluteURL(href)
			}
		}

		mu.Lock()
		if attachment != "" {
			attachments[len(out)] = attachment
		}
		out = append(out, raw)
		mu.Unlock()
	})

	if s.cfg.Pagination.Next != "" {
		c.OnHTML(s.cfg.Pagination.Next, func(e *colly.HTMLElement) {
			if href := e.Attr("href"); href != "" {
				mu.Lock()
				nextURL = e.Request.AbsoluteURL(href)
				mu.Unlock()
			}
		})
	}

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if fetchErr == nil {
			fetchErr = scrapeError(r, err, s.cfg.Fetch.RetryNotFound)
		}
	})

	visited := make(map[string]bool)
	current := s.cfg.BaseURL
	for page := 1; page <= maxPages && current != ""; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		canon := CanonicalizeURL(current)
		if visited[canon] {
			s.logger.Info("pagination cycle detected", zap.String("url", canon))
			break
		}
		visited[canon] = true

		mu.Lock()
		nextURL = ""
		mu.Unlock()

		visitErr := c.Visit(current)
		c.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mu.Lock()
		pageErr := fetchErr
		current = nextURL
		mu.Unlock()

		if pageErr != nil {
			return nil, fmt.Errorf("scraping page %d: %w", page, pageErr)
		}
		if visitErr != nil {
			var ave *colly.AlreadyVisitedError
			if errors.As(visitErr, &ave) {
				break
			}
			return nil, fmt.Errorf("scraping page %d: %w: %v", page, ErrSourceUnavailable, visitErr)
		}
		if s.cfg.Pagination.Next == "" {
			break
		}
	}

	s.logger.Debug("scrape finished", zap.Int("listings", len(out)), zap.Int("pages", len(visited)))
	if len(out) == 0 && len(visited) > 0 {
		// A page whose container selector never matches usually means the
		// layout changed underneath the configuration.
		return nil, fmt.Errorf("%w: no listings matched %q", ErrSourceFormat, sel.Container)
	}
	if len(attachments) > 0 {
		s.fillDeadlinesFromAttachments(ctx, out, attachments)
	}
	return out, nil
}

func scrapeError(r *colly.Response, err error, retryNotFound bool) error {
	if r != nil && r.StatusCode > 0 {
		u := ""
		if r.Request != nil && r.Request.URL != nil {
			u = r.Request.URL.Redacted()
		}
		return newStatusError(r.StatusCode, u, "", retryNotFound)
	}
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
}
