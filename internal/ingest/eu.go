package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const euTopicURL = "https://ec.europa.eu/info/funding-tenders/opportunities/portal/screen/opportunities/topic-details/"

// EUAdapter reads open and forthcoming calls from the EU Funding & Tenders
// search API.
type EUAdapter struct {
	cfg    SourceConfig
	client *Client
	logger *zap.Logger
}

func NewEUAdapter(cfg SourceConfig, client *Client, logger *zap.Logger) (Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("eu source %s: base_url is required", cfg.ID)
	}
	return &EUAdapter{cfg: cfg, client: client, logger: logger}, nil
}

type euSearchRequest struct {
	Query    string   `json:"query"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
	Status   []string `json:"status"`
}

type euResponse struct {
	FundingOpportunities []euOpportunity `json:"fundingOpportunities"`
	TotalCount           int             `json:"totalCount"`
}

type euOpportunity struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`       // OPEN, CLOSED, FORTHCOMING
	DeadlineDate    []int64  `json:"deadlineDate"` // epoch milliseconds, one per stage
	OpeningDate     []int64  `json:"openingDate"`
	CallIdentifier  string   `json:"callIdentifier"`
	TopicIdentifier string   `json:"topicIdentifier"`
	Type            string   `json:"type"`   // Grant, Tenders
	Budget          string   `json:"budget"` // "1.000.000" or "2500000"
	Keywords        []string `json:"keywords"`
	Eligibility     []string `json:"eligibleCountries"`
	Conditions      []string `json:"conditions"`
}

func (a *EUAdapter) Fetch(ctx context.Context) ([]RawListing, error) {
	pageSize := a.cfg.Fetch.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	maxPages := a.cfg.Fetch.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	headers := map[string]string{}
	if a.cfg.APIKey != "" {
		headers["apikey"] = a.cfg.APIKey
	}

	var out []RawListing
	for page := 1; page <= maxPages; page++ {
		req := euSearchRequest{
			Query:    a.cfg.Query,
			Page:     page,
			PageSize: pageSize,
			Status:   []string{"OPEN", "FORTHCOMING"},
		}

		var resp euResponse
		if err := a.client.PostJSON(ctx, a.cfg.BaseURL, headers, req, &resp); err != nil {
			return nil, fmt.Errorf("eu search page %d: %w", page, err)
		}

		for _, item := range resp.FundingOpportunities {
			if item.TopicIdentifier == "" && item.CallIdentifier == "" {
				continue
			}
			out = append(out, a.toRaw(item))
		}

		a.logger.Debug("eu page fetched", zap.Int("page", page), zap.Int("total", resp.TotalCount))
		if len(resp.FundingOpportunities) == 0 || page*pageSize >= resp.TotalCount {
			break
		}
	}
	return out, nil
}

func (a *EUAdapter) toRaw(item euOpportunity) RawListing {
	id := item.TopicIdentifier
	if id == "" {
		id = item.CallIdentifier
	}
	agency := a.cfg.Agency
	if agency == "" {
		agency = "European Commission"
	}
	fundingType := a.cfg.FundingType
	if fundingType == "" && strings.EqualFold(item.Type, "Grant") {
		fundingType = "research"
	}

	raw := RawListing{
		Source:       a.cfg.ID,
		ExternalID:   id,
		Title:        item.Title,
		Description:  item.Description,
		Agency:       agency,
		URL:          euTopicURL + id,
		AwardMax:     item.Budget,
		Eligibility:  item.Eligibility,
		Requirements: item.Conditions,
		Tags:         item.Keywords,
		FundingType:  fundingType,
		Status:       euStatus(item.Status),
	}
	if item.Type != "" {
		raw.Tags = append(append([]string{}, raw.Tags...), item.Type)
	}
	if ts := earliestPositive(item.OpeningDate); ts > 0 {
		raw.OpenDate = time.UnixMilli(ts).UTC().Format(time.RFC3339)
	}
	// Multi-stage calls list one deadline per stage; the first open stage wins.
	if ts := earliestPositive(item.DeadlineDate); ts > 0 {
		raw.Deadline = time.UnixMilli(ts).UTC().Format(time.RFC3339)
		raw.CloseDate = time.UnixMilli(latestPositive(item.DeadlineDate)).UTC().Format(time.RFC3339)
	}
	return raw
}

func euStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLOSED":
		return "closed"
	case "FORTHCOMING":
		return "forecasted"
	}
	return "posted"
}

func earliestPositive(ts []int64) int64 {
	var best int64
	for _, t := range ts {
		if t > 0 && (best == 0 || t < best) {
			best = t
		}
	}
	return best
}

func latestPositive(ts []int64) int64 {
	var best int64
	for _, t := range ts {
		if t > best {
			best = t
		}
	}
	return best
}
