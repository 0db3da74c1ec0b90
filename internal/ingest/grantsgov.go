package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// GrantsGovAdapter fetches opportunities from the Grants.gov search2 API and,
// when a detail endpoint is configured, enriches each hit with its synopsis.
type GrantsGovAdapter struct {
	cfg    SourceConfig
	client *Client
	logger *zap.Logger
}

func NewGrantsGovAdapter(cfg SourceConfig, client *Client, logger *zap.Logger) (Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("grants.gov source %s: base_url is required", cfg.ID)
	}
	return &GrantsGovAdapter{cfg: cfg, client: client, logger: logger}, nil
}

// grantsGovSearchRequest matches the Grants.gov search2 API schema.
type grantsGovSearchRequest struct {
	Keyword        string `json:"keyword"`
	OppStatuses    string `json:"oppStatuses"`
	SortBy         string `json:"sortBy"`
	Rows           int    `json:"rows"`
	StartRecordNum int    `json:"startRecordNum"`
}

// grantsGovResponse is the search2 response (wrapped in "data").
type grantsGovResponse struct {
	Data *struct {
		HitCount    int               `json:"hitCount"`
		StartRecord int               `json:"startRecord"`
		OppHits     []grantsGovRecord `json:"oppHits"`
	} `json:"data"`
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
}

type grantsGovRecord struct {
	ID         string   `json:"id"`
	Number     string   `json:"number"`
	Title      string   `json:"title"`
	Agency     string   `json:"agency"`
	AgencyCode string   `json:"agencyCode"`
	OpenDate   string   `json:"openDate"`
	CloseDate  string   `json:"closeDate"`
	OppStatus  string   `json:"oppStatus"`
	DocType    string   `json:"docType"`
	CFDAList   []string `json:"cfdaList"`
}

type grantsGovDetail struct {
	Data struct {
		Synopsis struct {
			SynopsisDesc             string `json:"synopsisDesc"`
			ApplicantEligibilityDesc string `json:"applicantEligibilityDesc"`
			AwardCeiling             string `json:"awardCeiling"`
			AwardFloor               string `json:"awardFloor"`
			ResponseDate             string `json:"responseDate"`
			ApplicantTypes           []struct {
				Description string `json:"description"`
			} `json:"applicantTypes"`
			FundingActivityCategories []struct {
				Description string `json:"description"`
			} `json:"fundingActivityCategories"`
		} `json:"synopsis"`
	} `json:"data"`
}

func (a *GrantsGovAdapter) Fetch(ctx context.Context) ([]RawListing, error) {
	pageSize := a.cfg.Fetch.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	maxPages := a.cfg.Fetch.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}

	var out []RawListing
	offset := 0
	for page := 0; page < maxPages; page++ {
		req := grantsGovSearchRequest{
			Keyword:        a.cfg.Query,
			OppStatuses:    "forecasted|posted",
			SortBy:         "openDate|desc",
			Rows:           pageSize,
			StartRecordNum: offset,
		}

		var resp grantsGovResponse
		if err := a.client.PostJSON(ctx, a.cfg.BaseURL, nil, req, &resp); err != nil {
			return nil, fmt.Errorf("grants.gov search at offset %d: %w", offset, err)
		}
		if resp.ErrorCode != 0 {
			return nil, fmt.Errorf("%w: grants.gov error %d: %s", ErrSourceUnavailable, resp.ErrorCode, resp.Msg)
		}
		if resp.Data == nil {
			return nil, fmt.Errorf("%w: grants.gov response has no data", ErrSourceFormat)
		}

		for _, rec := range resp.Data.OppHits {
			if strings.TrimSpace(rec.ID) == "" {
				continue
			}
			out = append(out, a.toRaw(ctx, rec))
		}

		offset += len(resp.Data.OppHits)
		a.logger.Debug("grants.gov page fetched",
			zap.Int("offset", offset), zap.Int("hits", resp.Data.HitCount))

		if len(resp.Data.OppHits) == 0 || offset >= resp.Data.HitCount {
			break
		}
	}
	return out, nil
}

func (a *GrantsGovAdapter) toRaw(ctx context.Context, rec grantsGovRecord) RawListing {
	raw := RawListing{
		Source:      a.cfg.ID,
		ExternalID:  rec.ID,
		Title:       rec.Title,
		Agency:      rec.Agency,
		URL:         "https://www.grants.gov/search-results-detail/" + rec.ID,
		OpenDate:    rec.OpenDate,
		CloseDate:   rec.CloseDate,
		FundingType: a.cfg.FundingType,
		Status:      rec.OppStatus,
		Tags:        append([]string{}, rec.CFDAList...),
	}
	if rec.DocType != "" {
		raw.Tags = append(raw.Tags, rec.DocType)
	}
	if len(rec.CFDAList) > 0 {
		raw.Description = fmt.Sprintf("Federal grant from %s. CFDA: %s", rec.Agency, strings.Join(rec.CFDAList, ", "))
	}

	if a.cfg.DetailURL == "" {
		return raw
	}

	// Detail failures keep the search hit; they never fail the batch.
	var detail grantsGovDetail
	if err := a.client.PostJSON(ctx, a.cfg.DetailURL, nil, map[string]string{"opportunityId": rec.ID}, &detail); err != nil {
		a.logger.Warn("grants.gov detail fetch failed", zap.String("id", rec.ID), zap.Error(err))
		return raw
	}

	syn := detail.Data.Synopsis
	if syn.SynopsisDesc != "" {
		raw.Description = syn.SynopsisDesc
	}
	raw.AwardMax = syn.AwardCeiling
	raw.AwardMin = syn.AwardFloor
	raw.Deadline = syn.ResponseDate
	for _, t := range syn.ApplicantTypes {
		raw.Eligibility = append(raw.Eligibility, t.Description)
	}
	if len(raw.Eligibility) == 0 && syn.ApplicantEligibilityDesc != "" {
		raw.Eligibility = splitAndCleanList(HTMLToText(syn.ApplicantEligibilityDesc))
	}
	for _, c := range syn.FundingActivityCategories {
		raw.Tags = append(raw.Tags, c.Description)
	}
	return raw
}
