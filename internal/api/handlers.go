package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/match"
	"github.com/david/grant-sync/internal/models"
)

const (
	defaultMatchLimit = 10
	maxMatchLimit     = 50
)

type matchRequest struct {
	Document models.ProposalDocument `json:"document"`
	GrantIDs []string                `json:"grant_ids"`
	Limit    int                     `json:"limit"`
}

type matchResponse struct {
	Results    []match.Result `json:"results"`
	Candidates int            `json:"candidates"`
}

type qualityRequest struct {
	Text    string `json:"text"`
	GrantID string `json:"grant_id"`
}

func (s *Server) handleSearchGrants(c echo.Context) error {
	f, err := parseFilter(c.QueryParams())
	if err != nil {
		return s.fail(c, err)
	}
	result, err := s.repo.Search(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetGrant(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid grant id"})
	}
	g, err := s.repo.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleAgencyStats(c echo.Context) error {
	counts, err := s.repo.AgencyCounts(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if counts == nil {
		counts = []models.AgencyCount{}
	}
	return c.JSON(http.StatusOK, counts)
}

// handleMatch ranks the listed grants, or the active grants selected by the
// query-string filter when no ids are given.
func (s *Server) handleMatch(c echo.Context) error {
	var req matchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if strings.TrimSpace(req.Document.Text()) == "" && len(req.Document.Tags) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "document is empty"})
	}
	limit := req.Limit
	switch {
	case limit < 0 || limit > maxMatchLimit:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("limit must be between 1 and %d", maxMatchLimit)})
	case limit == 0:
		limit = defaultMatchLimit
	}

	ctx := c.Request().Context()
	var candidates []models.Grant
	if len(req.GrantIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(req.GrantIDs))
		for _, raw := range req.GrantIDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid grant id %q", raw)})
			}
			ids = append(ids, id)
		}
		grants, err := s.repo.GetByIDs(ctx, ids)
		if err != nil {
			return s.fail(c, err)
		}
		candidates = grants
	} else {
		f, err := parseFilter(c.QueryParams())
		if err != nil {
			return s.fail(c, err)
		}
		if f.Status == "" {
			f.Status = models.StatusActive
		}
		f.Limit, f.Offset = db.MaxPageSize, 0
		page, err := s.repo.Search(ctx, f)
		if err != nil {
			return s.fail(c, err)
		}
		candidates = page.Grants
	}

	results, err := s.matcher.Rank(ctx, req.Document, candidates)
	if err != nil {
		return s.fail(c, err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []match.Result{}
	}
	return c.JSON(http.StatusOK, matchResponse{Results: results, Candidates: len(candidates)})
}

func (s *Server) handleQuality(c echo.Context) error {
	var req qualityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	var grant models.Grant
	if req.GrantID != "" {
		id, err := uuid.Parse(strings.TrimSpace(req.GrantID))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid grant id"})
		}
		g, err := s.repo.Get(c.Request().Context(), id)
		if err != nil {
			return s.fail(c, err)
		}
		grant = *g
	}

	return c.JSON(http.StatusOK, s.quality.Assess(req.Text, grant))
}

// parseFilter reads search parameters. Malformed values are reported as
// db.ErrInvalidFilter so they map to 400 like the repository's own checks.
func parseFilter(q url.Values) (db.Filter, error) {
	f := db.Filter{
		Query:       q.Get("q"),
		Source:      q.Get("source"),
		Status:      models.GrantStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Eligibility: splitCSV(q["eligibility"]...),
		Tags:        splitCSV(q["tags"]...),
	}

	var err error
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return db.Filter{}, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return db.Filter{}, err
	}
	if f.MinAmount, err = amountParam(q, "min_amount"); err != nil {
		return db.Filter{}, err
	}
	if f.MaxAmount, err = amountParam(q, "max_amount"); err != nil {
		return db.Filter{}, err
	}
	if raw := strings.TrimSpace(q.Get("deadline_after")); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return db.Filter{}, fmt.Errorf("%w: deadline_after %q is not a date", db.ErrInvalidFilter, raw)
		}
		f.DeadlineAfter = &t
	}
	return f.Normalize()
}

func intParam(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", db.ErrInvalidFilter, key, raw)
	}
	return v, nil
}

func amountParam(q url.Values, key string) (*int64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a whole amount", db.ErrInvalidFilter, key, raw)
	}
	return &v, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
