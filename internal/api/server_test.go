package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/auth"
	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/match"
	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/quality"
	"github.com/david/grant-sync/internal/scheduler"
)

const testSecret = "api-test-secret"

type fakeScheduler struct {
	started []models.UpdateType
	err     error
}

func (f *fakeScheduler) Status(ctx context.Context) scheduler.Status {
	return scheduler.Status{
		Running:  true,
		InFlight: []string{"full-abc"},
		Sources:  []scheduler.Source{{ID: "grants_gov", Status: scheduler.SourceError, LastError: "after 3 attempt(s): boom"}},
	}
}

func (f *fakeScheduler) StartManualUpdate(typ models.UpdateType) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if typ != models.UpdateFull && typ != models.UpdateQuick {
		return "", fmt.Errorf("%w: %q", scheduler.ErrUnknownUpdate, typ)
	}
	f.started = append(f.started, typ)
	return string(typ) + "-1234", nil
}

func int64p(v int64) *int64 { return &v }

type fixture struct {
	srv    *Server
	repo   *db.SQLiteStore
	sched  *fakeScheduler
	grants map[string]models.Grant // by external id
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := db.OpenSQLite(ctx, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	deadline := time.Now().Add(30 * 24 * time.Hour).UTC()
	_, err = repo.Upsert(ctx, []models.Grant{
		{
			Source: "grants_gov", ExternalID: "jobs", Title: "Rural Workforce Fund", Agency: "DOL",
			Description:  "Supports hiring and training programs in rural counties.",
			Requirements: []string{"job creation"}, Tags: []string{"workforce"}, Domains: []string{"education"},
			AwardMax: int64p(250000), Deadline: &deadline, EligibleApplicants: []string{"nonprofit"},
		},
		{
			Source: "eu_ft", ExternalID: "health", Title: "Clinical Research Call", Agency: "European Commission",
			Description: "Clinical trials for rare disease therapies.", Domains: []string{"healthcare", "research"},
			AwardMin: int64p(1_000_000), Status: models.StatusActive,
		},
		{
			Source: "grants_gov", ExternalID: "old", Title: "Expired Arts Grant", Agency: "NEA",
			Description: "Arts programs.", Status: models.StatusExpired,
		},
	})
	require.NoError(t, err)

	page, err := repo.Search(ctx, db.Filter{Limit: db.MaxPageSize})
	require.NoError(t, err)
	byExt := map[string]models.Grant{}
	for _, g := range page.Grants {
		byExt[g.ExternalID] = g
	}
	_, err = repo.RefreshAgencyCounts(ctx)
	require.NoError(t, err)

	authn, err := auth.New(testSecret, zap.NewNop())
	require.NoError(t, err)
	sched := &fakeScheduler{}
	srv := NewServer(repo, sched, authn, Options{
		Logger:  zap.NewNop(),
		Matcher: match.New(match.DefaultConfig(), nil),
		Quality: quality.New(quality.DefaultConfig(), nil),
	})
	return &fixture{srv: srv, repo: repo, sched: sched, grants: byExt}
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSearchGrants(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/grants?status=active&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[db.SearchResult](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Grants, 1)
	assert.Equal(t, 1, page.Limit)

	rec = f.do(t, http.MethodGet, "/api/v1/grants?q=clinical&tags=research,unused", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[db.SearchResult](t, rec)
	require.Len(t, page.Grants, 1)
	assert.Equal(t, "health", page.Grants[0].ExternalID)

	rec = f.do(t, http.MethodGet, "/api/v1/grants?eligibility=nonprofit&max_amount=300,000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[db.SearchResult](t, rec)
	require.Len(t, page.Grants, 1)
	assert.Equal(t, "jobs", page.Grants[0].ExternalID)
}

func TestSearchGrants_InvalidFilters(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{
		"limit=101",
		"limit=ten",
		"offset=-1",
		"min_amount=5&max_amount=1",
		"min_amount=lots",
		"status=archived",
		"deadline_after=soon",
	} {
		t.Run(q, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/grants?"+q, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid search filter")
		})
	}
}

func TestGetGrant(t *testing.T) {
	f := newFixture(t)
	g := f.grants["jobs"]

	rec := f.do(t, http.MethodGet, "/api/v1/grants/"+g.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Grant](t, rec)
	assert.Equal(t, "Rural Workforce Fund", got.Title)

	rec = f.do(t, http.MethodGet, "/api/v1/grants/00000000-0000-0000-0000-000000000001", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/grants/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgencyStats(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/stats/agencies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[[]models.AgencyCount](t, rec)
	require.Len(t, counts, 3)
	for _, c := range counts {
		if c.Agency == "NEA" {
			assert.Equal(t, 0, c.Active)
			assert.Equal(t, 1, c.Total)
		}
	}
}

func TestMatch_ByIDs(t *testing.T) {
	f := newFixture(t)
	jobs, health := f.grants["jobs"], f.grants["health"]

	body := fmt.Sprintf(`{"document":{"title":"Valley jobs plan","content":"We project 10 new hires and $250,000 requested for rural training."},"grant_ids":[%q,%q]}`,
		health.ID, jobs.ID)
	rec := f.do(t, http.MethodPost, "/api/v1/match", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[matchResponse](t, rec)
	assert.Equal(t, 2, resp.Candidates)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "jobs", resp.Results[0].Grant.ExternalID)
	assert.Equal(t, 100.0, resp.Results[0].Breakdown.Requirements)
	assert.Contains(t, resp.Results[0].Reasons, "Appropriate funding range")
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestMatch_FilteredCandidatesSkipExpired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/match?source=grants_gov", `{"document":{"content":"arts programs"},"limit":5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[matchResponse](t, rec)
	assert.Equal(t, 1, resp.Candidates)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "jobs", resp.Results[0].Grant.ExternalID)
}

func TestMatch_BadRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"not json":  `{`,
		"empty doc": `{"document":{}}`,
		"bad limit": `{"document":{"content":"x"},"limit":500}`,
		"bad id":    `{"document":{"content":"x"},"grant_ids":["nope"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/match", body, nil).Code)
		})
	}
}

func TestQuality(t *testing.T) {
	f := newFixture(t)
	g := f.grants["jobs"]

	body := fmt.Sprintf(`{"text":"We will hire rural workers for a workforce program.","grant_id":%q}`, g.ID)
	rec := f.do(t, http.MethodPost, "/api/v1/quality", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	a := decode[quality.Assessment](t, rec)
	assert.Equal(t, 100.0, a.Alignment)
	assert.NotEmpty(t, a.Improvements)

	rec = f.do(t, http.MethodPost, "/api/v1/quality", `{"text":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/quality", `{"text":"x","grant_id":"00000000-0000-0000-0000-000000000009"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_RequiresOperator(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/admin/scheduler/status", "", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/scheduler/status", "", map[string]string{auth.AdminSecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[scheduler.Status](t, rec)
	assert.True(t, st.Running)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, "after 3 attempt(s): boom", st.Sources[0].LastError)
}

func TestAdmin_Trigger(t *testing.T) {
	f := newFixture(t)
	authn, err := auth.New(testSecret, nil)
	require.NoError(t, err)
	token, err := authn.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rec := f.do(t, http.MethodPost, "/api/v1/admin/scheduler/trigger/quick", "", bearer)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, map[string]string{"job_id": "quick-1234", "type": "quick"}, decode[map[string]string](t, rec))
	assert.Equal(t, []models.UpdateType{models.UpdateQuick}, f.sched.started)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/scheduler/trigger/weekly", "", bearer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.sched.err = fmt.Errorf("%w: full (full-1)", scheduler.ErrUpdateInProgress)
	rec = f.do(t, http.MethodPost, "/api/v1/admin/scheduler/trigger/full", "", bearer)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_SchedulerDisabled(t *testing.T) {
	f := newFixture(t)
	authn, err := auth.New(testSecret, nil)
	require.NoError(t, err)
	srv := NewServer(f.repo, nil, authn, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/scheduler/status", nil)
	req.Header.Set(auth.AdminSecretHeader, testSecret)
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
