package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/ingest"
	"github.com/david/grant-sync/internal/models"
)

type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourceUpdating SourceStatus = "updating"
	SourceError    SourceStatus = "error"
)

// Source is the operator view of one configured source. LastError keeps the
// most recent failure message even after later runs succeed.
type Source struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	BaseURL          string       `json:"base_url"`
	Enabled          bool         `json:"enabled"`
	Kind             string       `json:"kind"`
	Strategy         string       `json:"strategy"`
	RateLimitPerHour int          `json:"rate_limit_per_hour"`
	Priority         string       `json:"priority,omitempty"`
	Status           SourceStatus `json:"status"`
	LastError        string       `json:"last_error,omitempty"`
	LastErrorAt      *time.Time   `json:"last_error_at,omitempty"`
	LastUpdated      *time.Time   `json:"last_updated,omitempty"`
}

func newSource(cfg ingest.SourceConfig) Source {
	return Source{
		ID:               cfg.ID,
		Name:             cfg.Name,
		BaseURL:          cfg.BaseURL,
		Enabled:          cfg.Enabled,
		Kind:             cfg.Kind,
		Strategy:         cfg.Strategy,
		RateLimitPerHour: cfg.RateLimitPerHour,
		Priority:         cfg.Priority,
		Status:           SourceActive,
	}
}

func (s *Scheduler) markUpdating(e *sourceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state.Status = SourceUpdating
}

func (s *Scheduler) markActive(e *sourceEntry, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state.Status = SourceActive
	e.state.LastUpdated = &at
}

func (s *Scheduler) markError(e *sourceEntry, msg string) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state.Status = SourceError
	e.state.LastError = msg
	e.state.LastErrorAt = &now
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Running       bool                  `json:"running"`
	InFlight      []string              `json:"in_flight"`
	NextRuns      map[JobType]time.Time `json:"next_runs"`
	RecentUpdates []models.UpdateRecord `json:"recent_updates"`
	Sources       []Source              `json:"sources"`
	AgencyCounts  []models.AgencyCount  `json:"agency_counts"`
	LastCleanup   *CleanupResult        `json:"last_cleanup,omitempty"`
}

// Status never fails: repository read errors are logged and leave the
// corresponding fields empty, so source errors stay visible.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:       s.running,
		InFlight:      make([]string, 0, len(s.inFlight)),
		NextRuns:      make(map[JobType]time.Time, len(s.next)),
		Sources:       make([]Source, 0, len(s.sources)),
		RecentUpdates: []models.UpdateRecord{},
		AgencyCounts:  []models.AgencyCount{},
	}
	for id := range s.inFlight {
		st.InFlight = append(st.InFlight, id)
	}
	for job, t := range s.next {
		st.NextRuns[job] = t
	}
	for _, e := range s.sources {
		st.Sources = append(st.Sources, e.state)
	}
	if s.lastCleanup != nil {
		c := *s.lastCleanup
		st.LastCleanup = &c
	}
	s.mu.Unlock()
	sort.Strings(st.InFlight)

	if recs, err := s.repo.RecentUpdates(ctx, s.cfg.HistoryLimit); err != nil {
		s.logger.Warn("status: reading update history failed", zap.Error(err))
	} else {
		st.RecentUpdates = recs
	}
	if counts, err := s.repo.AgencyCounts(ctx); err != nil {
		s.logger.Warn("status: reading agency counts failed", zap.Error(err))
	} else {
		st.AgencyCounts = counts
	}
	return st
}

// InFlight reports the ids of running jobs, sorted.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Running reports whether the tickers are armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
