package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/ingest"
	"github.com/david/grant-sync/internal/models"
)

var (
	// ErrUpdateInProgress is returned when a job of the requested type is
	// already running.
	ErrUpdateInProgress = errors.New("update already in progress")
	ErrUnknownUpdate    = errors.New("unknown update type")
)

// Repository is the persistence the scheduler writes through.
type Repository interface {
	Upsert(ctx context.Context, grants []models.Grant) (int, error)
	ExpireOlderThan(ctx context.Context, now time.Time) (int, error)
	RefreshAgencyCounts(ctx context.Context) ([]models.AgencyCount, error)
	AgencyCounts(ctx context.Context) ([]models.AgencyCount, error)
	RecordUpdate(ctx context.Context, rec models.UpdateRecord) error
	RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error)
	PruneUpdatesBefore(ctx context.Context, t time.Time) (int, error)
}

// AdapterBuilder turns a source configuration into an adapter.
// *ingest.Factory satisfies it.
type AdapterBuilder interface {
	Build(cfg ingest.SourceConfig) (ingest.Adapter, error)
}

// JobType identifies one of the scheduler's recurring jobs.
type JobType string

const (
	JobFull    JobType = JobType(models.UpdateFull)
	JobQuick   JobType = JobType(models.UpdateQuick)
	JobCleanup JobType = "cleanup"
)

type Config struct {
	FullInterval     time.Duration
	QuickInterval    time.Duration
	CleanupInterval  time.Duration
	InterSourceDelay time.Duration
	HistoryRetention time.Duration
	HistoryLimit     int // update records returned by Status
	Retry            RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		FullInterval:     24 * time.Hour,
		QuickInterval:    6 * time.Hour,
		CleanupInterval:  time.Hour,
		InterSourceDelay: 2 * time.Second,
		HistoryRetention: 30 * 24 * time.Hour,
		HistoryLimit:     20,
		Retry:            DefaultRetryPolicy(),
	}
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithConfig(cfg Config) Option { return func(s *Scheduler) { s.cfg = cfg } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

type sourceEntry struct {
	cfg     ingest.SourceConfig
	adapter ingest.Adapter
	state   Source
}

// Scheduler runs full, quick and cleanup jobs on independent tickers and on
// demand. All mutable state lives on the instance.
type Scheduler struct {
	repo   Repository
	clock  Clock
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	running     bool
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	next        map[JobType]time.Time
	inFlight    map[string]JobType
	sources     []*sourceEntry
	lastCleanup *CleanupResult

	jobs sync.WaitGroup
}

// New builds adapters for every enabled source up front so configuration
// errors surface before the first run. Sources keep their configured order.
func New(repo Repository, builder AdapterBuilder, sources []ingest.SourceConfig, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		repo:     repo,
		clock:    RealClock(),
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		next:     make(map[JobType]time.Time),
		inFlight: make(map[string]JobType),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")

	for _, cfg := range sources {
		entry := &sourceEntry{cfg: cfg, state: newSource(cfg)}
		if cfg.Enabled {
			a, err := builder.Build(cfg)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
			}
			entry.adapter = a
		}
		s.sources = append(s.sources, entry)
	}
	return s, nil
}

// Start arms the three job tickers. Calling it while running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	tickers := map[JobType]Ticker{
		JobFull:    s.clock.NewTicker(s.cfg.FullInterval),
		JobQuick:   s.clock.NewTicker(s.cfg.QuickInterval),
		JobCleanup: s.clock.NewTicker(s.cfg.CleanupInterval),
	}
	now := s.clock.Now()
	s.next[JobFull] = now.Add(s.cfg.FullInterval)
	s.next[JobQuick] = now.Add(s.cfg.QuickInterval)
	s.next[JobCleanup] = now.Add(s.cfg.CleanupInterval)

	s.running = true
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx, tickers, s.loopDone)

	s.logger.Info("scheduler started",
		zap.Duration("full_interval", s.cfg.FullInterval),
		zap.Duration("quick_interval", s.cfg.QuickInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval))
}

// Stop disarms the tickers and returns once the timer loop has exited. Jobs
// already running are left to finish; use Wait to drain them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopLoop()
	done := s.loopDone
	s.next = make(map[JobType]time.Time)
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

// Wait blocks until no job is in flight.
func (s *Scheduler) Wait() {
	s.jobs.Wait()
}

func (s *Scheduler) loop(ctx context.Context, tickers map[JobType]Ticker, done chan struct{}) {
	defer close(done)
	for _, t := range tickers {
		defer t.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickers[JobFull].C():
			s.tick(ctx, JobFull, s.cfg.FullInterval)
		case <-tickers[JobQuick].C():
			s.tick(ctx, JobQuick, s.cfg.QuickInterval)
		case <-tickers[JobCleanup].C():
			s.tick(ctx, JobCleanup, s.cfg.CleanupInterval)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job JobType, interval time.Duration) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.next[job] = s.clock.Now().Add(interval)
	s.mu.Unlock()

	if _, err := s.launch(job); err != nil {
		s.logger.Info("skipping scheduled job", zap.String("job", string(job)), zap.Error(err))
	}
}

// launch reserves a job slot and runs the job in the background. Scheduled
// and manually started jobs are not tied to any caller's context.
func (s *Scheduler) launch(job JobType) (string, error) {
	id, err := s.reserve(job)
	if err != nil {
		return "", err
	}
	go func() {
		_ = s.runJob(context.Background(), id, job)
	}()
	return id, nil
}

func (s *Scheduler) reserve(job JobType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.inFlight {
		if t == job {
			return "", fmt.Errorf("%w: %s (%s)", ErrUpdateInProgress, job, id)
		}
	}
	id := fmt.Sprintf("%s-%s", job, uuid.NewString()[:8])
	s.inFlight[id] = job
	s.jobs.Add(1)
	return id, nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
	s.jobs.Done()
}

// runJob executes a reserved job. The slot is released on every exit path,
// including panics.
func (s *Scheduler) runJob(ctx context.Context, id string, job JobType) (err error) {
	defer s.release(id)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", id, r)
			s.logger.Error("job panicked", zap.String("job_id", id), zap.Any("panic", r))
		}
	}()

	log := s.logger.With(zap.String("job_id", id))
	switch job {
	case JobFull, JobQuick:
		rec := s.runUpdate(ctx, models.UpdateType(job), log)
		if !rec.Success {
			return fmt.Errorf("%s update finished with source failures", job)
		}
		return nil
	case JobCleanup:
		_, err := s.runCleanup(ctx, log)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownUpdate, job)
}

// TriggerManualUpdate runs a full or quick update synchronously, outside the
// timer cadence and without touching the tickers.
func (s *Scheduler) TriggerManualUpdate(ctx context.Context, typ models.UpdateType) (models.UpdateRecord, error) {
	if typ != models.UpdateFull && typ != models.UpdateQuick {
		return models.UpdateRecord{}, fmt.Errorf("%w: %q", ErrUnknownUpdate, typ)
	}
	id, err := s.reserve(JobType(typ))
	if err != nil {
		return models.UpdateRecord{}, err
	}
	defer s.release(id)
	return s.runUpdate(ctx, typ, s.logger.With(zap.String("job_id", id), zap.Bool("manual", true))), nil
}

// StartManualUpdate is TriggerManualUpdate in the background. It returns the
// job id once the slot is reserved.
func (s *Scheduler) StartManualUpdate(typ models.UpdateType) (string, error) {
	if typ != models.UpdateFull && typ != models.UpdateQuick {
		return "", fmt.Errorf("%w: %q", ErrUnknownUpdate, typ)
	}
	return s.launch(JobType(typ))
}

// RunCleanup runs the cleanup job synchronously.
func (s *Scheduler) RunCleanup(ctx context.Context) (CleanupResult, error) {
	id, err := s.reserve(JobCleanup)
	if err != nil {
		return CleanupResult{}, err
	}
	defer s.release(id)
	return s.runCleanup(ctx, s.logger.With(zap.String("job_id", id)))
}

func (s *Scheduler) sourcesFor(typ models.UpdateType) []*sourceEntry {
	var out []*sourceEntry
	for _, e := range s.sources {
		if !e.cfg.Enabled || e.adapter == nil {
			continue
		}
		if typ == models.UpdateQuick && !e.cfg.HighPriority() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// runUpdate processes sources in order. One source failing never stops the
// others; the record is persisted even when some sources failed.
func (s *Scheduler) runUpdate(ctx context.Context, typ models.UpdateType, log *zap.Logger) models.UpdateRecord {
	rec := models.UpdateRecord{
		ID:        uuid.New(),
		Type:      typ,
		StartedAt: s.clock.Now(),
		Outcomes:  []models.SourceOutcome{},
		Success:   true,
	}
	log.Info("update started", zap.String("type", string(typ)))

	for _, entry := range s.sourcesFor(typ) {
		var outcome models.SourceOutcome
		if err := s.clock.Sleep(ctx, s.cfg.InterSourceDelay); err != nil {
			outcome = models.SourceOutcome{Source: entry.cfg.ID, Error: fmt.Sprintf("update cancelled: %v", err)}
			s.markError(entry, outcome.Error)
		} else {
			outcome = s.updateSource(ctx, entry, log)
		}
		if outcome.Error != "" {
			rec.Success = false
		}
		rec.Outcomes = append(rec.Outcomes, outcome)
	}

	rec.EndedAt = s.clock.Now()
	// The history write must happen even if the caller's context was
	// cancelled mid-run.
	if err := s.repo.RecordUpdate(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("failed to record update", zap.Error(err))
	}
	log.Info("update finished",
		zap.String("type", string(typ)),
		zap.Bool("success", rec.Success),
		zap.Int("sources", len(rec.Outcomes)),
		zap.Duration("duration", rec.EndedAt.Sub(rec.StartedAt)))
	return rec
}

func (s *Scheduler) updateSource(ctx context.Context, entry *sourceEntry, log *zap.Logger) models.SourceOutcome {
	outcome := models.SourceOutcome{Source: entry.cfg.ID}
	log = log.With(zap.String("source", entry.cfg.ID))
	s.markUpdating(entry)

	listings, err := Retry(ctx, s.clock, s.cfg.Retry, func(ctx context.Context) ([]ingest.RawListing, error) {
		return safeFetch(ctx, entry.adapter)
	})
	if err != nil {
		outcome.Error = err.Error()
		s.markError(entry, outcome.Error)
		log.Warn("source fetch failed", zap.Error(err))
		return outcome
	}
	outcome.Fetched = len(listings)

	syncedAt := s.clock.Now().UTC()
	grants := make([]models.Grant, 0, len(listings))
	for _, raw := range listings {
		g := ingest.Normalize(raw)
		g.Source = entry.cfg.ID
		g.LastSyncedAt = syncedAt
		grants = append(grants, g)
	}

	saved, err := s.repo.Upsert(ctx, grants)
	if err != nil {
		outcome.Error = err.Error()
		s.markError(entry, outcome.Error)
		log.Error("saving grants failed", zap.Error(err))
		return outcome
	}
	outcome.Saved = saved
	s.markActive(entry, syncedAt)
	log.Info("source updated", zap.Int("fetched", outcome.Fetched), zap.Int("saved", saved))
	return outcome
}

// safeFetch turns an adapter panic into an error so one broken source cannot
// take down the run.
func safeFetch(ctx context.Context, a ingest.Adapter) (out []ingest.RawListing, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panicked: %v", ingest.ErrSourceFormat, r)
		}
	}()
	return a.Fetch(ctx)
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	RanAt    time.Time            `json:"ran_at"`
	Expired  int                  `json:"expired"`
	Pruned   int                  `json:"pruned"`
	Agencies []models.AgencyCount `json:"agencies"`
}

func (s *Scheduler) runCleanup(ctx context.Context, log *zap.Logger) (CleanupResult, error) {
	now := s.clock.Now()
	res := CleanupResult{RanAt: now}

	var errs []error
	expired, err := s.repo.ExpireOlderThan(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire: %w", err))
	}
	res.Expired = expired

	pruned, err := s.repo.PruneUpdatesBefore(ctx, now.Add(-s.cfg.HistoryRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("prune history: %w", err))
	}
	res.Pruned = pruned

	agencies, err := s.repo.RefreshAgencyCounts(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("agency counts: %w", err))
	}
	res.Agencies = agencies

	s.mu.Lock()
	s.lastCleanup = &res
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		log.Error("cleanup failed", zap.Error(err))
		return res, err
	}
	log.Info("cleanup finished", zap.Int("expired", expired), zap.Int("pruned", pruned), zap.Int("agencies", len(agencies)))
	return res, nil
}
