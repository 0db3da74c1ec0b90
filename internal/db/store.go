package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/grant-sync/internal/models"
)

// Store is the PostgreSQL grant repository.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// selectCols is the column list shared by every grant query, in scanGrant order.
const selectCols = `id, source, external_id, title, description, agency,
	award_min, award_max, open_date, close_date, deadline,
	eligible_applicants, domains, tags, requirements,
	funding_type, url, status, last_synced_at, created_at, updated_at`

func scanGrant(scan func(dest ...any) error) (models.Grant, error) {
	var g models.Grant
	var status string
	err := scan(
		&g.ID, &g.Source, &g.ExternalID, &g.Title, &g.Description, &g.Agency,
		&g.AwardMin, &g.AwardMax, &g.OpenDate, &g.CloseDate, &g.Deadline,
		&g.EligibleApplicants, &g.Domains, &g.Tags, &g.Requirements,
		&g.FundingType, &g.URL, &status, &g.LastSyncedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return g, err
	}
	g.Status = models.GrantStatus(status)
	g.EligibleApplicants = nonNil(g.EligibleApplicants)
	g.Domains = nonNil(g.Domains)
	g.Tags = nonNil(g.Tags)
	g.Requirements = nonNil(g.Requirements)
	return g, nil
}

// upsertSQL overwrites every field except id and created_at. An expired row
// keeps its status whatever the source reports next.
const upsertSQL = `
	INSERT INTO grants (` + selectCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (source, external_id) DO UPDATE SET
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		agency = EXCLUDED.agency,
		award_min = EXCLUDED.award_min,
		award_max = EXCLUDED.award_max,
		open_date = EXCLUDED.open_date,
		close_date = EXCLUDED.close_date,
		deadline = EXCLUDED.deadline,
		eligible_applicants = EXCLUDED.eligible_applicants,
		domains = EXCLUDED.domains,
		tags = EXCLUDED.tags,
		requirements = EXCLUDED.requirements,
		funding_type = EXCLUDED.funding_type,
		url = EXCLUDED.url,
		status = CASE
			WHEN grants.status = 'expired' THEN grants.status
			ELSE EXCLUDED.status
		END,
		last_synced_at = EXCLUDED.last_synced_at,
		updated_at = EXCLUDED.updated_at`

// Upsert inserts or updates grants keyed by (source, external_id) in a single
// transaction. Records without a key are skipped.
func (s *Store) Upsert(ctx context.Context, grants []models.Grant) (int, error) {
	if len(grants) == 0 {
		return 0, nil
	}
	now := s.now().UTC()

	batch := &pgx.Batch{}
	for _, raw := range grants {
		if !upsertable(raw) {
			continue
		}
		g := prepareGrant(raw, now)
		batch.Queue(upsertSQL,
			uuid.New(), g.Source, g.ExternalID, g.Title, g.Description, g.Agency,
			g.AwardMin, g.AwardMax, g.OpenDate, g.CloseDate, g.Deadline,
			nonNil(g.EligibleApplicants), nonNil(g.Domains), nonNil(g.Tags), nonNil(g.Requirements),
			g.FundingType, g.URL, string(g.Status), g.LastSyncedAt, g.CreatedAt, g.UpdatedAt,
		)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrRepositoryWrite, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := tx.SendBatch(ctx, batch)
	saved := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("%w: upsert: %v", ErrRepositoryWrite, err)
		}
		saved += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("%w: upsert: %v", ErrRepositoryWrite, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrRepositoryWrite, err)
	}
	return saved, nil
}

// ExpireOlderThan marks active grants whose deadline precedes now as expired.
func (s *Store) ExpireOlderThan(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE grants SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND deadline IS NOT NULL AND deadline < $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: expire: %v", ErrRepositoryWrite, err)
	}
	return int(tag.RowsAffected()), nil
}

func buildWhere(f Filter) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if f.Query != "" {
		where += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d OR agency ILIKE $%d)", argIdx, argIdx, argIdx)
		args = append(args, likePattern(f.Query))
		argIdx++
	}
	if f.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, f.Source)
		argIdx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if len(f.Eligibility) > 0 {
		where += fmt.Sprintf(" AND eligible_applicants && $%d", argIdx)
		args = append(args, f.Eligibility)
		argIdx++
	}
	if len(f.Tags) > 0 {
		where += fmt.Sprintf(" AND (tags && $%d OR domains && $%d)", argIdx, argIdx)
		args = append(args, f.Tags)
		argIdx++
	}
	if f.MinAmount != nil {
		where += fmt.Sprintf(" AND COALESCE(award_max, award_min) >= $%d", argIdx)
		args = append(args, *f.MinAmount)
		argIdx++
	}
	if f.MaxAmount != nil {
		where += fmt.Sprintf(" AND COALESCE(award_min, award_max) <= $%d", argIdx)
		args = append(args, *f.MaxAmount)
		argIdx++
	}
	if f.DeadlineAfter != nil {
		where += fmt.Sprintf(" AND deadline >= $%d", argIdx)
		args = append(args, f.DeadlineAfter.UTC())
	}
	return where, args
}

// Search returns one page of grants matching f, newest first.
func (s *Store) Search(ctx context.Context, f Filter) (*SearchResult, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM grants "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	n := len(args)
	selectSQL := fmt.Sprintf("SELECT %s FROM grants %s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d",
		selectCols, where, n+1, n+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return &SearchResult{Grants: grants, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectCols+" FROM grants WHERE id = $1", id)
	g, err := scanGrant(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return &g, nil
}

// GetByIDs returns the grants that exist among ids, in the order given.
func (s *Store) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Grant, error) {
	if len(ids) == 0 {
		return []models.Grant{}, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT "+selectCols+" FROM grants WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]models.Grant, len(ids))
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return orderByIDs(ids, byID), nil
}

// RefreshAgencyCounts recomputes the per-agency aggregate table.
func (s *Store) RefreshAgencyCounts(ctx context.Context) ([]models.AgencyCount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrRepositoryWrite, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM agency_stats"); err != nil {
		return nil, fmt.Errorf("%w: agency stats: %v", ErrRepositoryWrite, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO agency_stats (agency, active, total, computed_at)
		SELECT COALESCE(NULLIF(agency, ''), 'Unknown'),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*),
			$1
		FROM grants
		GROUP BY COALESCE(NULLIF(agency, ''), 'Unknown')
	`, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: agency stats: %v", ErrRepositoryWrite, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrRepositoryWrite, err)
	}
	return s.AgencyCounts(ctx)
}

// AgencyCounts reads the aggregate table written by RefreshAgencyCounts.
func (s *Store) AgencyCounts(ctx context.Context) ([]models.AgencyCount, error) {
	rows, err := s.pool.Query(ctx, "SELECT agency, active, total FROM agency_stats ORDER BY total DESC, agency ASC")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	counts := []models.AgencyCount{}
	for rows.Next() {
		var c models.AgencyCount
		if err := rows.Scan(&c.Agency, &c.Active, &c.Total); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *Store) RecordUpdate(ctx context.Context, rec models.UpdateRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	outcomes, err := json.Marshal(nonNilOutcomes(rec.Outcomes))
	if err != nil {
		return fmt.Errorf("%w: encode outcomes: %v", ErrRepositoryWrite, err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO update_runs (id, type, started_at, ended_at, success, outcomes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, string(rec.Type), rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.Success, outcomes); err != nil {
		return fmt.Errorf("%w: record update: %v", ErrRepositoryWrite, err)
	}
	return nil
}

// RecentUpdates returns up to limit update records, most recent first.
func (s *Store) RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, started_at, ended_at, success, outcomes
		FROM update_runs ORDER BY started_at DESC, id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := []models.UpdateRecord{}
	for rows.Next() {
		var rec models.UpdateRecord
		var typ string
		var outcomes []byte
		if err := rows.Scan(&rec.ID, &typ, &rec.StartedAt, &rec.EndedAt, &rec.Success, &outcomes); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.Type = models.UpdateType(typ)
		if err := json.Unmarshal(outcomes, &rec.Outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneUpdatesBefore deletes update records that started before t.
func (s *Store) PruneUpdatesBefore(ctx context.Context, t time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM update_runs WHERE started_at < $1", t.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: prune updates: %v", ErrRepositoryWrite, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func orderByIDs(ids []uuid.UUID, byID map[uuid.UUID]models.Grant) []models.Grant {
	out := make([]models.Grant, 0, len(byID))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if g, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, g)
		}
	}
	return out
}

func nonNilOutcomes(o []models.SourceOutcome) []models.SourceOutcome {
	if o == nil {
		return []models.SourceOutcome{}
	}
	return o
}
