package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/david/grant-sync/internal/models"
)

// sqliteTime is fixed-width so stored timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the embedded-file grant repository. It implements the same
// operations as Store, with list columns stored as JSON arrays.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := applySQLiteMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeList(values []string) string {
	b, _ := json.Marshal(nonNil(values))
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

func scanSQLiteGrant(scan func(dest ...any) error) (models.Grant, error) {
	var g models.Grant
	var id, status, eligible, domains, tags, reqs, synced, created, updated string
	var awardMin, awardMax sql.NullInt64
	var openDate, closeDate, deadline sql.NullString

	err := scan(
		&id, &g.Source, &g.ExternalID, &g.Title, &g.Description, &g.Agency,
		&awardMin, &awardMax, &openDate, &closeDate, &deadline,
		&eligible, &domains, &tags, &reqs,
		&g.FundingType, &g.URL, &status, &synced, &created, &updated,
	)
	if err != nil {
		return g, err
	}

	if g.ID, err = uuid.Parse(id); err != nil {
		return g, fmt.Errorf("grant id: %w", err)
	}
	if awardMin.Valid {
		g.AwardMin = &awardMin.Int64
	}
	if awardMax.Valid {
		g.AwardMax = &awardMax.Int64
	}
	for _, p := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&g.OpenDate, openDate}, {&g.CloseDate, closeDate}, {&g.Deadline, deadline}} {
		if *p.dst, err = parseTimePtr(p.src); err != nil {
			return g, fmt.Errorf("grant date: %w", err)
		}
	}
	for _, p := range []struct {
		dst *[]string
		src string
	}{{&g.EligibleApplicants, eligible}, {&g.Domains, domains}, {&g.Tags, tags}, {&g.Requirements, reqs}} {
		if *p.dst, err = decodeList(p.src); err != nil {
			return g, fmt.Errorf("grant list column: %w", err)
		}
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&g.LastSyncedAt, synced}, {&g.CreatedAt, created}, {&g.UpdatedAt, updated}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return g, fmt.Errorf("grant timestamp: %w", err)
		}
	}
	g.Status = models.GrantStatus(status)
	return g, nil
}

const sqliteUpsertSQL = `
	INSERT INTO grants (` + selectCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (source, external_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		agency = excluded.agency,
		award_min = excluded.award_min,
		award_max = excluded.award_max,
		open_date = excluded.open_date,
		close_date = excluded.close_date,
		deadline = excluded.deadline,
		eligible_applicants = excluded.eligible_applicants,
		domains = excluded.domains,
		tags = excluded.tags,
		requirements = excluded.requirements,
		funding_type = excluded.funding_type,
		url = excluded.url,
		status = CASE
			WHEN grants.status = 'expired' THEN grants.status
			ELSE excluded.status
		END,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at`

func (s *SQLiteStore) Upsert(ctx context.Context, grants []models.Grant) (int, error) {
	if len(grants) == 0 {
		return 0, nil
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrRepositoryWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare: %v", ErrRepositoryWrite, err)
	}
	defer stmt.Close()

	saved := 0
	for _, raw := range grants {
		if !upsertable(raw) {
			continue
		}
		g := prepareGrant(raw, now)
		res, err := stmt.ExecContext(ctx,
			uuid.New().String(), g.Source, g.ExternalID, g.Title, g.Description, g.Agency,
			g.AwardMin, g.AwardMax, formatTimePtr(g.OpenDate), formatTimePtr(g.CloseDate), formatTimePtr(g.Deadline),
			encodeList(g.EligibleApplicants), encodeList(g.Domains), encodeList(g.Tags), encodeList(g.Requirements),
			g.FundingType, g.URL, string(g.Status), formatTime(g.LastSyncedAt), formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("%w: upsert %s/%s: %v", ErrRepositoryWrite, g.Source, g.ExternalID, err)
		}
		n, _ := res.RowsAffected()
		saved += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrRepositoryWrite, err)
	}
	return saved, nil
}

func (s *SQLiteStore) ExpireOlderThan(ctx context.Context, now time.Time) (int, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE grants SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND deadline IS NOT NULL AND deadline < ?
	`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("%w: expire: %v", ErrRepositoryWrite, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func listArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func buildSQLiteWhere(f Filter) (string, []any) {
	where := "WHERE 1=1"
	var args []any

	if f.Query != "" {
		where += ` AND (title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR agency LIKE ? ESCAPE '\')`
		p := likePattern(f.Query)
		args = append(args, p, p, p)
	}
	if f.Source != "" {
		where += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if len(f.Eligibility) > 0 {
		where += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM json_each(grants.eligible_applicants) WHERE value IN (%s))", placeholders(len(f.Eligibility)))
		args = append(args, listArgs(f.Eligibility)...)
	}
	if len(f.Tags) > 0 {
		ph := placeholders(len(f.Tags))
		where += fmt.Sprintf(" AND (EXISTS (SELECT 1 FROM json_each(grants.tags) WHERE value IN (%s)) OR EXISTS (SELECT 1 FROM json_each(grants.domains) WHERE value IN (%s)))", ph, ph)
		args = append(args, listArgs(f.Tags)...)
		args = append(args, listArgs(f.Tags)...)
	}
	if f.MinAmount != nil {
		where += " AND COALESCE(award_max, award_min) >= ?"
		args = append(args, *f.MinAmount)
	}
	if f.MaxAmount != nil {
		where += " AND COALESCE(award_min, award_max) <= ?"
		args = append(args, *f.MaxAmount)
	}
	if f.DeadlineAfter != nil {
		where += " AND deadline >= ?"
		args = append(args, formatTime(*f.DeadlineAfter))
	}
	return where, args
}

func (s *SQLiteStore) Search(ctx context.Context, f Filter) (*SearchResult, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	where, args := buildSQLiteWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM grants "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	selectSQL := "SELECT " + selectCols + " FROM grants " + where + " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, selectSQL, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		g, err := scanSQLiteGrant(rows.Scan)
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

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectCols+" FROM grants WHERE id = ?", id.String())
	g, err := scanSQLiteGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return &g, nil
}

func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Grant, error) {
	if len(ids) == 0 {
		return []models.Grant{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM grants WHERE id IN (%s)", selectCols, placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]models.Grant, len(ids))
	for rows.Next() {
		g, err := scanSQLiteGrant(rows.Scan)
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

func (s *SQLiteStore) RefreshAgencyCounts(ctx context.Context) ([]models.AgencyCount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrRepositoryWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM agency_stats"); err != nil {
		return nil, fmt.Errorf("%w: agency stats: %v", ErrRepositoryWrite, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agency_stats (agency, active, total, computed_at)
		SELECT COALESCE(NULLIF(agency, ''), 'Unknown'),
			SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END),
			COUNT(*),
			?
		FROM grants
		GROUP BY COALESCE(NULLIF(agency, ''), 'Unknown')
	`, formatTime(s.now())); err != nil {
		return nil, fmt.Errorf("%w: agency stats: %v", ErrRepositoryWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrRepositoryWrite, err)
	}
	return s.AgencyCounts(ctx)
}

func (s *SQLiteStore) AgencyCounts(ctx context.Context) ([]models.AgencyCount, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agency, active, total FROM agency_stats ORDER BY total DESC, agency ASC")
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

func (s *SQLiteStore) RecordUpdate(ctx context.Context, rec models.UpdateRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	outcomes, err := json.Marshal(nonNilOutcomes(rec.Outcomes))
	if err != nil {
		return fmt.Errorf("%w: encode outcomes: %v", ErrRepositoryWrite, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO update_runs (id, type, started_at, ended_at, success, outcomes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), string(rec.Type), formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.Success, string(outcomes)); err != nil {
		return fmt.Errorf("%w: record update: %v", ErrRepositoryWrite, err)
	}
	return nil
}

func (s *SQLiteStore) RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, started_at, ended_at, success, outcomes
		FROM update_runs ORDER BY started_at DESC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := []models.UpdateRecord{}
	for rows.Next() {
		var rec models.UpdateRecord
		var id, typ, started, ended, outcomes string
		if err := rows.Scan(&id, &typ, &started, &ended, &rec.Success, &outcomes); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("update id: %w", err)
		}
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("update started_at: %w", err)
		}
		if rec.EndedAt, err = parseTime(ended); err != nil {
			return nil, fmt.Errorf("update ended_at: %w", err)
		}
		rec.Type = models.UpdateType(typ)
		if err := json.Unmarshal([]byte(outcomes), &rec.Outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) PruneUpdatesBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM update_runs WHERE started_at < ?", formatTime(t))
	if err != nil {
		return 0, fmt.Errorf("%w: prune updates: %v", ErrRepositoryWrite, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
