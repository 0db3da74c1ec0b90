package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/models"
)

// Repository is the full grant store contract implemented by Store and
// SQLiteStore.
type Repository interface {
	Upsert(ctx context.Context, grants []models.Grant) (int, error)
	ExpireOlderThan(ctx context.Context, now time.Time) (int, error)
	Search(ctx context.Context, f Filter) (*SearchResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Grant, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Grant, error)
	RefreshAgencyCounts(ctx context.Context) ([]models.AgencyCount, error)
	AgencyCounts(ctx context.Context) ([]models.AgencyCount, error)
	RecordUpdate(ctx context.Context, rec models.UpdateRecord) error
	RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error)
	PruneUpdatesBefore(ctx context.Context, t time.Time) (int, error)
	Close() error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*SQLiteStore)(nil)
)

// Open returns a migrated repository: SQLite when sqlitePath is set,
// otherwise PostgreSQL at databaseURL (DefaultDatabaseURL when empty).
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *zap.Logger) (Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sqlitePath != "" {
		store, err := OpenSQLite(ctx, sqlitePath, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite %s: %w", sqlitePath, err)
		}
		return store, nil
	}

	pool, err := Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := ApplyMigrations(ctx, pool, logger.Named("migrate")); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return NewStore(pool), nil
}
