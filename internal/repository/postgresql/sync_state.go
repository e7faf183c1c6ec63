package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

// SyncStateRepo persists the cross-invocation coordination row: the import
// lock lease and the last successful import timestamps. The lock is a
// timestamp with a TTL, not a blocking mutex; an unexpired lease makes a
// concurrent full sync abort.
type SyncStateRepo struct {
	db db.DB
}

func NewSyncStateRepo(db db.DB) *SyncStateRepo {
	return &SyncStateRepo{db: db}
}

func (r *SyncStateRepo) Get(ctx context.Context) (*repository.SyncState, error) {
	var state repository.SyncState
	err := r.db.Get(ctx, &state, "SELECT * FROM lengow_sync_state WHERE id = 1")
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &state, nil
}

// AcquireLock takes the import lease if it is free or expired. When the
// lease is held it returns ok=false and the time remaining on it.
func (r *SyncStateRepo) AcquireLock(ctx context.Context, ttl time.Duration) (bool, time.Duration, error) {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
        UPDATE lengow_sync_state
        SET locked_at = $1, updated_at = $1
        WHERE id = 1 AND (locked_at IS NULL OR locked_at < $2)
    `, now, now.Add(-ttl))
	if err != nil {
		return false, 0, err
	}
	if tag.RowsAffected() == 1 {
		return true, 0, nil
	}
	state, err := r.Get(ctx)
	if err != nil {
		return false, 0, err
	}
	remaining := time.Duration(0)
	if state.LockedAt != nil {
		remaining = state.LockedAt.Add(ttl).Sub(now)
	}
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}

// ReleaseLock frees the import lease.
func (r *SyncStateRepo) ReleaseLock(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_sync_state
        SET locked_at = NULL, updated_at = NOW()
        WHERE id = 1
    `)
	return err
}

// SetLastImport records the completion time of a successful full pass.
func (r *SyncStateRepo) SetLastImport(ctx context.Context, importType string, at time.Time) error {
	column := "last_import_manual"
	if importType == "cron" {
		column = "last_import_cron"
	}
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_sync_state
        SET `+column+` = $1, updated_at = NOW()
        WHERE id = 1
    `, at)
	return err
}
