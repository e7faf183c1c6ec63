package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type ActionRepo struct {
	db db.DB
}

func NewActionRepo(db db.DB) *ActionRepo {
	return &ActionRepo{db: db}
}

func (r *ActionRepo) Create(ctx context.Context, action *repository.Action) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO lengow_actions (
            order_id, action_id, action_type, parameters, retry, state, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
    `, action.OrderID, action.LengowActionID, action.ActionType, action.Parameters,
		action.RetryCount, action.State, action.CreatedAt, action.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetActive returns the unfinished action of a type for a local order, if any.
func (r *ActionRepo) GetActive(ctx context.Context, orderID int64, actionType string) (*repository.Action, error) {
	var action repository.Action
	err := r.db.Get(ctx, &action, `
        SELECT * FROM lengow_actions
        WHERE order_id = $1 AND action_type = $2 AND state = $3
        ORDER BY created_at DESC
        LIMIT 1
    `, orderID, actionType, repository.ActionStateNew)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &action, nil
}

// ListActive returns every unfinished action, oldest first.
func (r *ActionRepo) ListActive(ctx context.Context) ([]*repository.Action, error) {
	var actions []*repository.Action
	err := r.db.Select(ctx, &actions, `
        SELECT * FROM lengow_actions
        WHERE state = $1
        ORDER BY created_at ASC
    `, repository.ActionStateNew)
	return actions, err
}

// ListActiveOlderThan returns unfinished actions created before the cutoff.
func (r *ActionRepo) ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*repository.Action, error) {
	var actions []*repository.Action
	err := r.db.Select(ctx, &actions, `
        SELECT * FROM lengow_actions
        WHERE state = $1 AND created_at < $2
        ORDER BY created_at ASC
    `, repository.ActionStateNew, cutoff)
	return actions, err
}

// GetLastActionType returns the type of the most recent action sent for a
// local order, finished or not.
func (r *ActionRepo) GetLastActionType(ctx context.Context, orderID int64) (string, error) {
	var actionType string
	err := r.db.Get(ctx, &actionType, `
        SELECT action_type FROM lengow_actions
        WHERE order_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrObjectNotFound
		}
		return "", err
	}
	return actionType, nil
}

// Finish marks a single action finished.
func (r *ActionRepo) Finish(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_actions
        SET state = $1, updated_at = NOW()
        WHERE id = $2 AND state != $1
    `, repository.ActionStateFinish, id)
	return err
}

// FinishByOrder marks every unfinished action of a local order finished.
func (r *ActionRepo) FinishByOrder(ctx context.Context, orderID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_actions
        SET state = $1, updated_at = NOW()
        WHERE order_id = $2 AND state = $3
    `, repository.ActionStateFinish, orderID, repository.ActionStateNew)
	return err
}

// IncrementRetry bumps the retry counter of an action.
func (r *ActionRepo) IncrementRetry(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_actions
        SET retry = retry + 1, updated_at = NOW()
        WHERE id = $1
    `, id)
	return err
}
