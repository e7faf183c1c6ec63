package postgresql

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type OrderErrorRepo struct {
	db db.DB
}

func NewOrderErrorRepo(db db.DB) *OrderErrorRepo {
	return &OrderErrorRepo{db: db}
}

func (r *OrderErrorRepo) Create(ctx context.Context, orderError *repository.OrderError) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO lengow_order_errors (
            order_lengow_id, type, message, is_finished, mail_sent, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
    `, orderError.OrderLengowID, orderError.Type, orderError.Message,
		orderError.IsFinished, orderError.MailSent, orderError.CreatedAt, orderError.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FinishByOrder closes every unfinished error of the given types for an
// order. With no types it closes them all. Already finished rows are left
// untouched, which keeps the operation idempotent.
func (r *OrderErrorRepo) FinishByOrder(ctx context.Context, orderLengowID int64, types ...string) error {
	if len(types) == 0 {
		_, err := r.db.Exec(ctx, `
            UPDATE lengow_order_errors
            SET is_finished = TRUE, updated_at = NOW()
            WHERE order_lengow_id = $1 AND is_finished = FALSE
        `, orderLengowID)
		return err
	}
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_order_errors
        SET is_finished = TRUE, updated_at = NOW()
        WHERE order_lengow_id = $1 AND type = ANY($2) AND is_finished = FALSE
    `, orderLengowID, types)
	return err
}

// GetUnfinished returns the latest unfinished error of a type for an order.
func (r *OrderErrorRepo) GetUnfinished(ctx context.Context, orderLengowID int64, errorType string) (*repository.OrderError, error) {
	var orderError repository.OrderError
	err := r.db.Get(ctx, &orderError, `
        SELECT * FROM lengow_order_errors
        WHERE order_lengow_id = $1 AND type = $2 AND is_finished = FALSE
        ORDER BY created_at DESC
        LIMIT 1
    `, orderLengowID, errorType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &orderError, nil
}

// ListByOrder returns all error rows of an order, newest first.
func (r *OrderErrorRepo) ListByOrder(ctx context.Context, orderLengowID int64) ([]*repository.OrderError, error) {
	var orderErrors []*repository.OrderError
	err := r.db.Select(ctx, &orderErrors, `
        SELECT * FROM lengow_order_errors
        WHERE order_lengow_id = $1
        ORDER BY created_at DESC
    `, orderLengowID)
	return orderErrors, err
}
