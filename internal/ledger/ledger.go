package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/repository"
)

// ErrorStore is the persistence surface the ledger writes through.
type ErrorStore interface {
	Create(ctx context.Context, orderError *repository.OrderError) (int64, error)
	FinishByOrder(ctx context.Context, orderID int64, errorTypes ...string) error
	GetUnfinished(ctx context.Context, orderID int64, errorType string) (*repository.OrderError, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*repository.OrderError, error)
}

//go:generate mockgen -source ./ledger.go -destination=./mocks/ledger.go -package=mock_ledger

// Ledger is the append-only error journal for synchronized orders. Errors
// are never deleted: resolving one marks it finished and keeps the row.
type Ledger struct {
	store  ErrorStore
	logger *zap.Logger
}

func New(store ErrorStore, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger.Named("ledger")}
}

// Record appends a new error of the given type to the order journal.
func (l *Ledger) Record(ctx context.Context, orderID int64, errorType, message string) error {
	_, err := l.store.Create(ctx, &repository.OrderError{
		OrderLengowID: orderID,
		Type:          errorType,
		Message:       message,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return err
	}
	l.logger.Warn("order error recorded",
		zap.Int64("order", orderID),
		zap.String("type", errorType),
		zap.String("message", message))
	return nil
}

// Finish marks unfinished errors of the given types as resolved. With no
// types, every unfinished error of the order is finished. Finishing an
// order with no unfinished errors is a no-op.
func (l *Ledger) Finish(ctx context.Context, orderID int64, errorTypes ...string) error {
	return l.store.FinishByOrder(ctx, orderID, errorTypes...)
}

// Unfinished returns the latest unfinished error of the given type, or nil
// when the order has none.
func (l *Ledger) Unfinished(ctx context.Context, orderID int64, errorType string) (*repository.OrderError, error) {
	orderError, err := l.store.GetUnfinished(ctx, orderID, errorType)
	if errors.Is(err, repository.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return orderError, nil
}

// History returns every journal row of the order, finished or not.
func (l *Ledger) History(ctx context.Context, orderID int64) ([]*repository.OrderError, error) {
	return l.store.ListByOrder(ctx, orderID)
}
