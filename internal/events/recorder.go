package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

// Order event names.
const (
	EventOrderImported     = "order.imported"
	EventOrderUpdated      = "order.updated"
	EventOrderStateChanged = "order.state_changed"
)

// TaskCreator inserts outbox rows.
type TaskCreator interface {
	Create(ctx context.Context, database db.DB, task *repository.OutboxTask) error
}

// Recorder turns order lifecycle moments into outbox tasks. Publication is
// asynchronous: the Publisher drains them to the broker.
type Recorder struct {
	db     db.DB
	tasks  TaskCreator
	topic  string
	logger *zap.Logger
}

func NewRecorder(database db.DB, tasks TaskCreator, topic string, logger *zap.Logger) *Recorder {
	return &Recorder{db: database, tasks: tasks, topic: topic, logger: logger.Named("events")}
}

// Record enqueues one order event. Failures are reported but must not
// abort the caller's order processing.
func (r *Recorder) Record(ctx context.Context, event string, order *repository.Order, oldState string) error {
	payload, err := json.Marshal(repository.OrderEventPayload{
		Timestamp:       time.Now().UTC(),
		Event:           event,
		OrderLengowID:   order.ID,
		OrderID:         order.OrderID,
		MarketplaceSKU:  order.MarketplaceSKU,
		MarketplaceName: order.MarketplaceName,
		OldState:        oldState,
		NewState:        order.OrderLengowState,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}
	now := time.Now().UTC()
	return r.tasks.Create(ctx, r.db, &repository.OutboxTask{
		ID:        uuid.New(),
		Status:    repository.TaskStatusCreated,
		Payload:   payload,
		Topic:     r.topic,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
