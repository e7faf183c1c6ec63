package postgresql

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type OutboxRepo struct{}

func NewOutboxRepo() *OutboxRepo {
	return &OutboxRepo{}
}

func (r *OutboxRepo) Create(ctx context.Context, database db.DB, task *repository.OutboxTask) error {
	_, err := database.Exec(ctx, `
        INSERT INTO outbox_tasks (
            id, status, payload, topic, attempts, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, task.ID, task.Status, task.Payload, task.Topic, task.Attempts, task.CreatedAt, task.UpdatedAt)
	return err
}

func (r *OutboxRepo) CreateTx(ctx context.Context, tx db.Tx, task *repository.OutboxTask) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO outbox_tasks (
            id, status, payload, topic, attempts, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, task.ID, task.Status, task.Payload, task.Topic, task.Attempts, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetProcessableTasks returns CREATED tasks plus FAILED tasks that still
// have retries left, oldest first. Rows are locked with SKIP LOCKED so
// concurrent publishers never claim the same batch; the caller's
// transaction holds the lock until the claim is committed.
func (r *OutboxRepo) GetProcessableTasks(ctx context.Context, tx db.Tx, limit, maxAttempts int) ([]*repository.OutboxTask, error) {
	var tasks []*repository.OutboxTask
	err := tx.Select(ctx, &tasks, `
        SELECT * FROM outbox_tasks
        WHERE status = $1 OR (status = $2 AND attempts < $3)
        ORDER BY updated_at ASC
        LIMIT $4
        FOR UPDATE SKIP LOCKED
    `, repository.TaskStatusCreated, repository.TaskStatusFailed, maxAttempts, limit)
	return tasks, err
}

func (r *OutboxRepo) UpdateTaskStatusTx(ctx context.Context, tx db.Tx, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error {
	_, err := tx.Exec(ctx, `
        UPDATE outbox_tasks
        SET status = $1, attempts = $2, last_error = $3, completed_at = $4, updated_at = NOW()
        WHERE id = $5
    `, status, attempts, lastError, completedAt, id)
	return err
}

func (r *OutboxRepo) UpdateTaskStatus(ctx context.Context, database db.DB, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error {
	_, err := database.Exec(ctx, `
        UPDATE outbox_tasks
        SET status = $1, attempts = $2, last_error = $3, completed_at = $4, updated_at = NOW()
        WHERE id = $5
    `, status, attempts, lastError, completedAt, id)
	return err
}
