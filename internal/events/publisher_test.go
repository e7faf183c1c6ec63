package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/db"
	mock_database "github.com/channelsync/lengow/internal/db/mocks"
	"github.com/channelsync/lengow/internal/events"
	"github.com/channelsync/lengow/internal/repository"
)

type fakeTaskStore struct {
	once           sync.Once
	polled         chan struct{}
	gotLimit       int
	gotMaxAttempts int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{polled: make(chan struct{})}
}

func (f *fakeTaskStore) GetProcessableTasks(_ context.Context, _ db.Tx, limit, maxAttempts int) ([]*repository.OutboxTask, error) {
	f.once.Do(func() {
		f.gotLimit = limit
		f.gotMaxAttempts = maxAttempts
		close(f.polled)
	})
	return nil, nil
}

func (f *fakeTaskStore) UpdateTaskStatusTx(context.Context, db.Tx, uuid.UUID, repository.TaskStatus, int, *string, *time.Time) error {
	return nil
}

func (f *fakeTaskStore) UpdateTaskStatus(context.Context, db.DB, uuid.UUID, repository.TaskStatus, int, *string, *time.Time) error {
	return nil
}

type nopProducer struct{}

func (nopProducer) SendMessage(context.Context, string, []byte, []byte) error { return nil }
func (nopProducer) Close() error                                              { return nil }

func TestPublisherPollsWithRetryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDB := mock_database.NewMockDB(ctrl)
	mockTx := mock_database.NewMockTx(ctrl)
	mockDB.EXPECT().BeginTx(gomock.Any()).Return(mockTx, nil).AnyTimes()
	mockTx.EXPECT().Commit(gomock.Any()).Return(nil).AnyTimes()
	mockTx.EXPECT().Rollback(gomock.Any()).Return(nil).AnyTimes()

	store := newFakeTaskStore()
	publisher := events.NewPublisher(mockDB, store, nopProducer{}, events.PublisherConfig{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    50,
		MaxAttempts:  3,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go publisher.Run(ctx)

	select {
	case <-store.polled:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher never polled the outbox")
	}
	cancel()
	publisher.Shutdown()

	assert.Equal(t, 50, store.gotLimit)
	assert.Equal(t, 3, store.gotMaxAttempts)
}
