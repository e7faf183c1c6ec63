package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/repository"
)

// memoryStore keeps the journal in memory for tests.
type memoryStore struct {
	rows   []*repository.OrderError
	nextID int64
}

func (m *memoryStore) Create(_ context.Context, orderError *repository.OrderError) (int64, error) {
	m.nextID++
	orderError.ID = m.nextID
	m.rows = append(m.rows, orderError)
	return orderError.ID, nil
}

func (m *memoryStore) FinishByOrder(_ context.Context, orderID int64, errorTypes ...string) error {
	for _, row := range m.rows {
		if row.OrderLengowID != orderID || row.IsFinished {
			continue
		}
		if len(errorTypes) == 0 {
			row.IsFinished = true
			continue
		}
		for _, t := range errorTypes {
			if row.Type == t {
				row.IsFinished = true
			}
		}
	}
	return nil
}

func (m *memoryStore) GetUnfinished(_ context.Context, orderID int64, errorType string) (*repository.OrderError, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		row := m.rows[i]
		if row.OrderLengowID == orderID && row.Type == errorType && !row.IsFinished {
			return row, nil
		}
	}
	return nil, repository.ErrObjectNotFound
}

func (m *memoryStore) ListByOrder(_ context.Context, orderID int64) ([]*repository.OrderError, error) {
	var out []*repository.OrderError
	for _, row := range m.rows {
		if row.OrderLengowID == orderID {
			out = append(out, row)
		}
	}
	return out, nil
}

func TestRecordAndUnfinished(t *testing.T) {
	store := &memoryStore{}
	journal := New(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, journal.Record(ctx, 7, repository.ErrorTypeImport, "order line missing"))

	unfinished, err := journal.Unfinished(ctx, 7, repository.ErrorTypeImport)
	require.NoError(t, err)
	require.NotNil(t, unfinished)
	assert.Equal(t, "order line missing", unfinished.Message)

	none, err := journal.Unfinished(ctx, 7, repository.ErrorTypeSend)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFinishKeepsHistory(t *testing.T) {
	store := &memoryStore{}
	journal := New(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, journal.Record(ctx, 7, repository.ErrorTypeImport, "first"))
	require.NoError(t, journal.Record(ctx, 7, repository.ErrorTypeSend, "second"))

	require.NoError(t, journal.Finish(ctx, 7, repository.ErrorTypeImport))

	unfinished, err := journal.Unfinished(ctx, 7, repository.ErrorTypeImport)
	require.NoError(t, err)
	assert.Nil(t, unfinished)

	// the send error is untouched and the history keeps both rows
	pending, err := journal.Unfinished(ctx, 7, repository.ErrorTypeSend)
	require.NoError(t, err)
	require.NotNil(t, pending)

	history, err := journal.History(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFinishIsIdempotent(t *testing.T) {
	store := &memoryStore{}
	journal := New(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, journal.Record(ctx, 7, repository.ErrorTypeImport, "boom"))
	require.NoError(t, journal.Finish(ctx, 7))
	require.NoError(t, journal.Finish(ctx, 7))

	unfinished, err := journal.Unfinished(ctx, 7, repository.ErrorTypeImport)
	require.NoError(t, err)
	assert.Nil(t, unfinished)
}
