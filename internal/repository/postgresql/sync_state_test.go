package postgresql_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	mock_database "github.com/channelsync/lengow/internal/db/mocks"
	"github.com/channelsync/lengow/internal/repository"
	"github.com/channelsync/lengow/internal/repository/postgresql"
)

func TestSyncStateRepo_AcquireLock(t *testing.T) {
	ctx := context.Background()

	t.Run("lock free", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewSyncStateRepo(mockDB)

		mockDB.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(pgconn.CommandTag("UPDATE 1"), nil)

		ok, remaining, err := repo.AcquireLock(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, remaining)
	})

	t.Run("lock held", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewSyncStateRepo(mockDB)

		lockedAt := time.Now().UTC().Add(-time.Minute)

		mockDB.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(pgconn.CommandTag("UPDATE 0"), nil)
		mockDB.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, dest *repository.SyncState, _ string, _ ...interface{}) error {
				dest.ID = 1
				dest.LockedAt = &lockedAt
				return nil
			})

		ok, remaining, err := repo.AcquireLock(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Greater(t, remaining, 3*time.Minute)
		assert.LessOrEqual(t, remaining, 4*time.Minute)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewSyncStateRepo(mockDB)

		// the UPDATE's WHERE clause matches an expired lease, so the row
		// is claimed in one statement
		mockDB.EXPECT().Exec(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(pgconn.CommandTag("UPDATE 1"), nil)

		ok, _, err := repo.AcquireLock(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestSyncStateRepo_SetLastImport(t *testing.T) {
	ctx := context.Background()

	t.Run("cron mark", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewSyncStateRepo(mockDB)

		at := time.Now()
		mockDB.EXPECT().Exec(gomock.Any(), queryContains("last_import_cron"), gomock.Eq(at)).
			Return(pgconn.CommandTag("UPDATE 1"), nil)

		assert.NoError(t, repo.SetLastImport(ctx, "cron", at))
	})

	t.Run("manual mark", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		repo := postgresql.NewSyncStateRepo(mockDB)

		at := time.Now()
		mockDB.EXPECT().Exec(gomock.Any(), queryContains("last_import_manual"), gomock.Eq(at)).
			Return(pgconn.CommandTag("UPDATE 1"), nil)

		assert.NoError(t, repo.SetLastImport(ctx, "manual", at))
	})
}

type queryContains string

func (m queryContains) Matches(x interface{}) bool {
	query, ok := x.(string)
	if !ok {
		return false
	}
	return strings.Contains(query, string(m))
}

func (m queryContains) String() string {
	return "query contains " + string(m)
}
