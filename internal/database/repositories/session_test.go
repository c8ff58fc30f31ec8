package repositories

import (
	"fmt"
	"testing"
	"time"

	"pgstream/internal/database/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.MonitorSession{}))
	return db
}

var started = time.Date(2025, 1, 10, 20, 30, 0, 0, time.UTC)

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))

	require.NoError(t, repo.Create(&models.MonitorSession{
		ID:             "s1",
		Scope:          "current",
		TargetDatabase: "shop",
		BackendPID:     4242,
		StartedAt:      started,
	}))

	row, err := repo.FindByID("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, row.State)
	assert.Nil(t, row.StoppedAt)

	open, err := repo.FindOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)

	stopped := started.Add(time.Minute)
	require.NoError(t, repo.Close("s1", SessionCloseInfo{
		StoppedAt:      stopped,
		Reason:         "USER_STOP",
		ResetOK:        true,
		BytesRead:      2048,
		LinesRead:      10,
		EventsAccepted: 4,
		EventsDropped:  6,
		Rotations:      1,
	}))

	row, err = repo.FindByID("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, row.State)
	assert.Equal(t, "USER_STOP", row.StopReason)
	require.NotNil(t, row.StoppedAt)
	assert.True(t, stopped.Equal(*row.StoppedAt))
	assert.Equal(t, int64(2048), row.BytesRead)
	assert.Equal(t, int64(4), row.EventsAccepted)

	open, err = repo.FindOpen()
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = repo.FindByID("missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSessionRepository_FailedResetStaysOpenUntilRecovered(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	require.NoError(t, repo.Create(&models.MonitorSession{ID: "s1", Scope: "all", StartedAt: started}))

	stopped := started.Add(time.Minute)
	require.NoError(t, repo.Close("s1", SessionCloseInfo{
		StoppedAt:  stopped,
		Reason:     "INACTIVITY",
		ResetOK:    false,
		ResetError: "connection refused",
	}))

	open, err := repo.FindOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "connection refused", open[0].ResetError)

	require.NoError(t, repo.MarkRecovered("s1", started.Add(time.Hour)))

	row, err := repo.FindByID("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRecovered, row.State)
	assert.True(t, row.ResetOK)
	assert.Empty(t, row.ResetError)
	assert.Equal(t, "INACTIVITY", row.StopReason, "the first stop reason is kept")
	require.NotNil(t, row.StoppedAt)
	assert.True(t, stopped.Equal(*row.StoppedAt), "the first stop time is kept")

	t.Run("crashed session without stop record", func(t *testing.T) {
		require.NoError(t, repo.Create(&models.MonitorSession{ID: "s2", Scope: "all", StartedAt: started}))
		at := started.Add(2 * time.Hour)
		require.NoError(t, repo.MarkRecovered("s2", at))

		row, err := repo.FindByID("s2")
		require.NoError(t, err)
		assert.Equal(t, "RECOVERED", row.StopReason)
		require.NotNil(t, row.StoppedAt)
		assert.True(t, at.Equal(*row.StoppedAt))
	})
}

func TestSessionRepository_FindRecentAndDeleteClosedBefore(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, repo.Create(&models.MonitorSession{
			ID:        id,
			Scope:     "current",
			StartedAt: started.AddDate(0, 0, i),
		}))
		if i != 1 {
			require.NoError(t, repo.Close(id, SessionCloseInfo{StoppedAt: started.AddDate(0, 0, i), Reason: "USER_STOP", ResetOK: true}))
		}
	}

	recent, err := repo.FindRecent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "s4", recent[0].ID)
	assert.Equal(t, "s2", recent[2].ID)

	// s0..s2 are older than the cutoff, s1 is still open
	deleted, err := repo.DeleteClosedBefore(started.AddDate(0, 0, 3), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = repo.DeleteClosedBefore(started.AddDate(0, 0, 3), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := repo.FindRecent(100)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"s1", "s3", "s4"}, ids)
}
