package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pgstream/internal/database/models"
	"pgstream/internal/realtime"
	"pgstream/internal/safety"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorFixture struct {
	dir      *fakeLogDir
	server   *fakeConfigurator
	journal  *fakeJournal
	feed     *realtime.FeedStore
	coord    *Coordinator
	logFile  string
	stoppedN atomic.Int32
}

func newCoordinatorFixture(t *testing.T, limits safety.Limits) *coordinatorFixture {
	t.Helper()
	logger := quietLogger()

	f := &coordinatorFixture{
		dir:     newFakeLogDir(),
		server:  newFakeConfigurator(4242),
		journal: newFakeJournal(),
		feed:    realtime.NewFeedStore(realtime.DefaultCapacity, logger),
		logFile: "postgresql-2025-01-10.log",
	}
	f.dir.Create(f.logFile, base)

	f.coord = NewCoordinator(f.server, f.dir, f.dir, f.journal, f.feed,
		realtime.NewMetricsCollector(logger), nil, nil,
		Options{
			TargetDatabase:       "shop",
			PollInterval:         2 * time.Millisecond,
			SafetyInterval:       5 * time.Millisecond,
			LocatorRetries:       2,
			LocatorBackoff:       time.Millisecond,
			SuppressHousekeeping: true,
			Limits:               limits,
			ResetAttempts:        3,
			ResetBackoff:         time.Millisecond,
		}, logger)
	f.coord.OnStop(func(SessionStatus) { f.stoppedN.Add(1) })

	t.Cleanup(f.coord.Shutdown)
	return f
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestCoordinator_StartStopSequence(t *testing.T) {
	f := newCoordinatorFixture(t, safety.DefaultLimits())

	id, err := f.coord.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, []string{"collector", "pid", "enable"}, f.server.Calls())

	status := f.coord.Status()
	assert.Equal(t, id, status.ID)
	assert.Equal(t, safety.PhaseActive, status.Safety.Phase)
	assert.Equal(t, realtime.ScopeCurrentDatabase, status.Scope)
	assert.Equal(t, 4242, status.OwnPID)

	row, err := f.journal.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, row.State)
	assert.Equal(t, 4242, row.BackendPID)

	_, err = f.coord.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, ErrSessionActive)

	require.Eventually(t, func() bool { return f.coord.Status().Cursor.Known() }, time.Second, time.Millisecond)
	f.dir.Append(f.logFile, pgLine(100, "alice", "shop", "duration: 1.5 ms  statement: SELECT 1"))
	require.Eventually(t, func() bool { return f.coord.Status().Counters.LinesRead == 1 }, time.Second, time.Millisecond)

	// The poll loop must be halted before the reset runs
	var listingsAtReset int
	f.server.onReset = func() { listingsAtReset = f.dir.Listings() }

	final, err := f.coord.Stop()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, listingsAtReset, f.dir.Listings(), "no poll may run after the reset")

	assert.Equal(t, []string{"collector", "pid", "enable", "reset"}, f.server.Calls())
	assert.Equal(t, safety.PhaseStopped, final.Safety.Phase)
	assert.Equal(t, safety.ReasonUserStop, final.Safety.Reason)
	assert.Equal(t, StatusStopped, final.Stream)
	assert.False(t, f.coord.IsActive())
	assert.Equal(t, final, f.coord.Status())
	assert.Equal(t, int32(1), f.stoppedN.Load())

	// The statement still open at stop time is flushed into the feed
	require.Equal(t, 1, f.feed.Len())
	assert.Equal(t, "SELECT 1", f.feed.Snapshot()[0].SQL)

	row, err = f.journal.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, row.State)
	assert.Equal(t, string(safety.ReasonUserStop), row.StopReason)
	assert.Equal(t, int64(1), row.EventsAccepted)

	_, err = f.coord.Stop()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, f.server.ResetCalls())
}

func TestCoordinator_RefusesWithoutLoggingCollector(t *testing.T) {
	f := newCoordinatorFixture(t, safety.DefaultLimits())
	f.server.collectorOn = false

	_, err := f.coord.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, ErrLoggingCollectorOff)
	assert.Equal(t, []string{"collector"}, f.server.Calls())
	assert.False(t, f.coord.IsActive())
	assert.Equal(t, safety.PhaseIdle, f.coord.Status().Safety.Phase)
}

func TestCoordinator_EnableFailureResets(t *testing.T) {
	f := newCoordinatorFixture(t, safety.DefaultLimits())
	f.server.enableErr = errors.New("must be superuser")

	_, err := f.coord.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be superuser")
	assert.Equal(t, 1, f.server.ResetCalls())
	assert.False(t, f.coord.IsActive())

	// A failed start does not block the next one
	f.server.enableErr = nil
	_, err = f.coord.Start(context.Background(), StartOptions{Scope: realtime.ScopeAllDatabases})
	require.NoError(t, err)
	assert.Equal(t, realtime.ScopeAllDatabases, f.coord.Status().Scope)
}

func TestCoordinator_VolumeTripResetsExactlyOnce(t *testing.T) {
	limits := safety.DefaultLimits()
	limits.VolumeWindow = 300 * time.Millisecond
	limits.VolumeLimitBytes = 4 * 1024
	f := newCoordinatorFixture(t, limits)

	_, err := f.coord.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.coord.Status().Cursor.Known() }, time.Second, time.Millisecond)

	line := pgLine(100, "alice", "shop", "duration: 1.0 ms  statement: SELECT '"+strings.Repeat("x", 200)+"'")
	f.dir.Append(f.logFile, strings.Repeat(line, 40))

	waitDone(t, f.coord)

	// Stop racing the trip must not run the stop path twice
	_, err = f.coord.Stop()
	assert.ErrorIs(t, err, ErrNoSession)

	status := f.coord.Status()
	assert.Equal(t, safety.PhaseStopped, status.Safety.Phase)
	assert.Equal(t, safety.ReasonCircuitBreakerVolume, status.Safety.Reason)
	assert.Greater(t, status.Counters.BytesRead, limits.VolumeLimitBytes)
	assert.Equal(t, 1, f.server.ResetCalls())
	assert.Equal(t, int32(1), f.stoppedN.Load())
}

func TestCoordinator_InactivityTrip(t *testing.T) {
	limits := safety.DefaultLimits()
	limits.InactivityTimeout = 50 * time.Millisecond
	f := newCoordinatorFixture(t, limits)

	_, err := f.coord.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	// Activity keeps the session alive for a while
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.True(t, f.coord.NotifyActivity())
	}
	assert.True(t, f.coord.IsActive())

	waitDone(t, f.coord)
	assert.Equal(t, safety.ReasonInactivity, f.coord.Status().Safety.Reason)
	assert.False(t, f.coord.NotifyActivity())
	assert.Equal(t, 1, f.server.ResetCalls())
}

func TestCoordinator_ResetFailureKeepsJournalOpen(t *testing.T) {
	f := newCoordinatorFixture(t, safety.DefaultLimits())
	id, err := f.coord.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	f.server.resetErr = errors.New("connection lost")
	status, err := f.coord.Stop()
	require.Error(t, err)
	assert.Equal(t, 3, f.server.ResetCalls(), "reset is retried")
	assert.Equal(t, safety.PhaseStopped, status.Safety.Phase)
	assert.Contains(t, status.ResetError, "connection lost")

	row, err := f.journal.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, row.State)
	assert.False(t, row.ResetOK)

	t.Run("recovery retries the reset", func(t *testing.T) {
		f.server.resetErr = nil
		n, err := f.coord.RecoverStaleSessions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 4, f.server.ResetCalls())

		row, err := f.journal.FindByID(id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionRecovered, row.State)

		n, err = f.coord.RecoverStaleSessions(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 4, f.server.ResetCalls())
	})
}

func TestCoordinator_RecoverStaleSessionsFromJournal(t *testing.T) {
	f := newCoordinatorFixture(t, safety.DefaultLimits())
	require.NoError(t, f.journal.Create(&models.MonitorSession{ID: "crashed-1", Scope: "current", StartedAt: base}))
	require.NoError(t, f.journal.Create(&models.MonitorSession{ID: "crashed-2", Scope: "all", StartedAt: base}))

	n, err := f.coord.RecoverStaleSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.server.ResetCalls(), "one reset covers every stale session")

	open, err := f.journal.FindOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResetWithRetry(t *testing.T) {
	server := newFakeConfigurator(1)
	server.resetErr = errors.New("boom")

	err := ResetWithRetry(context.Background(), server, ResetPolicy{Attempts: 3, Backoff: time.Millisecond}, quietLogger())
	require.Error(t, err)
	assert.Equal(t, 3, server.ResetCalls())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ResetWithRetry(ctx, server, ResetPolicy{Attempts: 3, Backoff: time.Hour}, quietLogger())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, server.ResetCalls(), "a cancelled context stops after the first attempt")
}
