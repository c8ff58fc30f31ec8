package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pgstream/internal/config"
	"pgstream/internal/database"
	"pgstream/internal/database/repositories"
	"pgstream/internal/discovery"
	"pgstream/internal/ingestion"
	"pgstream/internal/realtime"
	"pgstream/internal/safety"
	"pgstream/internal/source/local"
	pgsource "pgstream/internal/source/postgres"

	"github.com/gofrs/flock"
	"github.com/pterm/pterm"
)

var errEngineLocked = errors.New("another pgstream engine holds the journal lock")

// engine is everything a process that runs sessions needs
type engine struct {
	cfg         *config.Config
	logger      *pterm.Logger
	lock        *flock.Flock
	client      *pgsource.Client
	journal     repositories.SessionRepository
	journalDB   *sql.DB
	feed        *realtime.FeedStore
	metrics     *realtime.MetricsCollector
	coordinator *ingestion.Coordinator
	pools       []*database.PoolMonitor
	cleanup     *database.CleanupService
	cancel      context.CancelFunc
}

// acquireLock takes the journal lock so a single engine drives the server configuration
func acquireLock(journalPath string) (*flock.Flock, error) {
	if err := ensureJournalDir(journalPath); err != nil {
		return nil, err
	}
	lock := flock.New(journalPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", errEngineLocked, lock.Path())
	}
	return lock, nil
}

// newEngine wires the collaborators chosen by the configuration and starts the
// background services. Callers must call close.
func newEngine(ctx context.Context, cfg *config.Config, logger *pterm.Logger) (_ *engine, err error) {
	lock, err := acquireLock(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e := &engine{cfg: cfg, logger: logger, lock: lock, cancel: cancel}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	db, err := database.NewConnection(&database.Config{Path: cfg.Journal.Path}, logger)
	if err != nil {
		return nil, err
	}
	e.journal = repositories.NewSessionRepository(db)
	e.journalDB, err = db.DB()
	if err != nil {
		return nil, err
	}

	timeout := cfg.Postgres.ConnectTimeout * 3 / 2
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()
	e.client, err = pgsource.Connect(connectCtx, pgConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	var (
		directory ingestion.LogDirectory = e.client
		reader    ingestion.FileReader   = e.client
		wake      <-chan struct{}
		probe     safety.DiskProbe
	)

	if cfg.LogSource.Kind == config.SourceLocal {
		dir, err := discovery.NewLogDirDetector(cfg.LogSource.Dir, nil, logger).Detect()
		if err != nil {
			return nil, err
		}
		localDir, err := local.NewDirectory(dir, logger)
		if err != nil {
			return nil, err
		}
		directory, reader = localDir, localDir

		watcher, err := local.NewWatcher(dir, logger)
		if err != nil {
			logger.Warn("Log directory watcher unavailable, relying on polling", logger.Args("error", err))
		} else {
			go watcher.Run(bgCtx)
			wake = watcher.Wake()
		}

		probe = safety.NewStatfsProbe(dir)
	}
	if cfg.Safety.DiskProbePath != "" {
		probe = safety.NewStatfsProbe(cfg.Safety.DiskProbePath)
	}
	if probe == nil {
		logger.Debug("Disk pressure probe disabled for the postgres log source (set DISK_PROBE_PATH to enable)")
	}

	e.feed = realtime.NewFeedStore(cfg.Stream.FeedCapacity, logger)
	e.metrics = realtime.NewMetricsCollector(logger)
	e.metrics.Start(bgCtx, cfg.Stream.SafetyInterval)

	e.coordinator = ingestion.NewCoordinator(e.client, directory, reader, e.journal, e.feed, e.metrics, probe, wake,
		ingestion.Options{
			TargetDatabase:       cfg.Postgres.Database,
			TargetHost:           cfg.Postgres.Host,
			PollInterval:         cfg.Stream.PollInterval,
			SafetyInterval:       cfg.Stream.SafetyInterval,
			MaxReadBytes:         cfg.Stream.MaxReadBytes,
			LocatorRetries:       cfg.Stream.LocatorRetries,
			LocatorBackoff:       cfg.Stream.LocatorBackoff,
			SuppressHousekeeping: cfg.Stream.SuppressHousekeeping,
			Limits: safety.Limits{
				InactivityTimeout: cfg.Safety.InactivityTimeout,
				SessionTimeout:    cfg.Safety.SessionTimeout,
				VolumeWindow:      cfg.Safety.VolumeWindow,
				VolumeLimitBytes:  cfg.Safety.VolumeLimitBytes,
				DiskMinFree:       cfg.Safety.DiskMinFree,
			},
		}, logger)

	if cfg.Journal.AutoRecover {
		n, err := e.coordinator.RecoverStaleSessions(ctx)
		if err != nil {
			logger.WithCaller().Error("Automatic recovery failed, run `pgstream reset`",
				logger.Args("stale_sessions", n, "error", err))
		}
	}

	e.pools = []*database.PoolMonitor{
		database.NewPoolMonitor(e.client.DB(), "monitoring", logger, cfg.Journal.PoolMonitoringInterval, 1),
		database.NewPoolMonitor(e.journalDB, "journal", logger, cfg.Journal.PoolMonitoringInterval, 1),
	}
	for _, pm := range e.pools {
		pm.Start(bgCtx)
	}

	e.cleanup = database.NewCleanupService(e.journal, logger, cfg.Journal.RetentionDays, cfg.Journal.CleanupInterval)
	e.cleanup.Start(bgCtx)

	return e, nil
}

// close stops the active session (resetting server logging), then the background services
func (e *engine) close() {
	if e.coordinator != nil {
		e.coordinator.Shutdown()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	for _, pm := range e.pools {
		pm.Stop()
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			e.logger.Debug("Failed to close monitoring connection", e.logger.Args("error", err))
		}
	}
	if e.journalDB != nil {
		_ = e.journalDB.Close()
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			e.logger.Warn("Failed to release journal lock", e.logger.Args("error", err))
		}
	}
}

func pgConfig(cfg *config.Config) pgsource.Config {
	return pgsource.Config{
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		ConnectTimeout: cfg.Postgres.ConnectTimeout,
		LogSubdir:      cfg.LogSource.PGSubdir,
	}
}

// ensureJournalDir creates the directory holding the journal and its lock
func ensureJournalDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
