package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pterm/pterm"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Path string
}

// SlowQueryLogger bridges gorm's logger to pterm and reports slow queries
type SlowQueryLogger struct {
	log       *pterm.Logger
	threshold time.Duration
	level     logger.LogLevel
}

func NewSlowQueryLogger(log *pterm.Logger, threshold time.Duration) *SlowQueryLogger {
	return &SlowQueryLogger{log: log, threshold: threshold, level: logger.Warn}
}

func (l *SlowQueryLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *SlowQueryLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info(msg, l.log.Args("gorm", data))
	}
}

func (l *SlowQueryLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn(msg, l.log.Args("gorm", data))
	}
}

func (l *SlowQueryLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error(msg, l.log.Args("gorm", data))
	}
}

func (l *SlowQueryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	took := time.Since(begin)
	query, affected := fc()

	switch {
	case err == nil, errors.Is(err, gorm.ErrRecordNotFound):
	case errors.Is(err, context.Canceled):
		// a session stop cancels in-flight reads
		l.log.Trace("Query cancelled", l.log.Args("sql", query))
		return
	default:
		l.log.Error("Query failed", l.log.Args("error", err, "took_ms", took.Milliseconds(), "sql", query))
		return
	}

	if took >= l.threshold {
		l.log.Debug("Slow query", l.log.Args("took_ms", took.Milliseconds(), "rows", affected, "sql", query))
	} else if l.level >= logger.Info {
		l.log.Trace("Query", l.log.Args("took_ms", took.Milliseconds(), "rows", affected, "sql", query))
	}
}

// NewConnection opens and migrates the session journal
func NewConnection(cfg *Config, logger *pterm.Logger) (*gorm.DB, error) {
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	if isMemoryPath(cfg.Path) {
		dsn = cfg.Path
	}

	if _, err := os.Stat(cfg.Path); errors.Is(err, os.ErrPermission) {
		return nil, fmt.Errorf("journal %s: %w", cfg.Path, err)
	}

	logger.Debug("Opening session journal", logger.Args("path", cfg.Path))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      NewSlowQueryLogger(logger, 100*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("journal pool: %w", err)
	}

	// sqlite allows a single writer; one connection also keeps an in-memory journal alive
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	if err := OptimizeDatabase(db, logger); err != nil {
		logger.Warn("Journal optimization incomplete", logger.Args("error", err))
	}

	logger.Debug("Session journal ready", logger.Args("path", cfg.Path))
	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}
