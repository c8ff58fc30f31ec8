package database

import (
	"fmt"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// OptimizeDatabase verifies the journal pragmas and creates the indexes used by
// recovery, the sessions listing and retention cleanup
func OptimizeDatabase(db *gorm.DB, logger *pterm.Logger) error {
	logger.Debug("Checking journal pragmas and indexes")

	var mode string
	switch err := db.Raw("PRAGMA journal_mode").Scan(&mode).Error; {
	case err != nil:
		logger.Warn("Journal mode unknown", logger.Args("error", err))
	case mode != "wal" && mode != "memory":
		logger.Warn("Journal is not in WAL mode", logger.Args("mode", mode))
	default:
		logger.Trace("Journal mode", logger.Args("mode", mode))
	}

	indexes := []string{
		// Startup recovery scans open sessions oldest first
		`CREATE INDEX IF NOT EXISTS idx_sessions_state_started
		 ON monitor_sessions(state, started_at)`,

		// sessions listing
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_desc
		 ON monitor_sessions(started_at DESC)`,
	}

	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create journal index: %w", err)
		}
	}
	logger.Trace("Journal indexes verified", logger.Args("count", len(indexes)))

	if err := db.Exec("ANALYZE").Error; err != nil {
		logger.Debug("ANALYZE skipped", logger.Args("error", err))
	}
	return nil
}
