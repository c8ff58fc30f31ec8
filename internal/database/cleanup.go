package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pgstream/internal/database/repositories"

	"github.com/pterm/pterm"
)

const cleanupBatchSize = 500

// CleanupService removes finished sessions from the journal once they are older than the retention period
type CleanupService struct {
	sessions        repositories.SessionRepository
	logger          *pterm.Logger
	retentionDays   int
	cleanupInterval time.Duration
	now             func() time.Time
	cancel          context.CancelFunc
	wg              sync.WaitGroup

	mu              sync.RWMutex
	lastRunTime     time.Time
	recordsDeleted  int64
	cleanupDuration time.Duration
}

// CleanupStats holds statistics about the last cleanup
type CleanupStats struct {
	LastRunTime      time.Time     `json:"last_run_time"`
	RecordsDeleted   int64         `json:"records_deleted"`
	CleanupDuration  time.Duration `json:"cleanup_duration"`
	NextScheduledRun time.Time     `json:"next_scheduled_run"`
}

// NewCleanupService creates a cleanup service. retentionDays <= 0 disables it.
func NewCleanupService(sessions repositories.SessionRepository, logger *pterm.Logger, retentionDays int, cleanupInterval time.Duration) *CleanupService {
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}
	return &CleanupService{
		sessions:        sessions,
		logger:          logger,
		retentionDays:   retentionDays,
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

// Start runs a cleanup immediately and then once per interval
func (s *CleanupService) Start(ctx context.Context) {
	if s.retentionDays <= 0 {
		s.logger.Info("Journal retention disabled (JOURNAL_RETENTION_DAYS=0), cleanup service not started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Debug("Starting journal cleanup service",
		s.logger.Args("retention_days", s.retentionDays, "interval", s.cleanupInterval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			if _, err := s.RunCleanup(ctx); err != nil {
				s.logger.WithCaller().Error("Journal cleanup failed", s.logger.Args("error", err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the service and waits for a running cleanup to finish
func (s *CleanupService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// RunCleanup deletes closed sessions started before the retention cutoff, in batches
func (s *CleanupService) RunCleanup(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		return 0, fmt.Errorf("retention disabled (JOURNAL_RETENTION_DAYS=0)")
	}

	startTime := s.now()
	cutoff := startTime.AddDate(0, 0, -s.retentionDays)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := s.sessions.DeleteClosedBefore(cutoff, cleanupBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < cleanupBatchSize {
			break
		}
		s.logger.Trace("Deleted batch", s.logger.Args("batch_deleted", deleted, "total_deleted", total))
	}

	s.mu.Lock()
	s.lastRunTime = startTime
	s.recordsDeleted = total
	s.cleanupDuration = time.Since(startTime)
	s.mu.Unlock()

	if total > 0 {
		s.logger.Info("Journal cleanup completed",
			s.logger.Args("records_deleted", total, "cutoff_date", cutoff.Format("2006-01-02")))
	} else {
		s.logger.Trace("Journal cleanup found nothing to delete")
	}
	return total, nil
}

// GetStats returns cleanup statistics
func (s *CleanupService) GetStats() *CleanupStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &CleanupStats{
		LastRunTime:     s.lastRunTime,
		RecordsDeleted:  s.recordsDeleted,
		CleanupDuration: s.cleanupDuration,
	}
	if !s.lastRunTime.IsZero() {
		stats.NextScheduledRun = s.lastRunTime.Add(s.cleanupInterval)
	}
	return stats
}
