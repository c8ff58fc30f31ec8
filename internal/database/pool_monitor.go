package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// PoolStats contains connection pool statistics
type PoolStats struct {
	Name              string        `json:"name"`
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
	Timestamp         time.Time     `json:"timestamp"`

	Utilization float64       `json:"utilization"`
	AvgWaitTime time.Duration `json:"avg_wait_time"`

	IsHighUtilization bool `json:"high_utilization"`
	// A pool that closed a connection no longer talks through the backend
	// whose pid was captured at session start
	Recycled bool `json:"recycled"`
}

// PoolMonitor samples a connection pool and warns about waits and recycled connections
type PoolMonitor struct {
	db        *sql.DB
	name      string
	logger    *pterm.Logger
	interval  time.Duration
	threshold float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu           sync.RWMutex
	currentStats *PoolStats
	lastWaits    int64
	lastClosed   int64
	alertCount   int64
}

// NewPoolMonitor creates a monitor for the named pool
func NewPoolMonitor(db *sql.DB, name string, logger *pterm.Logger, interval time.Duration, threshold float64) *PoolMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 0.8
	}
	return &PoolMonitor{
		db:        db,
		name:      name,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
	}
}

// Start begins monitoring the connection pool
func (pm *PoolMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pm.cancel = cancel

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)

	pm.logger.Debug("Connection pool monitoring started",
		pm.logger.Args("pool", pm.name, "interval", pm.interval, "threshold", pm.threshold))
}

// Stop stops the pool monitor
func (pm *PoolMonitor) Stop() {
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.wg.Wait()
}

// GetCurrentStats returns a copy of the latest sample, or nil before the first one
func (pm *PoolMonitor) GetCurrentStats() *PoolStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.currentStats == nil {
		return nil
	}
	statsCopy := *pm.currentStats
	return &statsCopy
}

// GetAlertCount returns the number of samples that raised a warning
func (pm *PoolMonitor) GetAlertCount() int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.alertCount
}

func (pm *PoolMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.collectAndAnalyze()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.collectAndAnalyze()
		}
	}
}

func (pm *PoolMonitor) collectAndAnalyze() {
	stats := pm.collectStats()

	pm.mu.Lock()
	newWaits := stats.WaitCount - pm.lastWaits
	stats.Recycled = stats.MaxIdleClosed+stats.MaxLifetimeClosed > pm.lastClosed
	pm.lastWaits = stats.WaitCount
	pm.lastClosed = stats.MaxIdleClosed + stats.MaxLifetimeClosed
	pm.currentStats = stats
	alert := stats.Recycled || (stats.IsHighUtilization && newWaits > 0)
	if alert {
		pm.alertCount++
	}
	pm.mu.Unlock()

	pm.logger.Trace("Connection pool stats",
		pm.logger.Args(
			"pool", stats.Name,
			"max_open", stats.MaxOpenConns,
			"open", stats.OpenConns,
			"in_use", stats.InUse,
			"idle", stats.Idle,
			"utilization", fmt.Sprintf("%.1f%%", stats.Utilization*100),
			"wait_count", stats.WaitCount,
		))

	if stats.Recycled {
		pm.logger.Warn("Connection pool closed a connection",
			pm.logger.Args(
				"pool", stats.Name,
				"max_idle_closed", stats.MaxIdleClosed,
				"max_lifetime_closed", stats.MaxLifetimeClosed,
			))
	}

	// A single-connection pool is always fully used while a query runs; only
	// queued callers are worth reporting
	if stats.IsHighUtilization && newWaits > 0 {
		pm.logger.Warn("Connection pool callers are waiting",
			pm.logger.Args(
				"pool", stats.Name,
				"new_waits", newWaits,
				"avg_wait_time", stats.AvgWaitTime,
				"max_open", stats.MaxOpenConns,
			))
	}
}

func (pm *PoolMonitor) collectStats() *PoolStats {
	dbStats := pm.db.Stats()

	stats := &PoolStats{
		Name:              pm.name,
		MaxOpenConns:      dbStats.MaxOpenConnections,
		OpenConns:         dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         dbStats.WaitCount,
		WaitDuration:      dbStats.WaitDuration,
		MaxIdleClosed:     dbStats.MaxIdleClosed,
		MaxLifetimeClosed: dbStats.MaxLifetimeClosed,
		Timestamp:         time.Now(),
	}

	if stats.MaxOpenConns > 0 {
		stats.Utilization = float64(stats.InUse) / float64(stats.MaxOpenConns)
	}
	if stats.WaitCount > 0 {
		stats.AvgWaitTime = stats.WaitDuration / time.Duration(stats.WaitCount)
	}
	stats.IsHighUtilization = stats.Utilization >= pm.threshold

	return stats
}
