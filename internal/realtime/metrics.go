package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Counters are cumulative ingestion totals
type Counters struct {
	BytesRead           int64 `json:"bytes_read"`
	LinesRead           int64 `json:"lines_read"`
	EventsEmitted       int64 `json:"events_emitted"`
	EventsAccepted      int64 `json:"events_accepted"`
	DroppedEcho         int64 `json:"dropped_echo"`
	DroppedHousekeeping int64 `json:"dropped_housekeeping"`
	DroppedScope        int64 `json:"dropped_scope"`
	Unparseable         int64 `json:"unparseable"`
	Orphaned            int64 `json:"orphaned"`
	Rotations           int64 `json:"rotations"`
	LocatorErrors       int64 `json:"locator_errors"`
	ReadErrors          int64 `json:"read_errors"`
}

// Add accumulates another set of counters
func (c *Counters) Add(d Counters) {
	c.BytesRead += d.BytesRead
	c.LinesRead += d.LinesRead
	c.EventsEmitted += d.EventsEmitted
	c.EventsAccepted += d.EventsAccepted
	c.DroppedEcho += d.DroppedEcho
	c.DroppedHousekeeping += d.DroppedHousekeeping
	c.DroppedScope += d.DroppedScope
	c.Unparseable += d.Unparseable
	c.Orphaned += d.Orphaned
	c.Rotations += d.Rotations
	c.LocatorErrors += d.LocatorErrors
	c.ReadErrors += d.ReadErrors
}

// CountDrop increments the counter matching a filter decision
func (c *Counters) CountDrop(reason DropReason) {
	switch reason {
	case Accepted:
		c.EventsAccepted++
	case DropEcho:
		c.DroppedEcho++
	case DropHousekeeping:
		c.DroppedHousekeeping++
	case DropOutsideScope:
		c.DroppedScope++
	}
}

type sample struct {
	at     time.Time
	totals Counters
}

// MetricsCollector keeps ingestion totals and trailing one-minute rates
type MetricsCollector struct {
	logger *pterm.Logger

	mu         sync.RWMutex
	totals     Counters
	samples    []sample
	bytesRate  float64 // bytes per second
	eventsRate float64 // accepted events per second
	linesRate  float64 // lines per second
	lastUpdate time.Time
	window     time.Duration
}

// RealtimeMetrics represents current ingestion statistics
type RealtimeMetrics struct {
	BytesPerSecond  float64   `json:"bytes_per_second"`
	EventsPerSecond float64   `json:"events_per_second"`
	LinesPerSecond  float64   `json:"lines_per_second"`
	Totals          Counters  `json:"totals"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewMetricsCollector creates a new ingestion metrics collector
func NewMetricsCollector(logger *pterm.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:     logger,
		lastUpdate: time.Now(),
		window:     time.Minute,
	}
}

// Record adds the counters produced by one poll
func (m *MetricsCollector) Record(delta Counters) {
	m.mu.Lock()
	m.totals.Add(delta)
	m.mu.Unlock()
}

// Start computes rates every interval until ctx is done. A non-positive interval
// falls back to one second.
func (m *MetricsCollector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.collect(now)
			}
		}
	}()
	m.logger.Info("Real-time metrics collector started",
		m.logger.Args("interval", interval.String()))
}

// collect takes a sample and derives rates over the trailing window
func (m *MetricsCollector) collect(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, totals: m.totals})

	cutoff := now.Add(-m.window)
	first := 0
	for first < len(m.samples)-1 && m.samples[first].at.Before(cutoff) {
		first++
	}
	m.samples = m.samples[first:]

	oldest := m.samples[0]
	elapsed := now.Sub(oldest.at).Seconds()
	if elapsed > 0 {
		m.bytesRate = float64(m.totals.BytesRead-oldest.totals.BytesRead) / elapsed
		m.eventsRate = float64(m.totals.EventsAccepted-oldest.totals.EventsAccepted) / elapsed
		m.linesRate = float64(m.totals.LinesRead-oldest.totals.LinesRead) / elapsed
	} else {
		m.bytesRate, m.eventsRate, m.linesRate = 0, 0, 0
	}
	m.lastUpdate = now

	m.logger.Trace("Collected real-time metrics",
		m.logger.Args(
			"bytes_rate", m.bytesRate,
			"events_rate", m.eventsRate,
			"lines_rate", m.linesRate,
		))
}

// GetMetrics returns the current metrics snapshot
func (m *MetricsCollector) GetMetrics() *RealtimeMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &RealtimeMetrics{
		BytesPerSecond:  m.bytesRate,
		EventsPerSecond: m.eventsRate,
		LinesPerSecond:  m.linesRate,
		Totals:          m.totals,
		Timestamp:       m.lastUpdate,
	}
}
