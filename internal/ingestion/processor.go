package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	parsers "pgstream/internal/parser/postgres"
	"pgstream/internal/realtime"
	"pgstream/internal/safety"

	"github.com/pterm/pterm"
)

// Stream status values reported to consumers
const (
	StatusStreaming    = "streaming"
	StatusDisconnected = "disconnected"
	StatusStopped      = "stopped"
)

// StreamProcessor runs the tail, parse, filter and insert pipeline of one session
type StreamProcessor struct {
	tailer       *Tailer
	parser       *parsers.Parser
	feed         *realtime.FeedStore
	filter       realtime.FilterContext
	controller   *safety.Controller
	metrics      *realtime.MetricsCollector
	wake         <-chan struct{}
	logger       *pterm.Logger
	pollInterval time.Duration

	mu        sync.RWMutex
	cursor    LogCursor
	status    string
	counters  realtime.Counters
	anomalies parsers.Anomalies
	lastError string
}

// NewStreamProcessor creates a processor. metrics and wake may be nil.
func NewStreamProcessor(
	tailer *Tailer,
	parser *parsers.Parser,
	feed *realtime.FeedStore,
	filter realtime.FilterContext,
	controller *safety.Controller,
	metrics *realtime.MetricsCollector,
	wake <-chan struct{},
	logger *pterm.Logger,
	pollInterval time.Duration,
) *StreamProcessor {
	if pollInterval <= 0 {
		pollInterval = 300 * time.Millisecond
	}
	return &StreamProcessor{
		tailer:       tailer,
		parser:       parser,
		feed:         feed,
		filter:       filter,
		controller:   controller,
		metrics:      metrics,
		wake:         wake,
		logger:       logger,
		pollInterval: pollInterval,
		status:       StatusStreaming,
	}
}

// Run polls until ctx is cancelled. Polls never overlap; on exit the pending
// multi-line event is flushed into the feed.
func (sp *StreamProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sp.pollInterval)
	defer ticker.Stop()

	sp.logger.Debug("Stream processor started",
		sp.logger.Args("poll_interval", sp.pollInterval.String(), "scope", sp.filter.Scope))

	// Attach immediately instead of waiting for the first tick
	sp.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			sp.finish()
			return nil
		case <-ticker.C:
		case <-sp.wake:
		}

		// A stop requested during the wait wins over the next read
		if ctx.Err() != nil {
			sp.finish()
			return nil
		}
		sp.pollOnce(ctx)
	}
}

func (sp *StreamProcessor) pollOnce(ctx context.Context) {
	sp.mu.RLock()
	cursor := sp.cursor
	sp.mu.RUnlock()

	var delta realtime.Counters
	res, err := sp.tailer.Poll(ctx, cursor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var locErr *LocatorError
		status := sp.Status()
		if errors.As(err, &locErr) {
			delta.LocatorErrors++
			status = StatusDisconnected
			sp.logger.Warn("Active log file unavailable",
				sp.logger.Args("attempts", locErr.Attempts, "error", locErr.Err))
		} else {
			delta.ReadErrors++
			sp.logger.Warn("Log read failed, retrying next tick", sp.logger.Args("error", err))
		}
		sp.commit(cursor, status, delta, err.Error())
		return
	}

	if res.Rotated {
		delta.Rotations++
		sp.logger.Info("Switching to rotated log file",
			sp.logger.Args("from", cursor.File.String(), "to", res.Cursor.File.String()))
		if ev := sp.parser.Flush(); ev != nil {
			sp.deliver(ev, &delta)
		}
	}

	for _, line := range res.Lines {
		if ev := sp.parser.Feed(line); ev != nil {
			sp.deliver(ev, &delta)
		}
	}

	// Nothing new since the last poll: the pending record is complete
	if res.BytesRead == 0 && !res.Rotated && sp.parser.Pending() {
		if ev := sp.parser.Release(); ev != nil {
			sp.deliver(ev, &delta)
		}
	}

	delta.BytesRead = res.BytesRead
	delta.LinesRead = int64(len(res.Lines))
	sp.controller.RecordBytes(res.BytesRead)

	sp.commit(res.Cursor, StatusStreaming, delta, "")
}

// finish flushes the reconstructor so no statement is lost at session end
func (sp *StreamProcessor) finish() {
	var delta realtime.Counters
	if ev := sp.parser.Flush(); ev != nil {
		sp.deliver(ev, &delta)
	}
	sp.mu.RLock()
	cursor := sp.cursor
	sp.mu.RUnlock()
	sp.commit(cursor, StatusStopped, delta, "")
	sp.logger.Debug("Stream processor stopped", sp.logger.Args("cursor", cursor.File.String(), "offset", cursor.Offset))
}

func (sp *StreamProcessor) deliver(ev *parsers.LogEvent, delta *realtime.Counters) {
	delta.EventsEmitted++
	reason := realtime.Classify(ev, sp.filter)
	delta.CountDrop(reason)
	if reason != realtime.Accepted {
		sp.logger.Trace("Event filtered", sp.logger.Args("pid", ev.PID, "reason", reason))
		return
	}
	sp.feed.Insert(ev)
}

func (sp *StreamProcessor) commit(cursor LogCursor, status string, delta realtime.Counters, lastError string) {
	anomalies := sp.parser.Anomalies()

	sp.mu.Lock()
	delta.Unparseable = anomalies.Unparseable - sp.anomalies.Unparseable
	delta.Orphaned = anomalies.Orphaned - sp.anomalies.Orphaned
	sp.anomalies = anomalies
	sp.cursor = cursor
	sp.status = status
	sp.lastError = lastError
	sp.counters.Add(delta)
	sp.mu.Unlock()

	if sp.metrics != nil {
		sp.metrics.Record(delta)
	}
}

// Status returns streaming, disconnected or stopped
func (sp *StreamProcessor) Status() string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.status
}

// Cursor returns the current tail position
func (sp *StreamProcessor) Cursor() LogCursor {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.cursor
}

// Counters returns the session totals
func (sp *StreamProcessor) Counters() realtime.Counters {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.counters
}

// LastError returns the error of the most recent failed poll, if the last poll failed
func (sp *StreamProcessor) LastError() string {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.lastError
}
