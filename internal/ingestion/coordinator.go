package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pgstream/internal/database/models"
	"pgstream/internal/database/repositories"
	parsers "pgstream/internal/parser/postgres"
	"pgstream/internal/realtime"
	"pgstream/internal/safety"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionActive       = errors.New("a monitoring session is already active")
	ErrNoSession           = errors.New("no monitoring session is active")
	ErrLoggingCollectorOff = errors.New("logging_collector is off on the server")
)

// ServerConfigurator toggles verbose statement logging on the monitored server
type ServerConfigurator interface {
	EnableVerboseLogging(ctx context.Context) error
	ResetVerboseLogging(ctx context.Context) error
	IsLoggingCollectorOn(ctx context.Context) (bool, error)
	BackendPID(ctx context.Context) (int, error)
}

// Options configures every session the coordinator starts
type Options struct {
	TargetDatabase       string
	TargetHost           string
	PollInterval         time.Duration
	SafetyInterval       time.Duration
	MaxReadBytes         int64
	LocatorRetries       int
	LocatorBackoff       time.Duration
	SuppressHousekeeping bool
	Limits               safety.Limits
	ResetAttempts        int
	ResetBackoff         time.Duration
	ResetTimeout         time.Duration
}

// StartOptions are chosen per session
type StartOptions struct {
	Scope realtime.Scope
}

// SessionStatus is the consumer view of the current (or last) session
type SessionStatus struct {
	ID             string            `json:"id,omitempty"`
	Stream         string            `json:"stream"`
	Scope          realtime.Scope    `json:"scope,omitempty"`
	TargetDatabase string            `json:"target_database,omitempty"`
	OwnPID         int               `json:"own_pid,omitempty"`
	Safety         safety.State      `json:"safety"`
	Cursor         LogCursor         `json:"cursor"`
	Counters       realtime.Counters `json:"counters"`
	LastError      string            `json:"last_error,omitempty"`
	ResetError     string            `json:"reset_error,omitempty"`
}

type session struct {
	id         string
	scope      realtime.Scope
	ownPID     int
	controller *safety.Controller
	processor  *StreamProcessor
	cancel     context.CancelFunc
	group      *errgroup.Group
	stopOnce   sync.Once
	done       chan struct{}
	final      SessionStatus
	resetErr   error
}

// Coordinator is the session orchestrator: it owns at most one monitoring
// session and drives its start and stop sequences
type Coordinator struct {
	configurator ServerConfigurator
	directory    LogDirectory
	reader       FileReader
	journal      repositories.SessionRepository
	feed         *realtime.FeedStore
	metrics      *realtime.MetricsCollector
	probe        safety.DiskProbe
	wake         <-chan struct{}
	opts         Options
	logger       *pterm.Logger

	mu       sync.RWMutex
	starting bool
	current  *session
	last     *SessionStatus
	onStop   []func(SessionStatus)
}

// NewCoordinator creates a new session coordinator. journal, metrics, probe and wake may be nil.
func NewCoordinator(
	configurator ServerConfigurator,
	directory LogDirectory,
	reader FileReader,
	journal repositories.SessionRepository,
	feed *realtime.FeedStore,
	metrics *realtime.MetricsCollector,
	probe safety.DiskProbe,
	wake <-chan struct{},
	opts Options,
	logger *pterm.Logger,
) *Coordinator {
	if opts.SafetyInterval <= 0 {
		opts.SafetyInterval = time.Second
	}
	if opts.ResetAttempts <= 0 {
		opts.ResetAttempts = 3
	}
	if opts.ResetBackoff <= 0 {
		opts.ResetBackoff = 500 * time.Millisecond
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 10 * time.Second
	}
	if opts.Limits == (safety.Limits{}) {
		opts.Limits = safety.DefaultLimits()
	}
	return &Coordinator{
		configurator: configurator,
		directory:    directory,
		reader:       reader,
		journal:      journal,
		feed:         feed,
		metrics:      metrics,
		probe:        probe,
		wake:         wake,
		opts:         opts,
		logger:       logger,
	}
}

// OnStop registers a callback invoked after every session has fully stopped
func (c *Coordinator) OnStop(fn func(SessionStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = append(c.onStop, fn)
}

// Start begins a monitoring session. ctx only bounds the setup calls; the
// session runs until Stop, Shutdown or a safety trip.
func (c *Coordinator) Start(ctx context.Context, so StartOptions) (string, error) {
	c.mu.Lock()
	if c.current != nil || c.starting {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	c.starting = true
	c.mu.Unlock()

	s, err := c.startSession(ctx, so)

	c.mu.Lock()
	c.starting = false
	if err == nil {
		c.current = s
	}
	c.mu.Unlock()
	return sessionID(s), err
}

func sessionID(s *session) string {
	if s == nil {
		return ""
	}
	return s.id
}

func (c *Coordinator) startSession(ctx context.Context, so StartOptions) (*session, error) {
	scope := so.Scope
	if scope == "" {
		scope = realtime.ScopeCurrentDatabase
	}

	on, err := c.configurator.IsLoggingCollectorOn(ctx)
	if err != nil {
		c.logger.WithCaller().Error("Failed to check logging_collector", c.logger.Args("error", err))
		return nil, fmt.Errorf("check logging collector: %w", err)
	}
	if !on {
		return nil, ErrLoggingCollectorOff
	}

	pid, err := c.configurator.BackendPID(ctx)
	if err != nil {
		c.logger.WithCaller().Error("Failed to capture monitoring backend pid", c.logger.Args("error", err))
		return nil, fmt.Errorf("capture backend pid: %w", err)
	}

	if err := c.configurator.EnableVerboseLogging(ctx); err != nil {
		c.logger.WithCaller().Error("Failed to enable verbose logging", c.logger.Args("error", err))
		// Part of the settings may already be applied
		if resetErr := ResetWithRetry(context.Background(), c.configurator, c.resetPolicy(), c.logger); resetErr != nil {
			c.logger.WithCaller().Error("Reset after failed start also failed", c.logger.Args("error", resetErr))
		}
		return nil, fmt.Errorf("enable verbose logging: %w", err)
	}

	controller := safety.NewController(c.opts.Limits, c.probe, c.logger)
	if err := controller.Begin(); err != nil {
		return nil, err
	}

	s := &session{
		id:         uuid.NewString(),
		scope:      scope,
		ownPID:     pid,
		controller: controller,
		done:       make(chan struct{}),
	}

	if c.journal != nil {
		record := &models.MonitorSession{
			ID:             s.id,
			Scope:          string(scope),
			TargetDatabase: c.opts.TargetDatabase,
			TargetHost:     c.opts.TargetHost,
			BackendPID:     pid,
			StartedAt:      controller.Snapshot().SessionStart,
		}
		if err := c.journal.Create(record); err != nil {
			// Recovery will not know about this session; keep running
			c.logger.Warn("Failed to journal session start",
				c.logger.Args("session", s.id, "error", err))
		}
	}

	locator := NewLocator(c.directory, c.opts.LocatorRetries, c.opts.LocatorBackoff, c.logger)
	tailer := NewTailer(locator, c.reader, c.opts.MaxReadBytes, c.logger)
	filter := realtime.FilterContext{
		OwnPID:               pid,
		Scope:                scope,
		TargetDatabase:       c.opts.TargetDatabase,
		SuppressHousekeeping: c.opts.SuppressHousekeeping,
	}
	s.processor = NewStreamProcessor(tailer, parsers.NewParser(c.logger), c.feed, filter,
		controller, c.metrics, c.wake, c.logger, c.opts.PollInterval)

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g

	g.Go(func() error {
		return s.processor.Run(gctx)
	})
	g.Go(func() error {
		controller.Run(gctx, c.opts.SafetyInterval, func(trip *safety.Trip) {
			c.logger.Warn("Stopping session after safety trip",
				c.logger.Args("session", s.id, "reason", trip.Reason, "detail", trip.Detail))
			// stopSession waits for this goroutine, so it must not run on it
			go c.stopSession(s, trip.Reason)
		})
		return nil
	})

	c.logger.Info("Monitoring session started",
		c.logger.Args(
			"session", s.id,
			"scope", scope,
			"database", c.opts.TargetDatabase,
			"own_pid", pid,
		))
	return s, nil
}

// stopSession runs the stop sequence exactly once per session: halt the poll
// loop, reset server logging, then mark the controller STOPPED
func (c *Coordinator) stopSession(s *session, reason safety.Reason) SessionStatus {
	s.stopOnce.Do(func() {
		c.logger.Debug("Stopping monitoring session", c.logger.Args("session", s.id, "reason", reason))

		s.controller.Halt(reason)
		s.cancel()
		_ = s.group.Wait()

		s.resetErr = ResetWithRetry(context.Background(), c.configurator, c.resetPolicy(), c.logger)
		s.controller.MarkStopped(reason)

		s.final = c.statusOf(s)
		s.final.Stream = StatusStopped
		if s.resetErr != nil {
			s.final.ResetError = s.resetErr.Error()
		}

		c.journalClose(s)

		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		final := s.final
		c.last = &final
		callbacks := append([]func(SessionStatus){}, c.onStop...)
		c.mu.Unlock()

		c.logger.Info("Monitoring session stopped",
			c.logger.Args(
				"session", s.id,
				"reason", s.final.Safety.Reason,
				"events_accepted", s.final.Counters.EventsAccepted,
				"reset_ok", s.resetErr == nil,
			))
		for _, fn := range callbacks {
			fn(s.final)
		}
		close(s.done)
	})
	<-s.done
	return s.final
}

func (c *Coordinator) journalClose(s *session) {
	if c.journal == nil {
		return
	}
	counters := s.processor.Counters()
	info := repositories.SessionCloseInfo{
		StoppedAt:      s.final.Safety.StoppedAt,
		Reason:         string(s.final.Safety.Reason),
		ResetOK:        s.resetErr == nil,
		ResetError:     s.final.ResetError,
		BytesRead:      counters.BytesRead,
		LinesRead:      counters.LinesRead,
		EventsAccepted: counters.EventsAccepted,
		EventsDropped:  counters.DroppedEcho + counters.DroppedHousekeeping + counters.DroppedScope,
		Rotations:      counters.Rotations,
	}
	if err := c.journal.Close(s.id, info); err != nil {
		c.logger.Warn("Failed to journal session stop", c.logger.Args("session", s.id, "error", err))
	}
}

// Stop ends the active session on user request. The returned error reports a
// failed configuration reset; the session is stopped either way.
func (c *Coordinator) Stop() (SessionStatus, error) {
	return c.stopWith(safety.ReasonUserStop)
}

// Shutdown stops the active session, if any, because the process is exiting
func (c *Coordinator) Shutdown() {
	if _, err := c.stopWith(safety.ReasonShutdown); err != nil && !errors.Is(err, ErrNoSession) {
		c.logger.WithCaller().Error("Server logging may still be enabled, run the reset command",
			c.logger.Args("error", err))
	}
}

func (c *Coordinator) stopWith(reason safety.Reason) (SessionStatus, error) {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return c.Status(), ErrNoSession
	}

	status := c.stopSession(s, reason)
	if s.resetErr != nil {
		return status, fmt.Errorf("reset verbose logging: %w", s.resetErr)
	}
	return status, nil
}

// NotifyActivity resets the inactivity watchdog of the active session
func (c *Coordinator) NotifyActivity() bool {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return false
	}
	return s.controller.NotifyActivity()
}

// Done returns a channel closed when the active session has fully stopped.
// With no active session the channel is already closed.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.current.done
}

// IsActive reports whether a session is running
func (c *Coordinator) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// Status returns the active session status, or the last finished one
func (c *Coordinator) Status() SessionStatus {
	c.mu.RLock()
	s, last := c.current, c.last
	c.mu.RUnlock()

	if s != nil {
		return c.statusOf(s)
	}
	if last != nil {
		return *last
	}
	return SessionStatus{
		Stream: StatusStopped,
		Safety: safety.State{Phase: safety.PhaseIdle, DiskFree: -1},
	}
}

func (c *Coordinator) statusOf(s *session) SessionStatus {
	return SessionStatus{
		ID:             s.id,
		Stream:         s.processor.Status(),
		Scope:          s.scope,
		TargetDatabase: c.opts.TargetDatabase,
		OwnPID:         s.ownPID,
		Safety:         s.controller.Snapshot(),
		Cursor:         s.processor.Cursor(),
		Counters:       s.processor.Counters(),
		LastError:      s.processor.LastError(),
	}
}

// RecoverStaleSessions resets server logging on behalf of sessions a previous
// process left open, then marks them recovered. It returns how many were found.
func (c *Coordinator) RecoverStaleSessions(ctx context.Context) (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	if c.IsActive() {
		return 0, ErrSessionActive
	}

	stale, err := c.journal.FindOpen()
	if err != nil {
		return 0, fmt.Errorf("find open sessions: %w", err)
	}
	if len(stale) == 0 {
		c.logger.Debug("No stale sessions in journal")
		return 0, nil
	}

	c.logger.Warn("Found sessions left open by a previous run, resetting server logging",
		c.logger.Args("count", len(stale)))

	// Rows stay open on failure so the next start tries again
	if err := ResetWithRetry(ctx, c.configurator, c.resetPolicy(), c.logger); err != nil {
		return len(stale), fmt.Errorf("reset verbose logging: %w", err)
	}

	now := time.Now()
	for _, rec := range stale {
		if err := c.journal.MarkRecovered(rec.ID, now); err != nil {
			c.logger.Warn("Failed to mark session recovered",
				c.logger.Args("session", rec.ID, "error", err))
		}
	}
	c.logger.Info("Recovered stale sessions", c.logger.Args("count", len(stale)))
	return len(stale), nil
}

// ResetPolicy bounds the configuration reset retries
type ResetPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

func (c *Coordinator) resetPolicy() ResetPolicy {
	return ResetPolicy{
		Attempts: c.opts.ResetAttempts,
		Backoff:  c.opts.ResetBackoff,
		Timeout:  c.opts.ResetTimeout,
	}
}

// ResetWithRetry resets server logging with linear backoff. It needs nothing but
// the configurator, so a fresh process can run it after a crash.
func ResetWithRetry(ctx context.Context, configurator ServerConfigurator, policy ResetPolicy, logger *pterm.Logger) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(policy.Backoff * time.Duration(attempt-1)):
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		err = configurator.ResetVerboseLogging(attemptCtx)
		cancel()

		if err == nil {
			logger.Debug("Server logging parameters reset", logger.Args("attempt", attempt))
			return nil
		}
		logger.Warn("Failed to reset server logging parameters",
			logger.Args("attempt", attempt, "max_attempts", policy.Attempts, "error", err))
	}
	return err
}
