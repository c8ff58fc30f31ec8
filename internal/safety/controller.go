package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// Phase is the lifecycle state of a monitoring session as seen by the controller
type Phase string

const (
	PhaseIdle                  Phase = "IDLE"
	PhaseActive                Phase = "ACTIVE"
	PhasePausedInactivity      Phase = "PAUSED_INACTIVITY"
	PhaseTrippedCircuitBreaker Phase = "TRIPPED_CIRCUIT_BREAKER"
	PhaseExpiredTimeout        Phase = "EXPIRED_TIMEOUT"
	PhaseStopped               Phase = "STOPPED"
)

// Reason explains why a session stopped
type Reason string

const (
	ReasonInactivity           Reason = "INACTIVITY"
	ReasonCircuitBreakerVolume Reason = "CIRCUIT_BREAKER_VOLUME"
	ReasonCircuitBreakerDisk   Reason = "CIRCUIT_BREAKER_DISK"
	ReasonHardTimeout          Reason = "HARD_TIMEOUT"
	ReasonUserStop             Reason = "USER_STOP"
	ReasonShutdown             Reason = "SHUTDOWN"
	ReasonStartFailed          Reason = "START_FAILED"
)

// ErrNotIdle is returned when Begin is called on a session that already ran
var ErrNotIdle = errors.New("safety controller is not idle")

// Limits holds the thresholds that force a session stop
type Limits struct {
	InactivityTimeout time.Duration
	SessionTimeout    time.Duration
	VolumeWindow      time.Duration
	VolumeLimitBytes  int64
	DiskMinFree       float64
}

// DefaultLimits returns the production thresholds
func DefaultLimits() Limits {
	return Limits{
		InactivityTimeout: 10 * time.Minute,
		SessionTimeout:    time.Hour,
		VolumeWindow:      time.Minute,
		VolumeLimitBytes:  100 * 1024 * 1024,
		DiskMinFree:       0.10,
	}
}

// DiskProbe reports the free-space fraction of the disk holding the server logs
type DiskProbe interface {
	FreeSpaceFraction() (float64, error)
}

// State is a consistent snapshot of the controller
type State struct {
	Phase           Phase     `json:"phase"`
	Reason          Reason    `json:"reason,omitempty"`
	SessionStart    time.Time `json:"session_start"`
	LastActivity    time.Time `json:"last_activity"`
	WindowStart     time.Time `json:"window_start"`
	WindowBytes     int64     `json:"window_bytes"`
	LastWindowBytes int64     `json:"last_window_bytes"`
	DiskFree        float64   `json:"disk_free"` // -1 when unknown
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
}

// Trip is raised when a threshold is crossed; it always forces a stop
type Trip struct {
	Reason Reason
	At     time.Time
	Detail string
}

func (t *Trip) Error() string {
	return fmt.Sprintf("safety trip %s: %s", t.Reason, t.Detail)
}

// Controller is the supervisory state machine of one monitoring session.
// All methods are safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	probe  DiskProbe
	logger *pterm.Logger
	clock  func() time.Time
	state  State
	halted bool
}

// NewController creates an idle controller. probe may be nil to disable the disk check.
func NewController(limits Limits, probe DiskProbe, logger *pterm.Logger) *Controller {
	return &Controller{
		limits: limits,
		probe:  probe,
		logger: logger,
		clock:  time.Now,
		state:  State{Phase: PhaseIdle, DiskFree: -1},
	}
}

// WithClock replaces the wall clock, used by tests
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = now
	return c
}

// Begin moves an idle (or previously stopped) controller to ACTIVE
func (c *Controller) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseIdle && c.state.Phase != PhaseStopped {
		return fmt.Errorf("%w: phase %s", ErrNotIdle, c.state.Phase)
	}

	now := c.clock()
	c.halted = false
	c.state = State{
		Phase:        PhaseActive,
		SessionStart: now,
		LastActivity: now,
		WindowStart:  now,
		DiskFree:     -1,
	}
	c.logger.Debug("Safety controller active",
		c.logger.Args(
			"inactivity_timeout", c.limits.InactivityTimeout.String(),
			"session_timeout", c.limits.SessionTimeout.String(),
			"volume_limit", humanize.IBytes(uint64(c.limits.VolumeLimitBytes)),
		))
	return nil
}

// NotifyActivity records user activity. It only has an effect while ACTIVE.
func (c *Controller) NotifyActivity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseActive || c.halted {
		return false
	}
	c.state.LastActivity = c.clock()
	return true
}

// RecordBytes adds ingested bytes to the current volume window
func (c *Controller) RecordBytes(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseActive {
		c.state.WindowBytes += n
	}
}

// Evaluate checks all thresholds against the current time
func (c *Controller) Evaluate() *Trip {
	c.mu.Lock()
	now := c.clock()
	c.mu.Unlock()
	return c.EvaluateAt(now)
}

// EvaluateAt checks all thresholds at the given instant. A non-nil Trip means the
// controller left ACTIVE for good; further calls return nil.
func (c *Controller) EvaluateAt(now time.Time) *Trip {
	// The probe may touch the filesystem, keep it outside the lock
	diskFree, diskErr := -1.0, error(nil)
	if c.probe != nil {
		diskFree, diskErr = c.probe.FreeSpaceFraction()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != PhaseActive || c.halted {
		return nil
	}

	if elapsed := now.Sub(c.state.SessionStart); elapsed > c.limits.SessionTimeout {
		return c.tripLocked(now, ReasonHardTimeout, PhaseExpiredTimeout,
			fmt.Sprintf("session open for %s, limit %s", elapsed.Round(time.Second), c.limits.SessionTimeout))
	}

	if diskErr != nil {
		c.logger.Warn("Disk pressure probe failed", c.logger.Args("error", diskErr))
	} else if c.probe != nil {
		c.state.DiskFree = diskFree
		if diskFree < c.limits.DiskMinFree {
			return c.tripLocked(now, ReasonCircuitBreakerDisk, PhaseTrippedCircuitBreaker,
				fmt.Sprintf("free disk space %.1f%% below %.1f%%", diskFree*100, c.limits.DiskMinFree*100))
		}
	}

	// Only a closed window is judged; a partial window never trips on its own
	if now.Sub(c.state.WindowStart) >= c.limits.VolumeWindow {
		if c.state.WindowBytes > c.limits.VolumeLimitBytes {
			return c.tripLocked(now, ReasonCircuitBreakerVolume, PhaseTrippedCircuitBreaker,
				fmt.Sprintf("ingested %s within %s, limit %s",
					humanize.IBytes(uint64(c.state.WindowBytes)), c.limits.VolumeWindow,
					humanize.IBytes(uint64(c.limits.VolumeLimitBytes))))
		}
		c.state.LastWindowBytes = c.state.WindowBytes
		c.state.WindowBytes = 0
		c.state.WindowStart = now
	}

	if idle := now.Sub(c.state.LastActivity); idle > c.limits.InactivityTimeout {
		return c.tripLocked(now, ReasonInactivity, PhasePausedInactivity,
			fmt.Sprintf("no activity for %s", idle.Round(time.Second)))
	}

	return nil
}

func (c *Controller) tripLocked(now time.Time, reason Reason, phase Phase, detail string) *Trip {
	c.state.Phase = phase
	c.state.Reason = reason
	c.logger.Warn("Safety trip", c.logger.Args("reason", reason, "phase", phase, "detail", detail))
	return &Trip{Reason: reason, At: now, Detail: detail}
}

// Halt claims the stop for reason before the session is torn down. No trip can
// be raised afterwards; a trip raised earlier keeps its reason.
func (c *Controller) Halt(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseActive && c.state.Reason == "" {
		c.state.Reason = reason
	}
	c.halted = true
}

// MarkStopped moves the controller to STOPPED once the stop action has completed.
// A reason already set by a trip is kept.
func (c *Controller) MarkStopped(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseStopped {
		return
	}
	if c.state.Reason == "" {
		c.state.Reason = reason
	}
	c.state.Phase = PhaseStopped
	c.state.StoppedAt = c.clock()
}

// Phase returns the current phase
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// Snapshot returns a copy of the current state
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run evaluates the controller every interval until ctx is done or a trip happens.
// onTrip is called at most once, from the Run goroutine.
func (c *Controller) Run(ctx context.Context, interval time.Duration, onTrip func(*Trip)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if trip := c.Evaluate(); trip != nil {
				onTrip(trip)
				return
			}
		}
	}
}
