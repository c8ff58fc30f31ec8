package models

import (
	"time"
)

// Session journal states
const (
	SessionOpen      = "open"
	SessionClosed    = "closed"
	SessionRecovered = "recovered"
)

// MonitorSession is one journal row per monitoring session. A row left "open"
// after a crash tells the next process that server logging may still be enabled.
type MonitorSession struct {
	ID             string `gorm:"primaryKey;size:36"`
	State          string `gorm:"not null;index;default:open"`
	Scope          string `gorm:"not null"`
	TargetDatabase string
	TargetHost     string
	BackendPID     int
	StartedAt      time.Time `gorm:"not null;index"`
	StoppedAt      *time.Time
	StopReason     string

	// Reset outcome of the stop path (or of the recovery that closed the row)
	ResetOK    bool
	ResetError string

	BytesRead      int64
	LinesRead      int64
	EventsAccepted int64
	EventsDropped  int64
	Rotations      int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MonitorSession) TableName() string {
	return "monitor_sessions"
}
