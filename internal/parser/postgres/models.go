package postgres

import (
	"time"
)

// EventKind identifies how a LogEvent was assembled
type EventKind string

const (
	// KindStatement is a single-line statement record
	KindStatement EventKind = "STATEMENT"
	// KindDuration is a record opened by a duration line
	KindDuration EventKind = "DURATION"
	// KindContinuationMerged is a statement that absorbed one or more continuation lines
	KindContinuationMerged EventKind = "CONTINUATION_MERGED"
)

// RawLine is one line of server log text with the cursor position it was read from
type RawLine struct {
	File   string
	Offset int64
	Text   string
}

// LogEvent is a reconstructed log record. It is never modified after it is emitted.
type LogEvent struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	RawTimestamp string    `json:"raw_timestamp"`
	PID          int       `json:"pid"`
	User         string    `json:"user"`
	Database     string    `json:"database"`
	Severity     string    `json:"severity"`
	SQL          string    `json:"sql"`
	DurationMs   *float64  `json:"duration_ms,omitempty"`
	Kind         EventKind `json:"kind"`
	SourceFile   string    `json:"source_file"`
	SourceOffset int64     `json:"source_offset"`
	Unterminated bool      `json:"unterminated,omitempty"`
}

// HasDuration reports whether the server logged a duration for this event
func (e *LogEvent) HasDuration() bool {
	return e.DurationMs != nil
}

// GetTimestamp returns the event timestamp
func (e *LogEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// Anomalies counts lines the reconstructor discarded
type Anomalies struct {
	Unparseable int64 `json:"unparseable"`
	Orphaned    int64 `json:"orphaned"`
}
