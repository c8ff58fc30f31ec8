package realtime

import (
	"fmt"
	"strings"

	parsers "pgstream/internal/parser/postgres"
)

// Scope selects which databases the feed shows
type Scope string

const (
	ScopeCurrentDatabase Scope = "current"
	ScopeAllDatabases    Scope = "all"
)

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeCurrentDatabase, "":
		return ScopeCurrentDatabase, nil
	case ScopeAllDatabases:
		return ScopeAllDatabases, nil
	default:
		return "", fmt.Errorf("unknown scope %q (expected current or all)", s)
	}
}

// DropReason tells why an event was kept out of the feed
type DropReason string

const (
	Accepted         DropReason = ""
	DropEcho         DropReason = "echo"
	DropHousekeeping DropReason = "housekeeping"
	DropOutsideScope DropReason = "scope"
)

// Functions the monitor itself calls against the server
var housekeepingMarkers = []string{
	"pg_ls_logdir",
	"pg_read_binary_file",
	"pg_reload_conf",
	"alter system",
	"pg_backend_pid",
}

// FilterContext is captured once per session
type FilterContext struct {
	OwnPID               int
	Scope                Scope
	TargetDatabase       string
	SuppressHousekeeping bool
}

// Classify applies echo suppression, housekeeping suppression and the scope filter, in that order
func Classify(ev *parsers.LogEvent, fc FilterContext) DropReason {
	if fc.OwnPID != 0 && ev.PID == fc.OwnPID {
		return DropEcho
	}
	if fc.SuppressHousekeeping {
		sql := strings.ToLower(ev.SQL)
		for _, marker := range housekeepingMarkers {
			if strings.Contains(sql, marker) {
				return DropHousekeeping
			}
		}
	}
	if fc.Scope == ScopeCurrentDatabase && ev.Database != fc.TargetDatabase {
		return DropOutsideScope
	}
	return Accepted
}

// Accept reports whether the event belongs in the feed
func Accept(ev *parsers.LogEvent, fc FilterContext) bool {
	return Classify(ev, fc) == Accepted
}
