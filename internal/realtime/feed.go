package realtime

import (
	"strings"
	"sync"

	parsers "pgstream/internal/parser/postgres"

	"github.com/pterm/pterm"
)

// DefaultCapacity is the maximum number of events kept in the feed
const DefaultCapacity = 1000

// FeedStore is a capped, insertion-ordered buffer of log events.
// Writers take the exclusive lock only for the duration of one insert or clear.
type FeedStore struct {
	mu       sync.RWMutex
	logger   *pterm.Logger
	capacity int
	ring     []parsers.LogEvent
	head     int // index of the oldest event
	size     int
	lastSeq  uint64
	evicted  int64
}

// NewFeedStore creates a feed holding at most capacity events
func NewFeedStore(capacity int, logger *pterm.Logger) *FeedStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FeedStore{
		logger:   logger,
		capacity: capacity,
		ring:     make([]parsers.LogEvent, capacity),
	}
}

// Insert appends an event, evicting the oldest one when the feed is full.
// It returns the sequence number assigned to the event.
func (f *FeedStore) Insert(ev *parsers.LogEvent) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastSeq++
	stored := *ev
	stored.Seq = f.lastSeq

	if f.size < f.capacity {
		f.ring[(f.head+f.size)%f.capacity] = stored
		f.size++
	} else {
		f.ring[f.head] = stored
		f.head = (f.head + 1) % f.capacity
		f.evicted++
	}
	return stored.Seq
}

// Len returns the number of events currently held
func (f *FeedStore) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Capacity returns the configured cap
func (f *FeedStore) Capacity() int {
	return f.capacity
}

// LastSeq returns the sequence number of the newest event ever inserted
func (f *FeedStore) LastSeq() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSeq
}

// Evicted returns how many events were pushed out by the cap
func (f *FeedStore) Evicted() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.evicted
}

// Snapshot returns the feed contents, oldest first
func (f *FeedStore) Snapshot() []parsers.LogEvent {
	return f.collect(func(*parsers.LogEvent) bool { return true })
}

// Since returns events inserted after seq, oldest first
func (f *FeedStore) Since(seq uint64) []parsers.LogEvent {
	return f.collect(func(ev *parsers.LogEvent) bool { return ev.Seq > seq })
}

// Query returns the events whose SQL, user or database contains filterText
// (case-insensitive) and whose duration is at least minDurationMs.
// With minDurationMs > 0, events without a duration are excluded.
func (f *FeedStore) Query(filterText string, minDurationMs float64) []parsers.LogEvent {
	needle := strings.ToLower(filterText)
	return f.collect(func(ev *parsers.LogEvent) bool {
		if needle != "" &&
			!strings.Contains(strings.ToLower(ev.SQL), needle) &&
			!strings.Contains(strings.ToLower(ev.User), needle) &&
			!strings.Contains(strings.ToLower(ev.Database), needle) {
			return false
		}
		if minDurationMs > 0 {
			return ev.DurationMs != nil && *ev.DurationMs >= minDurationMs
		}
		return true
	})
}

// Clear empties the feed. Sequence numbers keep increasing.
func (f *FeedStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ring = make([]parsers.LogEvent, f.capacity)
	f.head = 0
	f.size = 0
	f.logger.Debug("Feed cleared")
}

func (f *FeedStore) collect(keep func(*parsers.LogEvent) bool) []parsers.LogEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]parsers.LogEvent, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := &f.ring[(f.head+i)%f.capacity]
		if keep(ev) {
			out = append(out, *ev)
		}
	}
	return out
}
