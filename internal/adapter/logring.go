package adapter

import (
	"sync"
	"time"
)

// DefaultLogRingSize bounds the per-handle log ring.
const DefaultLogRingSize = 500

// LogEntry is a single captured line of adapter output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`  // debug, info, warn, error
	Stream    string    `json:"stream"` // "protocol", "stdout", or "stderr"
	Line      string    `json:"line"`
}

// LogRing is a thread-safe ring buffer holding the most recent log lines of
// one adapter child, with optional live streaming to subscribers.
type LogRing struct {
	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	subscribers map[chan LogEntry]struct{}
}

// NewLogRing creates a ring that retains up to maxEntries lines.
func NewLogRing(maxEntries int) *LogRing {
	if maxEntries <= 0 {
		maxEntries = DefaultLogRingSize
	}
	return &LogRing{
		entries:     make([]LogEntry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

// Append records a line and broadcasts it to subscribers without blocking.
func (r *LogRing) Append(level, stream, line string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Stream:    stream,
		Line:      line,
	}

	r.mu.Lock()
	if len(r.entries) >= r.maxEntries {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry)

	for ch := range r.subscribers {
		select {
		case ch <- entry:
		default:
			// subscriber is too slow, drop this entry for them
		}
	}
	r.mu.Unlock()
}

// Recent returns the last n entries, oldest first. n <= 0 returns everything.
func (r *LogRing) Recent(n int) []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]LogEntry, n)
	copy(out, r.entries[total-n:])
	return out
}

// Subscribe returns a channel receiving new entries as they arrive. Call
// Unsubscribe when done to avoid leaks.
func (r *LogRing) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (r *LogRing) Unsubscribe(ch chan LogEntry) {
	r.mu.Lock()
	delete(r.subscribers, ch)
	r.mu.Unlock()
	close(ch)
}
