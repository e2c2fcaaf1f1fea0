package safety

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-dev/lattice/internal/bus"
)

// Entry is one audit record. Every capability invocation produces exactly
// one entry, including the calls the gate denies.
type Entry struct {
	ID             string         `json:"id"`
	Capability     string         `json:"capability"`
	Operation      string         `json:"operation"`
	SanitizedArgs  map[string]any `json:"sanitized_args,omitempty"`
	Classification Classification `json:"classification"`
	Result         string         `json:"result"` // ok, denied, requires_approval, error:<code>
	Actor          string         `json:"actor,omitempty"`
	Operator       string         `json:"operator,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Log is the append-only audit log. Entries fan out on the safety:audit
// topic; writers never read.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	maxLen  int // ring buffer size (0 = unbounded)
	bus     *bus.Bus
}

// NewLog creates an audit log. maxLen=0 means unbounded.
func NewLog(maxLen int, b *bus.Bus) *Log {
	return &Log{
		entries: make([]Entry, 0, 1024),
		maxLen:  maxLen,
		bus:     b,
	}
}

// Record appends an entry, redacting its arguments, and publishes it.
func (l *Log) Record(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.SanitizedArgs = RedactArgs(entry.SanitizedArgs)

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if l.maxLen > 0 && len(l.entries) > l.maxLen {
		l.entries = l.entries[len(l.entries)-l.maxLen:]
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(bus.TopicAudit, bus.Event{
			Type:    bus.EventAuditEntry,
			Summary: entry.Capability + "." + entry.Operation + " " + entry.Result,
			Detail:  entry,
		})
	}
	return entry
}

// Filter selects audit entries in Query.
type Filter struct {
	Capability string
	Result     string
	Since      time.Time
	Limit      int
}

// Query returns filtered entries, newest first. Limit=0 means all.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if f.Capability != "" && e.Capability != f.Capability {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the n most recent entries.
func (l *Log) Recent(n int) []Entry {
	return l.Query(Filter{Limit: n})
}

// Count returns the total entry count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// MarshalJSON exports all entries, for API responses.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.entries)
}
