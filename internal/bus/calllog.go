package bus

import (
	"sync"
	"time"
)

// Entry is one call-log record. The log is append-only and in-memory;
// Recent offers a bounded view for introspection.
type Entry struct {
	CallerID   string        `json:"callerId"`
	AbilityID  string        `json:"abilityId"`
	Start      time.Time     `json:"timestampStart"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	Outcome    Status        `json:"outcome"`
	ErrMsg     string        `json:"errorMsg,omitempty"`
}

// CallLog records every bus invocation.
type CallLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewCallLog() *CallLog {
	return &CallLog{}
}

func (l *CallLog) append(e Entry) {
	e.DurationMs = e.Duration.Milliseconds()
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Len returns the number of recorded entries.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Recent returns up to limit of the newest entries, newest last.
func (l *CallLog) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]Entry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}
