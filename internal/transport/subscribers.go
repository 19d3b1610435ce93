// Package transport owns the user-facing stream surface: the HTTP
// ingress, the per-task subscriber table, and the shell capabilities
// through which the rest of the runtime talks to users.
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openagentos/agentos/pkg/protocol"
)

// subscriberBuffer bounds the per-subscriber event queue. When a slow
// consumer fills it, new events are dropped from the tail.
const subscriberBuffer = 256

// Subscriber is one attached stream consumer. A task has at most one.
type Subscriber struct {
	taskID string
	ch     chan protocol.Event
	once   sync.Once
}

// Events is the stream of records for this subscriber. The channel is
// closed when the subscriber is replaced or the table shuts down.
func (s *Subscriber) Events() <-chan protocol.Event { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Table maps taskId to the single active subscriber.
type Table struct {
	mu      sync.Mutex
	subs    map[string]*Subscriber
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{subs: make(map[string]*Subscriber), logger: logger}
}

// Subscribe attaches a consumer to taskID. An existing subscriber for
// the same task is replaced and its channel closed.
func (t *Table) Subscribe(taskID string) *Subscriber {
	sub := &Subscriber{taskID: taskID, ch: make(chan protocol.Event, subscriberBuffer)}
	t.mu.Lock()
	if old, ok := t.subs[taskID]; ok {
		old.close()
		t.logger.Info("subscriber replaced", "taskId", taskID)
	}
	t.subs[taskID] = sub
	t.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub. A subscriber that has already been replaced
// leaves the newer entry untouched.
func (t *Table) Unsubscribe(sub *Subscriber) {
	t.mu.Lock()
	if cur, ok := t.subs[sub.taskID]; ok && cur == sub {
		delete(t.subs, sub.taskID)
	}
	t.mu.Unlock()
	sub.close()
}

// Has reports whether taskID currently has a subscriber.
func (t *Table) Has(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[taskID]
	return ok
}

// Dispatch enqueues ev for the task's subscriber. It returns false when
// no subscriber is attached. A full queue drops the event.
func (t *Table) Dispatch(taskID string, ev protocol.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[taskID]
	if !ok {
		return false
	}
	select {
	case sub.ch <- ev:
	default:
		n := t.dropped.Add(1)
		t.logger.Warn("subscriber queue full, event dropped",
			"taskId", taskID, "event", ev.Type, "totalDropped", n)
	}
	return true
}

// Dropped returns the number of events discarded due to full queues.
func (t *Table) Dropped() int64 { return t.dropped.Load() }

// Close detaches every subscriber.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		sub.close()
		delete(t.subs, id)
	}
}
