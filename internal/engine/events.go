package engine

import (
	"time"

	"github.com/gefbiotag/biotag/internal/schema"
)

// EventType identifies what changed.
type EventType string

const (
	EventInitialized      EventType = "initialized"
	EventRecordRegistered EventType = "record_registered"
	EventRecordUpdated    EventType = "record_updated"
	EventRecordRemoved    EventType = "record_removed"
	EventSyncComplete     EventType = "sync_complete"
	EventConnectivity     EventType = "connectivity"
	EventReset            EventType = "reset"
	EventReloaded         EventType = "reloaded"
)

// Event is delivered to listeners after a change has been committed.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	RecordID  string         `json:"record_id,omitempty"`
	Record    *schema.Record `json:"record,omitempty"`
	Summary   *SyncSummary   `json:"summary,omitempty"`
	Reachable bool           `json:"reachable"`
}

// Listener receives engine events. Listeners run on the goroutine that made
// the change and must not block; hand work off to a channel if needed.
// Listeners may call read-only Engine methods.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Subscribe registers fn and returns a function that removes it.
func (e *Engine) Subscribe(fn Listener) (unsubscribe func()) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.nextListener++
	id := e.nextListener
	e.listeners = append(e.listeners, subscription{id: id, fn: fn})

	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		for i, s := range e.listeners {
			if s.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) emit(events ...Event) {
	if len(events) == 0 {
		return
	}

	e.listenersMu.RLock()
	subs := make([]subscription, len(e.listeners))
	copy(subs, e.listeners)
	e.listenersMu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// queue stages an event to be emitted once the mutation lock is released.
// Callers must hold e.mu.
func (e *Engine) queue(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.outbox = append(e.outbox, ev)
}

// unlock releases e.mu and then delivers queued events.
func (e *Engine) unlock() {
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	e.emit(events...)
}
