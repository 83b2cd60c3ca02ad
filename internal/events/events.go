// Package events delivers typed task lifecycle notifications to registered
// observers. It replaces an implicit global event bus with an explicit,
// constructor-injected one: each orchestrator owns its own Bus, so
// independent instances never share observers.
//
// Delivery is synchronous and in publish order, which preserves the ordering
// contract for a given task id: created before started before
// completed/failed/canceled.
package events

import (
	"sync"
	"time"
)

// Type identifies a task lifecycle event.
type Type string

const (
	TaskCreated   Type = "task_created"
	TaskStarted   Type = "task_started"
	TaskCompleted Type = "task_completed"
	TaskFailed    Type = "task_failed"
	TaskCanceled  Type = "task_canceled"
)

// Event is a single notification. ResultRef and Err are set only for the
// event types they apply to.
type Event struct {
	Type      Type
	TaskID    string
	ResultRef string // content id of the result, on completion
	Err       string // failure cause, on failure
	At        time.Time
}

// Handler consumes events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber in registration order. A
// zero timestamp is filled with the current time.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
