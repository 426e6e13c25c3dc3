package omm

import (
	"sync"
)

// EventQueue carries wire events to the single dispatch pump. Posting never
// blocks: events offered to a full or deactivated queue are dropped and
// reported to the caller so they can be counted.
type EventQueue struct {
	name string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewEventQueue creates a queue with the given capacity.
func NewEventQueue(name string, capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventQueue{
		name: name,
		ch:   make(chan Event, capacity),
	}
}

// Name returns the configured queue name.
func (q *EventQueue) Name() string { return q.name }

// Post offers an event to the queue. It reports false when the event was
// dropped because the queue is full or deactivated.
func (q *EventQueue) Post(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Dispatch delivers queued events to handler until the queue is deactivated
// and drained. It is the event pump body and must run on its own goroutine.
func (q *EventQueue) Dispatch(handler func(Event)) {
	for ev := range q.ch {
		handler(ev)
	}
}

// Deactivate stops the queue. Queued events still reach the dispatcher;
// subsequent posts are dropped.
func (q *EventQueue) Deactivate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
