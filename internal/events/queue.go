package events

import "sync"

// Queue collects events in production order until the next drain. It is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

// Push appends events in order.
func (q *Queue) Push(events ...Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.events = append(q.events, events...)
	q.mu.Unlock()
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.events
	q.events = nil
	return drained
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear discards every queued event.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}
