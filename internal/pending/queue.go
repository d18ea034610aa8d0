package pending

import "sync"

// Queue holds intents in arrival order. It is unbounded and safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	intents []Intent
}

// Push appends intent.
func (q *Queue) Push(intent Intent) {
	q.mu.Lock()
	q.intents = append(q.intents, intent)
	q.mu.Unlock()
}

// TakePrefix removes and returns the maximal prefix of intents sharing the first intent's
// classification.
func (q *Queue) TakePrefix() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.intents) == 0 {
		return nil
	}
	synchronized := q.intents[0].Kind.Synchronized()
	end := 1
	for end < len(q.intents) && q.intents[end].Kind.Synchronized() == synchronized {
		end++
	}
	prefix := make([]Intent, end)
	copy(prefix, q.intents[:end])
	q.intents = append(q.intents[:0], q.intents[end:]...)
	return prefix
}

// Len reports the number of queued intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.intents)
}

// Drain removes and returns every queued intent.
func (q *Queue) Drain() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.intents
	q.intents = nil
	return drained
}
