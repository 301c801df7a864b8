// Package progress holds the event queue transports drain from their progress step.
package progress

import (
	"context"
	"sync"
)

// Queue collects callbacks posted from any goroutine and runs them on the
// goroutine calling Run.
type Queue struct {
	mu     sync.Mutex
	events []func()
	wake   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Post queues ev for the next Run.
func (q *Queue) Post(ev func()) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run executes the events queued so far and returns how many ran. Events
// posted while running are left for the next call.
func (q *Queue) Run() int {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return len(events)
}

// Pending returns the number of queued events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Wait blocks until an event is queued or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		if q.Pending() > 0 {
			return nil
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
