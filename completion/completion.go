// Package completion turns one-shot transport completion callbacks into blocking calls.
//
// A Cell is created right before a transport operation is submitted. Its
// Complete method is handed to the transport as the operation callback; it may
// run inside the submitting call stack or later from a progress step. Wait
// blocks until Complete has run. The Cell stays reachable through the
// callback closure for the whole window, so the transport never holds a
// dangling reference.
package completion

import (
	"context"
	"sync"

	"github.com/najoast/amlink/transport"
)

// Cell is the shared completion state of one operation.
type Cell struct {
	once   sync.Once
	done   chan struct{}
	status transport.Status
	length int
}

// NewCell creates an unfired cell.
func NewCell() *Cell {
	return &Cell{done: make(chan struct{})}
}

// Complete records the outcome and wakes the waiter. Calls after the first are ignored.
func (c *Cell) Complete(status transport.Status, length int) {
	c.once.Do(func() {
		c.status = status
		c.length = length
		close(c.done)
	})
}

// Done returns a channel closed once Complete has run.
func (c *Cell) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until Complete has run and returns the recorded outcome.
func (c *Cell) Wait() (transport.Status, int) {
	<-c.done
	return c.status, c.length
}

// Result is the outcome of a submitted operation.
type Result struct {
	// Deferred is true when the operation went through the callback path
	Deferred bool

	// Length reported by the callback; -1 when the transport did not report one
	Length int
}

// Op issues one transport call with cb as its completion callback.
type Op func(cb transport.Callback) (transport.Request, transport.Status)

// Submit runs op and waits for it to finish.
//
// An immediate StatusOK returns without waiting. StatusInProgress blocks until
// the callback fires, then frees the request. Any other status, immediate or
// delivered through the callback, is returned as a *transport.StatusError.
func Submit(name string, op Op) (Result, error) {
	cell := NewCell()
	req, status := op(cell.Complete)

	switch {
	case status == transport.StatusOK:
		return Result{Length: -1}, nil
	case status == transport.StatusInProgress:
		final, length := cell.Wait()
		if req != nil {
			req.Free()
		}
		if final != transport.StatusOK {
			return Result{Deferred: true, Length: length}, transport.NewStatusError(name, final)
		}
		return Result{Deferred: true, Length: length}, nil
	default:
		return Result{Length: -1}, transport.NewStatusError(name, status)
	}
}

// SubmitContext is Submit with a context check before submission. A submitted
// operation is always awaited to completion, because nothing can withdraw it
// from the transport.
func SubmitContext(ctx context.Context, name string, op Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Length: -1}, err
	}
	return Submit(name, op)
}
