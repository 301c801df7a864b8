package am

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/najoast/amlink/transport"
)

// compactThreshold is the number of consumed slots after which a busy queue is shifted down.
const compactThreshold = 64

// Handler queues the messages that arrive for one id.
//
// A Handler is shared by its Worker and any caller that obtained it from
// Register. After Unregister it stops accepting arrivals but keeps handing
// out the messages already queued, then reports ErrUnregistered.
type Handler struct {
	id     uint32
	worker *Worker

	mu           sync.Mutex
	queue        []*rawMsg
	head         int
	unregistered bool

	// notify holds at most one wake-up permit
	notify chan struct{}

	// closed is closed on unregistration and wakes every waiter
	closed    chan struct{}
	closeOnce sync.Once
}

func newHandler(id uint32, w *Worker) *Handler {
	return &Handler{
		id:     id,
		worker: w,
		queue:  make([]*rawMsg, 0, w.opts.QueueCapacity),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// ID returns the message id served by this handler.
func (h *Handler) ID() uint32 {
	return h.id
}

// Len returns the number of queued messages.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue) - h.head
}

// Unregistered reports whether the handler was unregistered.
func (h *Handler) Unregistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregistered
}

// Recv blocks until a message is available. Once the handler is unregistered
// and its queue is empty it returns ErrUnregistered on every call.
func (h *Handler) Recv(ctx context.Context) (*Msg, error) {
	for {
		h.mu.Lock()
		raw := h.pop()
		unregistered := h.unregistered
		h.mu.Unlock()

		if raw != nil {
			return newMsg(h.worker, raw), nil
		}
		if unregistered {
			return nil, ErrUnregistered
		}

		select {
		case <-h.notify:
		case <-h.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv returns a queued message without blocking.
func (h *Handler) TryRecv() (*Msg, bool) {
	h.mu.Lock()
	raw := h.pop()
	h.mu.Unlock()

	if raw == nil {
		return nil, false
	}
	return newMsg(h.worker, raw), true
}

// arrive is the transport callback. It runs inside the worker progress step.
func (h *Handler) arrive(header []byte, p *transport.AMRecvParam) transport.Status {
	raw := newRawMsg(h.id, header, p)

	// raw belongs to the consumer once queued, so decide everything first
	status := transport.StatusOK
	if raw.data.retained() {
		status = transport.StatusInProgress
	}
	label := "none"
	if raw.data != nil {
		label = raw.data.kind.String()
	}

	h.mu.Lock()
	if h.unregistered {
		h.mu.Unlock()
		h.worker.metrics.MessageDropped()
		h.worker.logger.Debug("Dropping active message for unregistered handler",
			zap.Uint32("am_id", h.id))
		return transport.StatusOK
	}
	h.queue = append(h.queue, raw)
	h.mu.Unlock()

	h.worker.metrics.MessageReceived(label)
	h.signal()
	return status
}

// unregister marks the handler and wakes all waiters.
func (h *Handler) unregister() {
	h.mu.Lock()
	h.unregistered = true
	h.mu.Unlock()

	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

// pop removes the oldest message; h.mu must be held.
func (h *Handler) pop() *rawMsg {
	if h.head == len(h.queue) {
		return nil
	}

	raw := h.queue[h.head]
	h.queue[h.head] = nil
	h.head++

	if h.head == len(h.queue) {
		h.queue = h.queue[:0]
		h.head = 0
	} else {
		if h.head >= compactThreshold && h.head*2 >= len(h.queue) {
			n := copy(h.queue, h.queue[h.head:])
			for i := n; i < len(h.queue); i++ {
				h.queue[i] = nil
			}
			h.queue = h.queue[:n]
			h.head = 0
		}
		// pass the wake-up on so a second waiter sees the remaining messages
		h.signal()
	}
	return raw
}

// signal stores a wake-up permit if none is pending.
func (h *Handler) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}
