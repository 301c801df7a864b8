package am

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/najoast/amlink/metrics"
	"github.com/najoast/amlink/transport"
)

// Worker owns the active message handlers of one transport worker.
type Worker struct {
	native  transport.Worker
	opts    WorkerOptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[uint32]*Handler
}

// NewWorker wraps a transport worker.
func NewWorker(native transport.Worker, opts WorkerOptions) *Worker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultWorkerOptions().QueueCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name != "" {
		logger = logger.With(zap.String("worker", opts.Name))
	}

	return &Worker{
		native:   native,
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		handlers: make(map[uint32]*Handler),
	}
}

// Handle returns the underlying transport worker.
func (w *Worker) Handle() transport.Worker {
	return w.native
}

// Register installs the handler for id. Registering an id twice returns the
// existing handler without touching the transport.
func (w *Worker) Register(id uint32) (*Handler, error) {
	w.mu.RLock()
	h, exists := w.handlers[id]
	w.mu.RUnlock()
	if exists {
		return h, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Re-check after taking the write lock
	if h, exists := w.handlers[id]; exists {
		return h, nil
	}

	h = newHandler(id, w)
	if status := w.native.SetAMRecvHandler(id, h.arrive); status != transport.StatusOK {
		return nil, fmt.Errorf("failed to register am handler %d: %w",
			id, transport.NewStatusError("set_am_recv_handler", status))
	}
	w.handlers[id] = h

	w.metrics.HandlerRegistered()
	w.logger.Debug("Registered am handler", zap.Uint32("am_id", id))
	return h, nil
}

// Unregister removes the handler for id. Messages already queued stay
// available to holders of the *Handler. It returns false if id was not registered.
func (w *Worker) Unregister(id uint32) bool {
	w.mu.Lock()
	h, exists := w.handlers[id]
	status := transport.StatusOK
	if exists {
		delete(w.handlers, id)
		status = w.native.SetAMRecvHandler(id, nil)
	}
	w.mu.Unlock()

	if !exists {
		return false
	}
	if status != transport.StatusOK {
		w.logger.Warn("Failed to uninstall am handler",
			zap.Uint32("am_id", id), zap.Stringer("status", status))
	}

	h.unregister()
	w.metrics.HandlerUnregistered()
	w.logger.Debug("Unregistered am handler",
		zap.Uint32("am_id", id), zap.Int("pending", h.Len()))
	return true
}

// Handler returns the registered handler for id.
func (w *Worker) Handler(id uint32) (*Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, exists := w.handlers[id]
	return h, exists
}

// Handlers returns the registered ids in ascending order.
func (w *Worker) Handlers() []uint32 {
	w.mu.RLock()
	ids := make([]uint32, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Recv waits for the next message with the given id.
func (w *Worker) Recv(ctx context.Context, id uint32) (*Msg, error) {
	h, exists := w.Handler(id)
	if !exists {
		return nil, fmt.Errorf("am %d: %w", id, ErrNotRegistered)
	}
	return h.Recv(ctx)
}

// NewEndpoint wraps a transport endpoint for sending through this worker.
func (w *Worker) NewEndpoint(handle transport.Endpoint) *Endpoint {
	return &Endpoint{worker: w, handle: handle}
}

// Polling drives the transport until ctx is done. Arrival and completion
// callbacks run on the calling goroutine.
func (w *Worker) Polling(ctx context.Context) error {
	w.logger.Debug("Worker polling started")
	defer w.logger.Debug("Worker polling stopped")

	for {
		// drain every ready callback before sleeping
		for w.native.Progress() > 0 {
			continue
		}

		if err := w.native.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker wait failed: %w", err)
		}
	}
}
