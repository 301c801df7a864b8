// Package tcp provides an active message transport over TCP connections.
//
// Small payloads travel inline in eager frames. Larger ones are announced with
// an RTS frame and stay in the sender's buffers until the receiver pulls them
// with GET or gives them up with RELEASE.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/amlink/transport"
	"github.com/najoast/amlink/transport/progress"
)

// ErrWorkerClosed is returned by operations on a closed worker.
var ErrWorkerClosed = errors.New("tcp worker closed")

// Config holds the tcp transport settings.
type Config struct {
	// EagerThreshold is the largest payload sent inline; larger ones use rendezvous
	EagerThreshold int

	// ScratchThreshold is the largest inline payload delivered in a scratch
	// buffer; larger inline payloads are retained as data descriptors
	ScratchThreshold int

	// MaxFrameSize bounds the header and inline payload of one frame
	MaxFrameSize int

	// MaxRndvSize bounds a rendezvous payload in either direction
	MaxRndvSize int

	// WriteTimeout bounds a single frame write; 0 disables it
	WriteTimeout time.Duration

	// KeepAlive enables TCP keepalive with KeepAliveInterval
	KeepAlive         bool
	KeepAliveInterval time.Duration

	// SendQueueSize is the number of frames queued per connection
	SendQueueSize int
}

// DefaultConfig returns the default tcp settings.
func DefaultConfig() Config {
	return Config{
		EagerThreshold:    64 << 10,
		ScratchThreshold:  8 << 10,
		MaxFrameSize:      64 << 20,
		MaxRndvSize:       1 << 30,
		WriteTimeout:      30 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 30 * time.Second,
		SendQueueSize:     256,
	}
}

// Worker owns a set of connections and drives their callbacks from Progress.
type Worker struct {
	cfg    Config
	id     string
	logger *zap.Logger
	events *progress.Queue

	mu       sync.Mutex
	handlers map[uint32]transport.AMRecvFunc
	conns    map[string]*Conn
	listener net.Listener
	accepted chan *Conn

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	closed int32

	outstanding int64
}

// NewWorker creates a worker. A nil logger disables logging.
func NewWorker(cfg Config, logger *zap.Logger) *Worker {
	defaults := DefaultConfig()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaults.MaxFrameSize
	}
	if cfg.MaxRndvSize <= 0 {
		cfg.MaxRndvSize = defaults.MaxRndvSize
	}
	if cfg.EagerThreshold < 0 {
		cfg.EagerThreshold = 0
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaults.SendQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Worker{
		cfg:      cfg,
		id:       id,
		logger:   logger.With(zap.String("tcp_worker", id)),
		events:   progress.NewQueue(),
		handlers: make(map[uint32]transport.AMRecvFunc),
		conns:    make(map[string]*Conn),
		accepted: make(chan *Conn, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the unique worker id.
func (w *Worker) ID() string {
	return w.id
}

// Outstanding returns the number of descriptors retained by callbacks and
// not yet pulled or released.
func (w *Worker) Outstanding() int {
	return int(atomic.LoadInt64(&w.outstanding))
}

// Listen starts accepting connections on addr and returns the bound address.
func (w *Worker) Listen(addr string) (net.Addr, error) {
	if w.isClosed() {
		return nil, ErrWorkerClosed
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	w.mu.Lock()
	if w.listener != nil {
		w.mu.Unlock()
		listener.Close()
		return nil, fmt.Errorf("worker is already listening on %s", w.listener.Addr())
	}
	w.listener = listener
	w.mu.Unlock()

	w.group.Go(func() error {
		return w.acceptLoop(listener)
	})

	w.logger.Info("Listening", zap.Stringer("address", listener.Addr()))
	return listener.Addr(), nil
}

// Accept returns the next inbound connection.
func (w *Worker) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-w.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, ErrWorkerClosed
	}
}

// Dial connects to addr.
func (w *Worker) Dial(ctx context.Context, addr string) (*Conn, error) {
	if w.isClosed() {
		return nil, ErrWorkerClosed
	}

	dialer := net.Dialer{}
	if w.cfg.KeepAlive {
		dialer.KeepAlive = w.cfg.KeepAliveInterval
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, err := w.addConn(nc)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("Connected", zap.String("conn_id", c.id), zap.String("address", addr))
	return c, nil
}

// Conns returns the live connections.
func (w *Worker) Conns() []*Conn {
	w.mu.Lock()
	defer w.mu.Unlock()

	conns := make([]*Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	return conns
}

// Close stops the listener, closes every connection and waits for their
// goroutines. Pending operations fail with StatusErrConnectionReset.
func (w *Worker) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	w.cancel()

	w.mu.Lock()
	listener := w.listener
	w.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	for _, c := range w.Conns() {
		c.Close()
	}

	err := w.group.Wait()
	w.logger.Info("Worker closed")
	return err
}

// SetAMRecvHandler implements transport.Worker.
func (w *Worker) SetAMRecvHandler(id uint32, cb transport.AMRecvFunc) transport.Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb == nil {
		delete(w.handlers, id)
	} else {
		w.handlers[id] = cb
	}
	return transport.StatusOK
}

// Progress implements transport.Worker.
func (w *Worker) Progress() int {
	return w.events.Run()
}

// Wait implements transport.Worker.
func (w *Worker) Wait(ctx context.Context) error {
	return w.events.Wait(ctx)
}

// AMRecvData implements transport.Worker.
func (w *Worker) AMRecvData(desc transport.Descriptor, bufs [][]byte, param *transport.RequestParam) (transport.Request, transport.Status) {
	d, ok := desc.(*descriptor)
	if !ok || d.conn.worker != w || !d.claim() {
		return nil, transport.StatusErrInvalidParam
	}
	atomic.AddInt64(&w.outstanding, -1)

	if transport.BufferLen(bufs) < d.length {
		if d.rndv {
			d.conn.release(d.token, flagTruncated)
		}
		return nil, transport.StatusErrMessageTruncated
	}

	if !d.rndv {
		transport.Scatter(bufs, d.buf)
		return nil, transport.StatusOK
	}
	return d.conn.pull(d, bufs, param.Callback)
}

// AMDataRelease implements transport.Worker.
func (w *Worker) AMDataRelease(desc transport.Descriptor) {
	d, ok := desc.(*descriptor)
	if !ok || d.conn.worker != w || !d.claim() {
		w.logger.Warn("Ignoring release of unknown or consumed descriptor")
		return
	}
	atomic.AddInt64(&w.outstanding, -1)

	if d.rndv {
		d.conn.release(d.token, 0)
	}
}

// useEager decides between an eager frame and a rendezvous.
func (w *Worker) useEager(length, headerLen int, flags transport.SendFlags) bool {
	if headerLen+length > w.cfg.MaxFrameSize {
		return false
	}
	switch {
	case length == 0:
		return true
	case flags.Has(transport.SendFlagRndv):
		return false
	case flags.Has(transport.SendFlagEager):
		return true
	default:
		return length <= w.cfg.EagerThreshold
	}
}

// deliver runs the arrival callback for one message. It runs inside Progress.
func (w *Worker) deliver(id uint32, header []byte, param *transport.AMRecvParam, d *descriptor) {
	w.mu.Lock()
	cb := w.handlers[id]
	w.mu.Unlock()

	if cb == nil {
		w.logger.Debug("No handler for active message, dropping", zap.Uint32("am_id", id))
		if d != nil && d.claim() && d.rndv {
			d.conn.release(d.token, 0)
		}
		return
	}

	status := cb(header, param)
	if d == nil {
		return
	}

	if status == transport.StatusInProgress {
		atomic.AddInt64(&w.outstanding, 1)
		return
	}
	if d.claim() && d.rndv {
		d.conn.release(d.token, 0)
	}
}

func (w *Worker) acceptLoop(listener net.Listener) error {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if w.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			w.logger.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		c, err := w.addConn(nc)
		if err != nil {
			return nil
		}
		w.logger.Debug("Accepted connection",
			zap.String("conn_id", c.id), zap.Stringer("remote", nc.RemoteAddr()))

		select {
		case w.accepted <- c:
		case <-w.ctx.Done():
			return nil
		}
	}
}

// addConn wraps nc and starts its read and write loops.
func (w *Worker) addConn(nc net.Conn) (*Conn, error) {
	if tcpConn, ok := nc.(*net.TCPConn); ok && w.cfg.KeepAlive {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(w.cfg.KeepAliveInterval)
	}

	c := newConn(w, nc)

	w.mu.Lock()
	if w.isClosed() {
		w.mu.Unlock()
		nc.Close()
		return nil, ErrWorkerClosed
	}
	w.conns[c.id] = c
	w.group.Go(c.readLoop)
	w.group.Go(c.writeLoop)
	w.mu.Unlock()

	return c, nil
}

func (w *Worker) removeConn(c *Conn) {
	w.mu.Lock()
	delete(w.conns, c.id)
	w.mu.Unlock()
}

func (w *Worker) isClosed() bool {
	return atomic.LoadInt32(&w.closed) != 0
}

// descriptor is a received payload retained by a callback.
type descriptor struct {
	conn   *Conn
	rndv   bool
	buf    []byte
	token  uint64
	length int

	claimed int32
}

// Len implements transport.Descriptor.
func (d *descriptor) Len() int {
	return d.length
}

// claim marks the descriptor consumed; it succeeds once.
func (d *descriptor) claim() bool {
	return atomic.CompareAndSwapInt32(&d.claimed, 0, 1)
}

// request is the continuation token of a deferred operation.
type request struct{}

// Free implements transport.Request.
func (r *request) Free() {}
