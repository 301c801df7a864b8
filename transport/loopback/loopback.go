// Package loopback provides an in-process transport with eager, data and rendezvous delivery.
//
// Every worker owns an event queue. Sends post delivery events to the remote
// worker and callbacks run only inside that worker's Progress, which mirrors
// how a native transport drives its callbacks from a progress step.
package loopback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/najoast/amlink/transport"
	"github.com/najoast/amlink/transport/progress"
)

// scribble is written over eager scratch buffers once the arrival callback
// returns, the same way a transport reuses its receive buffers.
const scribble = 0xA5

// Config controls how payloads are delivered.
type Config struct {
	// EagerThreshold is the largest payload delivered inline
	EagerThreshold int

	// RndvThreshold is the smallest payload delivered by rendezvous
	RndvThreshold int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		EagerThreshold: 8 << 10,
		RndvThreshold:  64 << 10,
	}
}

type protocol int

const (
	protoEager protocol = iota
	protoData
	protoRndv
)

func (c Config) protocolFor(length int, flags transport.SendFlags) protocol {
	switch {
	case length == 0:
		return protoEager
	case flags.Has(transport.SendFlagRndv):
		return protoRndv
	case flags.Has(transport.SendFlagEager):
		return protoEager
	case length <= c.EagerThreshold:
		return protoEager
	case length >= c.RndvThreshold:
		return protoRndv
	default:
		return protoData
	}
}

// Fabric connects loopback workers.
type Fabric struct {
	cfg    Config
	logger *zap.Logger
}

// NewFabric creates a fabric. A nil logger disables logging.
func NewFabric(cfg Config, logger *zap.Logger) *Fabric {
	if cfg.EagerThreshold < 0 {
		cfg.EagerThreshold = 0
	}
	if cfg.RndvThreshold <= cfg.EagerThreshold {
		cfg.RndvThreshold = cfg.EagerThreshold + 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fabric{cfg: cfg, logger: logger}
}

// NewWorker creates a worker attached to the fabric.
func (f *Fabric) NewWorker(name string) *Worker {
	id := uuid.NewString()
	if name == "" {
		name = id
	}
	return &Worker{
		fabric:   f,
		id:       id,
		name:     name,
		logger:   f.logger.With(zap.String("loopback_worker", name)),
		handlers: make(map[uint32]transport.AMRecvFunc),
		events:   progress.NewQueue(),
	}
}

// Worker is a loopback transport worker.
type Worker struct {
	fabric *Fabric
	id     string
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[uint32]transport.AMRecvFunc
	events   *progress.Queue

	outstanding int64
}

// ID returns the unique worker id.
func (w *Worker) ID() string {
	return w.id
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Outstanding returns the number of descriptors retained by callbacks and not
// yet pulled or released.
func (w *Worker) Outstanding() int {
	return int(atomic.LoadInt64(&w.outstanding))
}

// Connect returns an endpoint from w to peer. Its reverse endpoint is handed
// to peer's callbacks as the reply endpoint.
func (w *Worker) Connect(peer *Worker) *Endpoint {
	ep := &Endpoint{local: w, remote: peer, state: &linkState{}}
	ep.reverse = &Endpoint{local: peer, remote: w, state: ep.state, reverse: ep}
	return ep
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
	if !ok || d.owner != w || !d.claim() {
		return nil, transport.StatusErrInvalidParam
	}
	atomic.AddInt64(&w.outstanding, -1)

	if transport.BufferLen(bufs) < d.length {
		d.finish(transport.StatusErrMessageTruncated)
		return nil, transport.StatusErrMessageTruncated
	}

	if d.kind == protoData {
		transport.Scatter(bufs, d.buf)
		d.finish(transport.StatusOK)
		return nil, transport.StatusOK
	}

	req := &request{}
	w.post(func() {
		if d.link.isClosed() {
			d.finish(transport.StatusErrConnectionReset)
			param.Callback(transport.StatusErrConnectionReset, 0)
			return
		}
		n := transport.CopyBuffers(bufs, d.src)
		d.finish(transport.StatusOK)
		param.Callback(transport.StatusOK, n)
	})
	return req, transport.StatusInProgress
}

// AMDataRelease implements transport.Worker.
func (w *Worker) AMDataRelease(desc transport.Descriptor) {
	d, ok := desc.(*descriptor)
	if !ok || d.owner != w || !d.claim() {
		w.logger.Warn("Ignoring release of unknown or consumed descriptor")
		return
	}
	atomic.AddInt64(&w.outstanding, -1)
	d.finish(transport.StatusOK)
}

// post queues ev for the next Progress call.
func (w *Worker) post(ev func()) {
	w.events.Post(ev)
}

func (w *Worker) handler(id uint32) transport.AMRecvFunc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[id]
}

// deliver runs the arrival callback for one message.
func (w *Worker) deliver(id uint32, header []byte, param *transport.AMRecvParam, d *descriptor) {
	cb := w.handler(id)
	if cb == nil {
		w.logger.Debug("No handler for active message, dropping", zap.Uint32("am_id", id))
		if d != nil {
			d.claim()
			d.finish(transport.StatusOK)
		}
		return
	}

	status := cb(header, param)

	if d == nil {
		for i := range param.Data {
			param.Data[i] = scribble
		}
		return
	}

	if status == transport.StatusInProgress {
		atomic.AddInt64(&w.outstanding, 1)
		return
	}
	if d.claim() {
		d.finish(transport.StatusOK)
	}
}

// Endpoint is a loopback endpoint.
type Endpoint struct {
	local   *Worker
	remote  *Worker
	reverse *Endpoint
	state   *linkState
}

type linkState struct {
	closed int32
}

func (s *linkState) isClosed() bool {
	return atomic.LoadInt32(&s.closed) != 0
}

// Reverse returns the endpoint pointing back at the local worker.
func (e *Endpoint) Reverse() *Endpoint {
	return e.reverse
}

// Close closes both directions of the link.
func (e *Endpoint) Close() error {
	atomic.StoreInt32(&e.state.closed, 1)
	return nil
}

// AMSend implements transport.Endpoint.
func (e *Endpoint) AMSend(id uint32, header []byte, bufs [][]byte, param *transport.RequestParam) (transport.Request, transport.Status) {
	if e.state.isClosed() {
		return nil, transport.StatusErrConnectionReset
	}

	hdr := make([]byte, len(header))
	copy(hdr, header)

	recv := &transport.AMRecvParam{}
	if param.Flags.Has(transport.SendFlagReply) {
		recv.Attr |= transport.RecvAttrReplyEP
		recv.ReplyEP = e.reverse
	}

	length := transport.BufferLen(bufs)
	remote := e.remote

	switch e.local.fabric.cfg.protocolFor(length, param.Flags) {
	case protoEager:
		recv.Data = transport.Gather(bufs)
		recv.Length = length
		remote.post(func() { remote.deliver(id, hdr, recv, nil) })
		return nil, transport.StatusOK

	case protoData:
		d := &descriptor{owner: remote, link: e.state, kind: protoData, buf: transport.Gather(bufs), length: length}
		recv.Attr |= transport.RecvAttrData
		recv.Data = d.buf
		recv.Desc = d
		recv.Length = length
		remote.post(func() { remote.deliver(id, hdr, recv, d) })
		return nil, transport.StatusOK

	default:
		req := &request{}
		d := &descriptor{
			owner:  remote,
			link:   e.state,
			kind:   protoRndv,
			src:    bufs,
			length: length,
			sender: e.local,
			sendCB: param.Callback,
		}
		recv.Attr |= transport.RecvAttrRndv
		recv.Desc = d
		recv.Length = length
		remote.post(func() { remote.deliver(id, hdr, recv, d) })
		return req, transport.StatusInProgress
	}
}

// descriptor is a payload retained on the receive side.
type descriptor struct {
	owner  *Worker
	link   *linkState
	kind   protocol
	buf    []byte
	src    [][]byte
	length int

	// rendezvous sender completion
	sender *Worker
	sendCB transport.Callback

	claimed  int32
	finished sync.Once
}

// Len implements transport.Descriptor.
func (d *descriptor) Len() int {
	return d.length
}

// claim marks the descriptor consumed; it succeeds once.
func (d *descriptor) claim() bool {
	return atomic.CompareAndSwapInt32(&d.claimed, 0, 1)
}

// finish completes the sender side of a rendezvous transfer.
func (d *descriptor) finish(status transport.Status) {
	d.finished.Do(func() {
		if d.sender == nil || d.sendCB == nil {
			return
		}
		cb, length := d.sendCB, d.length
		d.sender.post(func() { cb(status, length) })
	})
}

// request is the continuation token of a deferred loopback operation.
type request struct {
	freed int32
}

// Free implements transport.Request.
func (r *request) Free() {
	atomic.StoreInt32(&r.freed, 1)
}
