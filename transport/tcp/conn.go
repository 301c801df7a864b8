package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/najoast/amlink/transport"
)

var errConnClosed = errors.New("connection closed")

// Conn is one TCP connection. It implements transport.Endpoint and is handed
// to arrival callbacks as the reply endpoint.
type Conn struct {
	id     string
	worker *Worker
	nc     net.Conn
	logger *zap.Logger

	out       chan outFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	dead      bool
	nextToken uint64
	sends     map[uint64]*pendingOp
	pulls     map[uint64]*pendingOp

	// Statistics
	bytesRead     int64
	bytesWritten  int64
	framesRead    int64
	framesWritten int64
}

// outFrame is one frame queued for the write loop.
type outFrame struct {
	bufs net.Buffers

	// written runs after the frame reached the socket
	written func()
}

// pendingOp is a rendezvous send waiting for GET or RELEASE, or a pull
// waiting for DATA.
type pendingOp struct {
	bufs   [][]byte
	length int
	cb     transport.Callback
}

func newConn(w *Worker, nc net.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		worker: w,
		nc:     nc,
		logger: w.logger.With(zap.String("conn_id", id)),
		out:    make(chan outFrame, w.cfg.SendQueueSize),
		closed: make(chan struct{}),
		sends:  make(map[uint64]*pendingOp),
		pulls:  make(map[uint64]*pendingOp),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local address
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close closes the connection. Pending rendezvous sends and pulls complete
// with StatusErrConnectionReset.
func (c *Conn) Close() error {
	c.fail(errConnClosed)
	return nil
}

// AMSend implements transport.Endpoint.
func (c *Conn) AMSend(id uint32, header []byte, bufs [][]byte, param *transport.RequestParam) (transport.Request, transport.Status) {
	if c.isClosed() {
		return nil, transport.StatusErrConnectionReset
	}

	length := transport.BufferLen(bufs)
	fh := frameHeader{id: id, headerLen: uint32(len(header)), dataLen: uint64(length)}
	if param.Flags.Has(transport.SendFlagReply) {
		fh.flags |= flagReply
	}

	if len(header) > c.worker.cfg.MaxFrameSize {
		return nil, transport.StatusErrInvalidParam
	}

	if c.worker.useEager(length, len(header), param.Flags) {
		fh.typ = frameEager
		frame := make([]byte, frameHeaderSize, frameHeaderSize+len(header)+length)
		fh.encode(frame)
		frame = append(frame, header...)
		for _, b := range bufs {
			frame = append(frame, b...)
		}
		if !c.enqueue(outFrame{bufs: net.Buffers{frame}}) {
			return nil, transport.StatusErrConnectionReset
		}
		return nil, transport.StatusOK
	}

	if length > c.worker.cfg.MaxRndvSize {
		return nil, transport.StatusErrInvalidParam
	}

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, transport.StatusErrConnectionReset
	}
	c.nextToken++
	fh.token = c.nextToken
	c.sends[fh.token] = &pendingOp{bufs: bufs, length: length, cb: param.Callback}
	c.mu.Unlock()

	fh.typ = frameRTS
	frame := append(fh.bytes(), header...)

	// On failure the connection teardown reports the pending send
	c.enqueue(outFrame{bufs: net.Buffers{frame}})
	return &request{}, transport.StatusInProgress
}

// pull asks the sender for the payload of d and scatters it into bufs.
func (c *Conn) pull(d *descriptor, bufs [][]byte, cb transport.Callback) (transport.Request, transport.Status) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, transport.StatusErrConnectionReset
	}
	c.pulls[d.token] = &pendingOp{bufs: bufs, length: d.length, cb: cb}
	c.mu.Unlock()

	get := frameHeader{typ: frameGet, token: d.token, dataLen: uint64(d.length)}
	c.enqueue(outFrame{bufs: net.Buffers{get.bytes()}})
	return &request{}, transport.StatusInProgress
}

// release tells the sender a rendezvous payload will not be pulled.
func (c *Conn) release(token uint64, flags uint8) {
	rel := frameHeader{typ: frameRelease, flags: flags, token: token}
	c.enqueue(outFrame{bufs: net.Buffers{rel.bytes()}})
}

// enqueue hands f to the write loop; it fails once the connection is gone.
func (c *Conn) enqueue(f outFrame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.out <- f:
		return true
	case <-c.closed:
		return false
	}
}

// completeSend finishes a rendezvous send exactly once.
func (c *Conn) completeSend(token uint64, status transport.Status) {
	c.mu.Lock()
	op := c.sends[token]
	delete(c.sends, token)
	c.mu.Unlock()

	if op == nil {
		c.logger.Debug("Completion for unknown send token", zap.Uint64("token", token))
		return
	}
	c.post(op.cb, status, op.length)
}

func (c *Conn) post(cb transport.Callback, status transport.Status, length int) {
	if cb == nil {
		return
	}
	c.worker.events.Post(func() { cb(status, length) })
}

// readLoop reads frames until the connection fails.
func (c *Conn) readLoop() error {
	headerBuf := make([]byte, frameHeaderSize)
	for {
		if err := c.readFull(headerBuf); err != nil {
			c.fail(err)
			return nil
		}

		fh, err := decodeFrameHeader(headerBuf, c.worker.cfg.MaxFrameSize, c.worker.cfg.MaxRndvSize)
		if err != nil {
			c.logger.Warn("Invalid frame", zap.Error(err))
			c.fail(err)
			return nil
		}

		if err := c.handleFrame(fh); err != nil {
			c.fail(err)
			return nil
		}
		atomic.AddInt64(&c.framesRead, 1)
	}
}

func (c *Conn) handleFrame(fh frameHeader) error {
	var header []byte
	if fh.headerLen > 0 {
		header = make([]byte, fh.headerLen)
		if err := c.readFull(header); err != nil {
			return fmt.Errorf("failed to read message header: %w", err)
		}
	}

	switch fh.typ {
	case frameEager:
		return c.handleEager(fh, header)

	case frameRTS:
		param := c.recvParam(fh)
		d := &descriptor{conn: c, rndv: true, token: fh.token, length: int(fh.dataLen)}
		param.Attr |= transport.RecvAttrRndv
		param.Desc = d
		param.Length = d.length
		c.worker.events.Post(func() { c.worker.deliver(fh.id, header, param, d) })
		return nil

	case frameGet:
		c.mu.Lock()
		op := c.sends[fh.token]
		c.mu.Unlock()
		if op == nil {
			c.logger.Debug("GET for unknown send token", zap.Uint64("token", fh.token))
			return nil
		}

		data := frameHeader{typ: frameData, token: fh.token, dataLen: uint64(op.length)}
		bufs := append(net.Buffers{data.bytes()}, op.bufs...)
		token := fh.token
		c.enqueue(outFrame{bufs: bufs, written: func() {
			c.completeSend(token, transport.StatusOK)
		}})
		return nil

	case frameData:
		return c.handleData(fh)

	case frameRelease:
		status := transport.StatusOK
		if fh.flags&flagTruncated != 0 {
			status = transport.StatusErrMessageTruncated
		}
		c.completeSend(fh.token, status)
		return nil
	}
	return nil
}

func (c *Conn) handleEager(fh frameHeader, header []byte) error {
	data := make([]byte, fh.dataLen)
	if err := c.readFull(data); err != nil {
		return fmt.Errorf("failed to read eager payload: %w", err)
	}

	param := c.recvParam(fh)
	param.Data = data
	param.Length = len(data)

	var d *descriptor
	if len(data) > c.worker.cfg.ScratchThreshold {
		d = &descriptor{conn: c, buf: data, length: len(data)}
		param.Attr |= transport.RecvAttrData
		param.Desc = d
	}
	c.worker.events.Post(func() { c.worker.deliver(fh.id, header, param, d) })
	return nil
}

func (c *Conn) handleData(fh frameHeader) error {
	c.mu.Lock()
	op := c.pulls[fh.token]
	delete(c.pulls, fh.token)
	c.mu.Unlock()

	if op == nil {
		c.logger.Debug("DATA for unknown pull token", zap.Uint64("token", fh.token))
		n, err := io.CopyN(io.Discard, c.nc, int64(fh.dataLen))
		atomic.AddInt64(&c.bytesRead, n)
		return err
	}

	if fh.dataLen > uint64(transport.BufferLen(op.bufs)) {
		c.post(op.cb, transport.StatusErrMessageTruncated, 0)
		return fmt.Errorf("data frame of %d bytes exceeds pull buffers", fh.dataLen)
	}

	remaining := int(fh.dataLen)
	for _, b := range op.bufs {
		if remaining == 0 {
			break
		}
		if len(b) > remaining {
			b = b[:remaining]
		}
		if err := c.readFull(b); err != nil {
			c.post(op.cb, transport.StatusErrConnectionReset, 0)
			return fmt.Errorf("failed to read rendezvous payload: %w", err)
		}
		remaining -= len(b)
	}

	c.post(op.cb, transport.StatusOK, int(fh.dataLen))
	return nil
}

func (c *Conn) recvParam(fh frameHeader) *transport.AMRecvParam {
	param := &transport.AMRecvParam{}
	if fh.flags&flagReply != 0 {
		param.Attr |= transport.RecvAttrReplyEP
		param.ReplyEP = c
	}
	return param
}

// writeLoop writes queued frames until the connection fails.
func (c *Conn) writeLoop() error {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f.bufs); err != nil {
				c.fail(err)
				return nil
			}
			atomic.AddInt64(&c.framesWritten, 1)
			if f.written != nil {
				f.written()
			}
		case <-c.closed:
			return nil
		}
	}
}

func (c *Conn) write(bufs net.Buffers) error {
	if timeout := c.worker.cfg.WriteTimeout; timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := bufs.WriteTo(c.nc)
	atomic.AddInt64(&c.bytesWritten, n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFull reads exactly len(buf) bytes
func (c *Conn) readFull(buf []byte) error {
	n, err := io.ReadFull(c.nc, buf)
	atomic.AddInt64(&c.bytesRead, int64(n))
	return err
}

// fail tears the connection down once and reports every pending operation
// with StatusErrConnectionReset.
func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()

		c.mu.Lock()
		c.dead = true
		sends, pulls := c.sends, c.pulls
		c.sends, c.pulls = nil, nil
		c.mu.Unlock()

		c.worker.removeConn(c)

		if errors.Is(cause, errConnClosed) {
			c.logger.Debug("Connection closed")
		} else {
			c.logger.Info("Connection lost", zap.Error(cause),
				zap.Int("pending_sends", len(sends)), zap.Int("pending_pulls", len(pulls)))
		}

		for _, op := range sends {
			c.post(op.cb, transport.StatusErrConnectionReset, 0)
		}
		for _, op := range pulls {
			c.post(op.cb, transport.StatusErrConnectionReset, 0)
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Stats returns the connection statistics.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		ConnID:        c.id,
		BytesRead:     atomic.LoadInt64(&c.bytesRead),
		BytesWritten:  atomic.LoadInt64(&c.bytesWritten),
		FramesRead:    atomic.LoadInt64(&c.framesRead),
		FramesWritten: atomic.LoadInt64(&c.framesWritten),
		RemoteAddr:    c.RemoteAddr().String(),
		LocalAddr:     c.LocalAddr().String(),
	}
}

// ConnStats holds statistics for a connection
type ConnStats struct {
	ConnID        string `json:"conn_id"`
	BytesRead     int64  `json:"bytes_read"`
	BytesWritten  int64  `json:"bytes_written"`
	FramesRead    int64  `json:"frames_read"`
	FramesWritten int64  `json:"frames_written"`
	RemoteAddr    string `json:"remote_addr"`
	LocalAddr     string `json:"local_addr"`
}

// String returns the string representation of connection statistics
func (s ConnStats) String() string {
	return fmt.Sprintf("Conn[%s] BytesR/W=%d/%d FramesR/W=%d/%d Remote=%s",
		s.ConnID, s.BytesRead, s.BytesWritten, s.FramesRead, s.FramesWritten, s.RemoteAddr)
}
