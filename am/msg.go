package am

import (
	"context"
	"fmt"
	"sync"

	"github.com/najoast/amlink/completion"
	"github.com/najoast/amlink/transport"
)

// Msg is a received active message.
//
// The payload can be retrieved once; later retrievals return no data. A Msg
// holding a transport descriptor must be closed so the descriptor goes back
// to the transport.
type Msg struct {
	worker *Worker

	mu  sync.Mutex
	msg *rawMsg
}

func newMsg(w *Worker, raw *rawMsg) *Msg {
	return &Msg{worker: w, msg: raw}
}

// ID returns the message id.
func (m *Msg) ID() uint32 {
	return m.msg.id
}

// Header returns the header bytes.
func (m *Msg) Header() []byte {
	return m.msg.header
}

// ContainsData reports whether an unconsumed payload remains.
func (m *Msg) ContainsData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msg.data != nil
}

// DataType returns how the unconsumed payload is held.
func (m *Msg) DataType() (DataType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msg.data == nil {
		return 0, false
	}
	return m.msg.data.kind, true
}

// DataLen returns the payload length, 0 once consumed.
func (m *Msg) DataLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msg.data == nil {
		return 0
	}
	return m.msg.data.length
}

// Data returns the resident payload bytes without consuming them. It returns
// nil for rendezvous data. DataDesc bytes belong to the transport and are only
// valid until the message is closed or its data received.
func (m *Msg) Data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msg.data == nil {
		return nil
	}
	return m.msg.data.resident()
}

// NeedReply reports whether the sender expects a reply and left a reply endpoint.
func (m *Msg) NeedReply() bool {
	return m.msg.attr.Has(transport.RecvAttrReplyEP) && m.msg.replyEP != nil
}

// ReplyEndpoint returns the endpoint replies are sent to, nil if none.
func (m *Msg) ReplyEndpoint() transport.Endpoint {
	if !m.NeedReply() {
		return nil
	}
	return m.msg.replyEP
}

// RecvData returns the payload in a new buffer. Eager payloads are handed
// over without copying.
func (m *Msg) RecvData(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	data := m.msg.data
	if data == nil {
		m.mu.Unlock()
		return []byte{}, nil
	}
	if data.kind == DataEager {
		m.msg.data = nil
		m.mu.Unlock()
		m.worker.metrics.DataReceived(data.length)
		return data.buf, nil
	}
	m.mu.Unlock()

	buf := make([]byte, data.length)
	n, err := m.RecvDataSingle(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RecvDataSingle copies the payload into buf and returns the bytes written.
func (m *Msg) RecvDataSingle(ctx context.Context, buf []byte) (int, error) {
	return m.RecvDataVectored(ctx, [][]byte{buf})
}

// RecvDataVectored scatters the payload across bufs and returns the bytes written.
//
// Descriptor payloads are pulled from the transport and the call blocks until
// the pull completes. It fails with ErrBufferTooSmall, leaving the payload in
// place, when bufs cannot hold it.
func (m *Msg) RecvDataVectored(ctx context.Context, bufs [][]byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.msg.data
	if data == nil {
		return 0, nil
	}

	if capacity := transport.BufferLen(bufs); capacity < data.length {
		return 0, fmt.Errorf("am %d: %w: need %d bytes, have %d",
			m.msg.id, ErrBufferTooSmall, data.length, capacity)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// From here on the payload is consumed, whatever the pull reports
	m.msg.data = nil

	if data.kind == DataEager {
		n := transport.Scatter(bufs, data.buf)
		m.worker.metrics.DataReceived(n)
		return n, nil
	}

	param := &transport.RequestParam{DataType: transport.DataContig}
	if len(bufs) != 1 {
		param.DataType = transport.DataIOV
	}

	native := m.worker.native
	_, err := completion.Submit("am_recv_data", func(cb transport.Callback) (transport.Request, transport.Status) {
		param.Callback = cb
		return native.AMRecvData(data.desc, bufs, param)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive data of am %d: %w", m.msg.id, err)
	}

	m.worker.metrics.DataReceived(data.length)
	return data.length, nil
}

// Reply sends a message to the reply endpoint. It fails with
// ErrNoReplyEndpoint when NeedReply is false.
func (m *Msg) Reply(ctx context.Context, id uint32, header, data []byte, needReply bool, proto Proto) error {
	return m.ReplyVectored(ctx, id, header, [][]byte{data}, needReply, proto)
}

// ReplyVectored is Reply with a scatter/gather payload.
func (m *Msg) ReplyVectored(ctx context.Context, id uint32, header []byte, bufs [][]byte, needReply bool, proto Proto) error {
	if !m.NeedReply() {
		return fmt.Errorf("reply to am %d: %w", m.msg.id, ErrNoReplyEndpoint)
	}
	return m.worker.send(ctx, m.msg.replyEP, id, header, bufs, needReply, proto)
}

// Close releases an unconsumed descriptor back to the transport. It is safe
// to call more than once.
func (m *Msg) Close() error {
	m.mu.Lock()
	data := m.msg.data
	m.msg.data = nil
	m.mu.Unlock()

	if data.retained() {
		m.worker.native.AMDataRelease(data.desc)
		m.worker.metrics.DescriptorReleased()
	}
	return nil
}
