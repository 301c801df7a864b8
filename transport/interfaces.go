// Package transport defines the primitives a messaging transport exposes to the AM bridge
package transport

import (
	"context"
)

// RecvAttr carries the attribute bits of an arriving active message.
type RecvAttr uint64

const (
	// RecvAttrReplyEP means AMRecvParam.ReplyEP is valid
	RecvAttrReplyEP RecvAttr = 1 << 0

	// RecvAttrData means the payload lives in transport memory until released
	RecvAttrData RecvAttr = 1 << 16

	// RecvAttrRndv means the payload is not resident and must be pulled
	RecvAttrRndv RecvAttr = 1 << 17
)

// Has reports whether all bits of flag are set.
func (a RecvAttr) Has(flag RecvAttr) bool {
	return a&flag == flag
}

// SendFlags selects protocol and reply behavior for AMSend.
type SendFlags uint32

const (
	// SendFlagReply asks the receiver side to expose a reply endpoint
	SendFlagReply SendFlags = 1 << 0

	// SendFlagEager asks for inline transmission
	SendFlagEager SendFlags = 1 << 1

	// SendFlagRndv asks for a rendezvous (pull based) transfer
	SendFlagRndv SendFlags = 1 << 2
)

// Has reports whether all bits of flag are set.
func (f SendFlags) Has(flag SendFlags) bool {
	return f&flag == flag
}

// DataType describes the memory layout handed to a send or pull.
type DataType int

const (
	// DataContig is a single contiguous buffer
	DataContig DataType = iota

	// DataIOV is a scatter/gather list of buffers
	DataIOV
)

// String returns the string representation of DataType
func (d DataType) String() string {
	switch d {
	case DataContig:
		return "contig"
	case DataIOV:
		return "iov"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once when a deferred operation completes.
// length is the number of bytes transferred when the transport knows it.
type Callback func(status Status, length int)

// Request is the continuation token of an operation that returned StatusInProgress.
// It must be freed after its callback has fired.
type Request interface {
	Free()
}

// Descriptor identifies payload bytes held by the transport.
type Descriptor interface {
	// Len returns the payload length
	Len() int
}

// RequestParam carries per-operation parameters.
type RequestParam struct {
	// Flags for sends
	Flags SendFlags

	// DataType of the buffers
	DataType DataType

	// Callback fired on deferred completion
	Callback Callback
}

// AMRecvParam describes one arriving active message.
type AMRecvParam struct {
	// Attr holds the receive attribute bits
	Attr RecvAttr

	// ReplyEP is the endpoint replies go to; valid when Attr has RecvAttrReplyEP
	ReplyEP Endpoint

	// Data holds resident payload bytes. Without RecvAttrData they are valid
	// only until the callback returns.
	Data []byte

	// Desc is set when Attr has RecvAttrData or RecvAttrRndv
	Desc Descriptor

	// Length is the payload length
	Length int
}

// AMRecvFunc is the arrival callback installed per message id. It runs inside
// the worker's progress step and must not block. It returns StatusInProgress
// when it keeps Desc, StatusOK when the transport may reclaim the payload.
type AMRecvFunc func(header []byte, param *AMRecvParam) Status

// Worker is the progress-driving side of a transport.
type Worker interface {
	// SetAMRecvHandler installs cb for id; a nil cb removes the handler.
	SetAMRecvHandler(id uint32, cb AMRecvFunc) Status

	// Progress runs pending callbacks and returns how many events it handled.
	Progress() int

	// Wait blocks until Progress has work or ctx is done.
	Wait(ctx context.Context) error

	// AMRecvData pulls the payload of desc into bufs. The transport takes
	// ownership of desc once called; it must not be released afterwards.
	AMRecvData(desc Descriptor, bufs [][]byte, param *RequestParam) (Request, Status)

	// AMDataRelease returns a retained descriptor to the transport.
	AMDataRelease(desc Descriptor)
}

// Endpoint is a send-capable handle to a remote worker.
type Endpoint interface {
	// AMSend sends an active message. Buffers must stay untouched until the
	// operation completes.
	AMSend(id uint32, header []byte, bufs [][]byte, param *RequestParam) (Request, Status)
}

// BufferLen returns the total length of bufs.
func BufferLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// Scatter copies src across bufs in order and returns the bytes written.
func Scatter(bufs [][]byte, src []byte) int {
	written := 0
	for _, b := range bufs {
		if written == len(src) {
			break
		}
		written += copy(b, src[written:])
	}
	return written
}

// CopyBuffers copies the bytes of src into dst, both scatter/gather lists,
// and returns the bytes copied.
func CopyBuffers(dst, src [][]byte) int {
	copied := 0
	di, doff := 0, 0
	for _, s := range src {
		for len(s) > 0 && di < len(dst) {
			n := copy(dst[di][doff:], s)
			s = s[n:]
			doff += n
			copied += n
			if doff == len(dst[di]) {
				di++
				doff = 0
			}
		}
	}
	return copied
}

// Gather concatenates bufs into a fresh slice.
func Gather(bufs [][]byte) []byte {
	out := make([]byte, 0, BufferLen(bufs))
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}
