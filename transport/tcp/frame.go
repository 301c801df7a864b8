package tcp

import (
	"encoding/binary"
	"fmt"
)

// frameType identifies a wire frame.
type frameType uint8

const (
	// frameEager carries header and payload inline
	frameEager frameType = 1

	// frameRTS announces a rendezvous payload held by the sender
	frameRTS frameType = 2

	// frameGet asks the sender to transmit a rendezvous payload
	frameGet frameType = 3

	// frameData carries a rendezvous payload
	frameData frameType = 4

	// frameRelease tells the sender its rendezvous payload will not be pulled
	frameRelease frameType = 5
)

// String returns the string representation of frameType
func (t frameType) String() string {
	switch t {
	case frameEager:
		return "eager"
	case frameRTS:
		return "rts"
	case frameGet:
		return "get"
	case frameData:
		return "data"
	case frameRelease:
		return "release"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frame flags
const (
	// flagReply asks the receiver to expose the connection as reply endpoint
	flagReply uint8 = 1 << 0

	// flagTruncated marks a release caused by a receive buffer that was too small
	flagTruncated uint8 = 1 << 1
)

// frameHeaderSize is the fixed size of the frame header in bytes
const frameHeaderSize = 32

// frameHeader is the fixed part of every frame. It is followed by headerLen
// bytes of message header, then by dataLen payload bytes for eager and data
// frames. For RTS frames dataLen announces the payload length.
type frameHeader struct {
	typ       frameType
	flags     uint8
	id        uint32
	headerLen uint32
	dataLen   uint64
	token     uint64
}

// carriesPayload reports whether dataLen payload bytes follow on the wire.
func (h frameHeader) carriesPayload() bool {
	return h.typ == frameEager || h.typ == frameData
}

// encode writes the header into buf, which must hold frameHeaderSize bytes.
func (h frameHeader) encode(buf []byte) {
	buf[0] = byte(h.typ)
	buf[1] = h.flags
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], h.id)
	binary.BigEndian.PutUint32(buf[8:12], h.headerLen)
	binary.BigEndian.PutUint64(buf[12:20], h.dataLen)
	binary.BigEndian.PutUint64(buf[20:28], h.token)
	binary.BigEndian.PutUint32(buf[28:32], 0)
}

// bytes returns the encoded header.
func (h frameHeader) bytes() []byte {
	buf := make([]byte, frameHeaderSize)
	h.encode(buf)
	return buf
}

// decodeFrameHeader parses and validates a frame header. Inline payloads are
// bounded by maxFrameSize, rendezvous payloads by maxRndvSize.
func decodeFrameHeader(buf []byte, maxFrameSize, maxRndvSize int) (frameHeader, error) {
	if len(buf) < frameHeaderSize {
		return frameHeader{}, fmt.Errorf("data too short for frame header: %d bytes", len(buf))
	}

	h := frameHeader{
		typ:       frameType(buf[0]),
		flags:     buf[1],
		id:        binary.BigEndian.Uint32(buf[4:8]),
		headerLen: binary.BigEndian.Uint32(buf[8:12]),
		dataLen:   binary.BigEndian.Uint64(buf[12:20]),
		token:     binary.BigEndian.Uint64(buf[20:28]),
	}

	if h.typ < frameEager || h.typ > frameRelease {
		return frameHeader{}, fmt.Errorf("invalid frame type: %s", h.typ)
	}
	if int64(h.headerLen) > int64(maxFrameSize) {
		return frameHeader{}, fmt.Errorf("frame header too large: %d bytes (max %d)", h.headerLen, maxFrameSize)
	}
	switch h.typ {
	case frameEager:
		if h.dataLen > uint64(maxFrameSize) || h.dataLen+uint64(h.headerLen) > uint64(maxFrameSize) {
			return frameHeader{}, fmt.Errorf("eager frame too large: %d+%d bytes (max %d)",
				h.headerLen, h.dataLen, maxFrameSize)
		}
	case frameRTS, frameData:
		if h.dataLen > uint64(maxRndvSize) {
			return frameHeader{}, fmt.Errorf("%s payload too large: %d bytes (max %d)",
				h.typ, h.dataLen, maxRndvSize)
		}
	}
	return h, nil
}
