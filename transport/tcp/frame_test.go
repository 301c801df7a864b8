package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/najoast/amlink/transport"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := frameHeader{
		typ:       frameRTS,
		flags:     flagReply,
		id:        42,
		headerLen: 1024,
		dataLen:   1 << 20,
		token:     7,
	}

	buf := h.bytes()
	require.Len(t, buf, frameHeaderSize)
	require.Equal(t, byte(frameRTS), buf[0])
	require.Equal(t, flagReply, buf[1])
	require.Equal(t, []byte{0, 0, 0, 42}, buf[4:8])

	got, err := decodeFrameHeader(buf, 64<<20, 1<<30)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.False(t, got.carriesPayload())
}

func TestDecodeFrameHeaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		header frameHeader
		short  bool
	}{
		{name: "short buffer", short: true},
		{name: "unknown type", header: frameHeader{typ: 9}},
		{name: "zero type", header: frameHeader{typ: 0}},
		{name: "header too large", header: frameHeader{typ: frameGet, headerLen: 2048}},
		{name: "eager too large", header: frameHeader{typ: frameEager, headerLen: 10, dataLen: 1020}},
		{name: "eager length wraps", header: frameHeader{typ: frameEager, headerLen: 1, dataLen: 1<<64 - 1}},
		{name: "rts too large", header: frameHeader{typ: frameRTS, dataLen: 4097}},
		{name: "rts negative as int", header: frameHeader{typ: frameRTS, dataLen: 1 << 63}},
		{name: "data too large", header: frameHeader{typ: frameData, dataLen: 1 << 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.header.bytes()
			if tt.short {
				buf = buf[:10]
			}
			_, err := decodeFrameHeader(buf, 1024, 4096)
			require.Error(t, err)
		})
	}
}

func TestRendezvousDataMayExceedFrameSize(t *testing.T) {
	for _, typ := range []frameType{frameRTS, frameData} {
		h, err := decodeFrameHeader(frameHeader{typ: typ, dataLen: 1 << 30}.bytes(), 1024, 1<<30)
		require.NoError(t, err)
		require.Equal(t, typ == frameData, h.carriesPayload())
	}
}

func TestUseEager(t *testing.T) {
	w := NewWorker(Config{EagerThreshold: 100, MaxFrameSize: 1000}, nil)
	defer w.Close()

	tests := []struct {
		name      string
		length    int
		headerLen int
		flags     transport.SendFlags
		want      bool
	}{
		{"empty", 0, 0, transport.SendFlagRndv, true},
		{"small", 100, 10, 0, true},
		{"large", 101, 0, 0, false},
		{"eager hint", 500, 0, transport.SendFlagEager, true},
		{"rndv hint", 1, 0, transport.SendFlagRndv, false},
		{"over frame size", 990, 20, transport.SendFlagEager, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, w.useEager(tt.length, tt.headerLen, tt.flags))
		})
	}
}

func TestFrameTypeString(t *testing.T) {
	require.Equal(t, "get", frameGet.String())
	require.Equal(t, "unknown(9)", frameType(9).String())
}
