package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusError(t *testing.T) {
	err := NewStatusError("am_send", StatusErrConnectionReset)
	require.EqualError(t, err, "am_send: connection reset")
	require.True(t, errors.Is(err, ErrTransportFailure))

	wrapped := fmt.Errorf("failed to send am 3: %w", err)
	require.ErrorIs(t, wrapped, ErrTransportFailure)

	status, ok := StatusOf(wrapped)
	require.True(t, ok)
	require.Equal(t, StatusErrConnectionReset, status)

	_, ok = StatusOf(errors.New("plain"))
	require.False(t, ok)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "ok", StatusOK.String())
	require.Equal(t, "message truncated", StatusErrMessageTruncated.String())
	require.Equal(t, "status(-99)", Status(-99).String())

	require.False(t, StatusOK.IsError())
	require.False(t, StatusInProgress.IsError())
	require.True(t, StatusErrIO.IsError())
}

func TestFlags(t *testing.T) {
	attr := RecvAttrReplyEP | RecvAttrRndv
	require.True(t, attr.Has(RecvAttrReplyEP))
	require.True(t, attr.Has(RecvAttrRndv))
	require.False(t, attr.Has(RecvAttrData))

	flags := SendFlagReply | SendFlagEager
	require.True(t, flags.Has(SendFlagEager))
	require.False(t, flags.Has(SendFlagRndv))
}

func TestScatterGather(t *testing.T) {
	src := []byte("abcdefghij")

	bufs := [][]byte{make([]byte, 3), make([]byte, 0), make([]byte, 4), make([]byte, 5)}
	require.Equal(t, 12, BufferLen(bufs))
	require.Equal(t, 10, Scatter(bufs, src))
	require.Equal(t, []byte("abc"), bufs[0])
	require.Equal(t, []byte("defg"), bufs[2])
	require.Equal(t, []byte("hij\x00\x00"), bufs[3])

	require.Equal(t, []byte("abcdefghij\x00\x00"), Gather(bufs))
	require.Empty(t, Gather(nil))
}

func TestCopyBuffers(t *testing.T) {
	tests := []struct {
		name   string
		dst    []int
		src    [][]byte
		want   int
		joined string
	}{
		{
			name:   "same shape",
			dst:    []int{2, 3},
			src:    [][]byte{[]byte("ab"), []byte("cde")},
			want:   5,
			joined: "abcde",
		},
		{
			name:   "split across destinations",
			dst:    []int{1, 1, 3},
			src:    [][]byte{[]byte("abcde")},
			want:   5,
			joined: "abcde",
		},
		{
			name:   "merge sources",
			dst:    []int{6},
			src:    [][]byte{[]byte("ab"), nil, []byte("cd"), []byte("ef")},
			want:   6,
			joined: "abcdef",
		},
		{
			name:   "destination too short",
			dst:    []int{2},
			src:    [][]byte{[]byte("abcd")},
			want:   2,
			joined: "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([][]byte, len(tt.dst))
			for i, n := range tt.dst {
				dst[i] = make([]byte, n)
			}
			require.Equal(t, tt.want, CopyBuffers(dst, tt.src))
			require.Equal(t, tt.joined, string(Gather(dst)))
		})
	}
}
