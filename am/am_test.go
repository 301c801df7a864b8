package am

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/amlink/metrics"
	"github.com/najoast/amlink/transport"
	"github.com/najoast/amlink/transport/loopback"
)

const (
	eagerThreshold = 2048
	rndvThreshold  = 64 << 10
)

type pair struct {
	nativeA, nativeB *loopback.Worker
	link             *loopback.Endpoint
	a, b             *Worker
	ab               *Endpoint
}

// newPair connects two polled workers over a loopback fabric.
func newPair(t *testing.T, opts WorkerOptions) *pair {
	t.Helper()

	fabric := loopback.NewFabric(loopback.Config{
		EagerThreshold: eagerThreshold,
		RndvThreshold:  rndvThreshold,
	}, nil)

	p := &pair{
		nativeA: fabric.NewWorker("a"),
		nativeB: fabric.NewWorker("b"),
	}
	p.link = p.nativeA.Connect(p.nativeB)

	optsA, optsB := opts, opts
	optsA.Name, optsB.Name = "a", "b"
	p.a = NewWorker(p.nativeA, optsA)
	p.b = NewWorker(p.nativeB, optsB)
	p.ab = p.a.NewEndpoint(p.link)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.a.Polling(gctx) })
	g.Go(func() error { return p.b.Polling(gctx) })
	t.Cleanup(func() {
		cancel()
		require.ErrorIs(t, g.Wait(), context.Canceled)
	})
	return p
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func filled(n int, value byte) []byte {
	return bytes.Repeat([]byte{value}, n)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		proto    Proto
		wantType DataType
		wantData bool
	}{
		{name: "empty", size: 0, wantData: false},
		{name: "eager", size: 100, wantType: DataEager, wantData: true},
		{name: "data descriptor", size: 10000, wantType: DataDesc, wantData: true},
		{name: "rendezvous", size: 200000, wantType: DataRndv, wantData: true},
		{name: "rendezvous hint", size: 100, proto: ProtoRndv, wantType: DataRndv, wantData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, DefaultWorkerOptions())
			ctx := testContext(t)

			h, err := p.b.Register(5)
			require.NoError(t, err)

			header := []byte{7, 7, 7}
			payload := filled(tt.size, byte(tt.size%251))

			var g errgroup.Group
			g.Go(func() error {
				return p.ab.Send(ctx, 5, header, payload, false, tt.proto)
			})

			msg, err := h.Recv(ctx)
			require.NoError(t, err)
			defer msg.Close()

			require.Equal(t, uint32(5), msg.ID())
			require.Equal(t, header, msg.Header())
			require.Equal(t, tt.wantData, msg.ContainsData())
			require.Equal(t, tt.size, msg.DataLen())
			require.False(t, msg.NeedReply())

			if tt.wantData {
				kind, ok := msg.DataType()
				require.True(t, ok)
				require.Equal(t, tt.wantType, kind)
			}

			got, err := msg.RecvData(ctx)
			require.NoError(t, err)
			require.Equal(t, len(payload), len(got))
			require.True(t, bytes.Equal(payload, got))

			// a second retrieval yields nothing
			require.False(t, msg.ContainsData())
			again, err := msg.RecvData(ctx)
			require.NoError(t, err)
			require.Empty(t, again)

			require.NoError(t, g.Wait())
			require.Eventually(t, func() bool { return p.nativeB.Outstanding() == 0 },
				time.Second, time.Millisecond)
		})
	}
}

func TestRecvDataVectored(t *testing.T) {
	for _, size := range []int{500, 10000, 200000} {
		p := newPair(t, DefaultWorkerOptions())
		ctx := testContext(t)

		h, err := p.b.Register(1)
		require.NoError(t, err)

		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		var g errgroup.Group
		g.Go(func() error {
			mid := size / 3
			return p.ab.SendVectored(ctx, 1, nil, [][]byte{payload[:mid], payload[mid:]}, false, ProtoAuto)
		})

		msg, err := h.Recv(ctx)
		require.NoError(t, err)

		bufs := [][]byte{make([]byte, size/2), make([]byte, size-size/2+10)}
		n, err := msg.RecvDataVectored(ctx, bufs)
		require.NoError(t, err)
		require.Equal(t, size, n)
		require.Equal(t, payload, transport.Gather(bufs)[:size])

		require.NoError(t, msg.Close())
		require.NoError(t, g.Wait())
	}
}

func TestBufferTooSmall(t *testing.T) {
	for _, size := range []int{100, 10000, 200000} {
		p := newPair(t, DefaultWorkerOptions())
		ctx := testContext(t)

		h, err := p.b.Register(1)
		require.NoError(t, err)

		payload := filled(size, 3)
		var g errgroup.Group
		g.Go(func() error {
			return p.ab.Send(ctx, 1, nil, payload, false, ProtoAuto)
		})

		msg, err := h.Recv(ctx)
		require.NoError(t, err)

		_, err = msg.RecvDataSingle(ctx, make([]byte, size-1))
		require.ErrorIs(t, err, ErrBufferTooSmall)

		// the payload is still there
		require.True(t, msg.ContainsData())
		require.Equal(t, size, msg.DataLen())

		buf := make([]byte, size)
		n, err := msg.RecvDataSingle(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, size, n)
		require.Equal(t, payload, buf)

		require.NoError(t, g.Wait())
	}
}

func TestFIFOOrder(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(2)
	require.NoError(t, err)

	const count = 200
	for i := 0; i < count; i++ {
		require.NoError(t, p.ab.Send(ctx, 2, []byte{byte(i)}, []byte{byte(i), byte(i >> 8)}, false, ProtoAuto))
	}

	for i := 0; i < count; i++ {
		msg, err := p.b.Recv(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, msg.Header())
		data, err := msg.RecvData(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), byte(i >> 8)}, data)
	}

	_, ok := h.TryRecv()
	require.False(t, ok)
}

func TestConcurrentReceivers(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(3)
	require.NoError(t, err)

	const count = 100
	received := make(chan byte, count)

	var g errgroup.Group
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				msg, err := h.Recv(ctx)
				if errors.Is(err, ErrUnregistered) {
					return nil
				}
				if err != nil {
					return err
				}
				received <- msg.Header()[0]
			}
		})
	}

	for i := 0; i < count; i++ {
		require.NoError(t, p.ab.Send(ctx, 3, []byte{byte(i)}, nil, false, ProtoAuto))
	}

	seen := make(map[byte]bool)
	for i := 0; i < count; i++ {
		select {
		case v := <-received:
			seen[v] = true
		case <-ctx.Done():
			t.Fatal("timed out waiting for messages")
		}
	}
	require.Len(t, seen, count)

	require.True(t, p.b.Unregister(3))
	require.NoError(t, g.Wait())
}

func TestUnregisterDrain(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.ab.Send(ctx, 4, []byte{byte(i)}, filled(10000, byte(i)), false, ProtoAuto))
	}
	require.Eventually(t, func() bool { return h.Len() == 3 }, time.Second, time.Millisecond)

	require.True(t, p.b.Unregister(4))
	require.False(t, p.b.Unregister(4))
	require.True(t, h.Unregistered())
	require.Empty(t, p.b.Handlers())

	// queued messages are still handed out
	for i := 0; i < 3; i++ {
		msg, err := h.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, msg.Header())
		require.NoError(t, msg.Close())
	}

	for i := 0; i < 2; i++ {
		_, err := h.Recv(ctx)
		require.ErrorIs(t, err, ErrUnregistered)
	}

	_, err = p.b.Recv(ctx, 4)
	require.ErrorIs(t, err, ErrNotRegistered)

	// later sends are dropped by the transport
	require.NoError(t, p.ab.Send(ctx, 4, nil, []byte{1}, false, ProtoAuto))
	require.Eventually(t, func() bool { return p.nativeB.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestUnregisterWakesWaiter(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(6)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.Recv(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, p.b.Unregister(6))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrUnregistered)
	case <-ctx.Done():
		t.Fatal("waiter was not woken by Unregister")
	}
}

func TestRecvCanceled(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())

	h, err := p.b.Register(8)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterIdempotent(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())

	h1, err := p.b.Register(10)
	require.NoError(t, err)
	h2, err := p.b.Register(10)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	_, err = p.b.Register(3)
	require.NoError(t, err)
	require.Equal(t, []uint32{3, 10}, p.b.Handlers())

	got, ok := p.b.Handler(10)
	require.True(t, ok)
	require.Same(t, h1, got)
	require.Equal(t, uint32(10), got.ID())
}

func TestReplyGating(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(11)
	require.NoError(t, err)

	require.NoError(t, p.ab.Send(ctx, 11, nil, []byte("no reply"), false, ProtoAuto))
	msg, err := h.Recv(ctx)
	require.NoError(t, err)
	require.False(t, msg.NeedReply())
	require.Nil(t, msg.ReplyEndpoint())

	err = msg.Reply(ctx, 12, nil, []byte("x"), false, ProtoAuto)
	require.ErrorIs(t, err, ErrNoReplyEndpoint)
}

func TestReplyScenario(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	requests, err := p.b.Register(20)
	require.NoError(t, err)
	replies, err := p.a.Register(21)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		msg, err := requests.Recv(ctx)
		if err != nil {
			return err
		}
		defer msg.Close()

		if !bytes.Equal(msg.Header(), []byte{1, 2, 3, 4}) || msg.DataLen() != 1024 || !msg.NeedReply() {
			return errors.New("unexpected request")
		}
		data, err := msg.RecvData(ctx)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, filled(1024, 1)) {
			return errors.New("request payload mismatch")
		}
		return msg.Reply(ctx, 21, []byte{1, 3, 9, 10}, filled(1<<20, 9), false, ProtoRndv)
	})

	require.NoError(t, p.ab.Send(ctx, 20, []byte{1, 2, 3, 4}, filled(1024, 1), true, ProtoAuto))

	reply, err := replies.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 3, 9, 10}, reply.Header())
	kind, ok := reply.DataType()
	require.True(t, ok)
	require.Equal(t, DataRndv, kind)

	data, err := reply.RecvData(ctx)
	require.NoError(t, err)
	require.Len(t, data, 1<<20)
	require.True(t, bytes.Equal(filled(1<<20, 9), data))
	require.NoError(t, reply.Close())

	require.NoError(t, g.Wait())
}

func TestCloseReleasesDescriptor(t *testing.T) {
	for _, size := range []int{10000, 200000} {
		p := newPair(t, DefaultWorkerOptions())
		ctx := testContext(t)

		h, err := p.b.Register(1)
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			return p.ab.Send(ctx, 1, nil, filled(size, 1), false, ProtoAuto)
		})

		msg, err := h.Recv(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return p.nativeB.Outstanding() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, msg.Close())
		require.NoError(t, msg.Close())
		require.Equal(t, 0, p.nativeB.Outstanding())
		require.False(t, msg.ContainsData())

		// a rendezvous sender completes once the descriptor is released
		require.NoError(t, g.Wait())
	}
}

func TestTransportFailure(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	require.NoError(t, p.link.Close())

	err := p.ab.Send(ctx, 1, nil, []byte{1}, false, ProtoAuto)
	require.ErrorIs(t, err, ErrTransportFailure)
	status, ok := transport.StatusOf(err)
	require.True(t, ok)
	require.Equal(t, transport.StatusErrConnectionReset, status)
}

func TestPullAfterConnectionLoss(t *testing.T) {
	p := newPair(t, DefaultWorkerOptions())
	ctx := testContext(t)

	h, err := p.b.Register(1)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- p.ab.Send(ctx, 1, nil, filled(200000, 1), false, ProtoAuto)
	}()

	msg, err := h.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, p.link.Close())

	_, err = msg.RecvData(ctx)
	require.ErrorIs(t, err, ErrTransportFailure)
	require.False(t, msg.ContainsData())
	require.NoError(t, msg.Close())

	require.ErrorIs(t, <-sendErr, ErrTransportFailure)
}

func TestEagerHint(t *testing.T) {
	tests := []struct {
		name     string
		allow    bool
		wantType DataType
	}{
		{name: "downgraded by default", allow: false, wantType: DataDesc},
		{name: "honored when allowed", allow: true, wantType: DataEager},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultWorkerOptions()
			opts.AllowEagerProto = tt.allow
			p := newPair(t, opts)
			ctx := testContext(t)

			h, err := p.b.Register(1)
			require.NoError(t, err)

			payload := filled(10000, 4)
			require.NoError(t, p.ab.Send(ctx, 1, nil, payload, false, ProtoEager))

			msg, err := h.Recv(ctx)
			require.NoError(t, err)
			defer msg.Close()

			kind, ok := msg.DataType()
			require.True(t, ok)
			require.Equal(t, tt.wantType, kind)
			require.Equal(t, payload, msg.Data())
		})
	}
}

// metricValue returns the value of the named series with the given labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue series
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := DefaultWorkerOptions()
	opts.Metrics = metrics.New(reg)
	p := newPair(t, opts)
	ctx := testContext(t)

	h, err := p.b.Register(1)
	require.NoError(t, err)
	require.Equal(t, float64(1), metricValue(t, reg, "amlink_am_handlers", nil))

	require.NoError(t, p.ab.Send(ctx, 1, nil, []byte("abc"), false, ProtoAuto))
	msg, err := h.Recv(ctx)
	require.NoError(t, err)
	_, err = msg.RecvData(ctx)
	require.NoError(t, err)

	require.Equal(t, float64(1), metricValue(t, reg, "amlink_am_messages_received_total",
		map[string]string{"data_type": "eager"}))
	require.Equal(t, float64(3), metricValue(t, reg, "amlink_am_data_received_bytes_total", nil))
	require.Equal(t, float64(1), metricValue(t, reg, "amlink_am_sends_total",
		map[string]string{"proto": "auto", "result": metrics.ResultSuccess}))

	p.b.Unregister(1)
	require.Equal(t, float64(0), metricValue(t, reg, "amlink_am_handlers", nil))
}
