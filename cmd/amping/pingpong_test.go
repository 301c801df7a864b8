package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/amlink/am"
	"github.com/najoast/amlink/transport/loopback"
	"github.com/najoast/amlink/transport/tcp"
)

func TestParseProto(t *testing.T) {
	tests := []struct {
		in      string
		want    am.Proto
		wantErr bool
	}{
		{in: "", want: am.ProtoAuto},
		{in: "AUTO", want: am.ProtoAuto},
		{in: "eager", want: am.ProtoEager},
		{in: "rendezvous", want: am.ProtoRndv},
		{in: "rndv", want: am.ProtoRndv},
		{in: "bulk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseProto(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRunLocal(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		proto am.Proto
	}{
		{name: "empty", size: 0},
		{name: "eager", size: 512},
		{name: "data", size: 16 << 10},
		{name: "rendezvous", size: 256 << 10},
		{name: "rendezvous hint", size: 64, proto: am.ProtoRndv},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fabric := loopback.NewFabric(loopback.DefaultConfig(), nil)
			a, b := fabric.NewWorker("ping"), fabric.NewWorker("pong")
			link := a.Connect(b)

			pinger := am.NewWorker(a, am.WorkerOptions{Name: "ping"})
			ponger := am.NewWorker(b, am.WorkerOptions{Name: "pong"})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			opts := pingOptions{size: tt.size, count: 5, proto: tt.proto}
			require.NoError(t, runLocal(ctx, pinger, ponger, pinger.NewEndpoint(link), opts, zap.NewNop()))

			require.Eventually(t, func() bool {
				return a.Outstanding() == 0 && b.Outstanding() == 0
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestPingTCP(t *testing.T) {
	cfg := tcp.DefaultConfig()
	cfg.EagerThreshold = 4096

	serverNative := tcp.NewWorker(cfg, nil)
	clientNative := tcp.NewWorker(cfg, nil)
	server := am.NewWorker(serverNative, am.WorkerOptions{Name: "server"})
	client := am.NewWorker(clientNative, am.WorkerOptions{Name: "client"})

	h, err := server.Register(pingID)
	require.NoError(t, err)

	addr, err := serverNative.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poll(gctx, server) })
	g.Go(func() error { return poll(gctx, client) })
	g.Go(func() error { return echo(gctx, h, zap.NewNop()) })
	g.Go(func() error { return acceptConns(gctx, serverNative, zap.NewNop()) })

	conn, err := clientNative.Dial(ctx, addr.String())
	require.NoError(t, err)
	ep := client.NewEndpoint(conn)

	for _, size := range []int{100, 100000} {
		stats, err := ping(ctx, client, ep, pingOptions{size: size, count: 3}, zap.NewNop())
		require.NoError(t, err)
		require.Equal(t, 3, stats.count)
		require.Equal(t, int64(3*size), stats.bytes)
		require.LessOrEqual(t, stats.min, stats.max)
	}

	require.NoError(t, clientNative.Close())
	require.NoError(t, serverNative.Close())
	cancel()
	require.ErrorIs(t, g.Wait(), context.Canceled)
}

func TestPingStats(t *testing.T) {
	s := &pingStats{types: make(map[am.DataType]int)}
	require.Zero(t, s.avg())

	s.add(3*time.Millisecond, 10, am.DataEager)
	s.add(1*time.Millisecond, 10, am.DataEager)
	s.add(2*time.Millisecond, 20, am.DataRndv)

	require.Equal(t, 3, s.count)
	require.Equal(t, int64(40), s.bytes)
	require.Equal(t, time.Millisecond, s.min)
	require.Equal(t, 3*time.Millisecond, s.max)
	require.Equal(t, 2*time.Millisecond, s.avg())
	require.Equal(t, 2, s.types[am.DataEager])
	require.Len(t, s.fields(), 6)
}
