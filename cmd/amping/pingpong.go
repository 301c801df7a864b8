package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/amlink/am"
)

const (
	pingID uint32 = 1
	pongID uint32 = 2

	seqLen = 8
)

func parseProto(s string) (am.Proto, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return am.ProtoAuto, nil
	case "eager":
		return am.ProtoEager, nil
	case "rndv", "rendezvous":
		return am.ProtoRndv, nil
	default:
		return am.ProtoAuto, fmt.Errorf("unknown protocol %q", s)
	}
}

type pingOptions struct {
	size  int
	count int
	proto am.Proto
}

// pingStats summarizes a ping run.
type pingStats struct {
	count    int
	bytes    int64
	min, max time.Duration
	total    time.Duration
	types    map[am.DataType]int
}

func (s *pingStats) add(rtt time.Duration, n int, typ am.DataType) {
	if s.count == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	s.count++
	s.total += rtt
	s.bytes += int64(n)
	s.types[typ]++
}

func (s *pingStats) avg() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.total / time.Duration(s.count)
}

func (s *pingStats) fields() []zap.Field {
	types := make(map[string]int, len(s.types))
	for t, n := range s.types {
		types[t.String()] = n
	}
	return []zap.Field{
		zap.Int("count", s.count),
		zap.Int64("bytes", s.bytes),
		zap.Duration("min", s.min),
		zap.Duration("avg", s.avg()),
		zap.Duration("max", s.max),
		zap.Any("reply_types", types),
	}
}

// ping sends opts.count pings through ep and checks every echoed payload.
func ping(ctx context.Context, w *am.Worker, ep *am.Endpoint, opts pingOptions, logger *zap.Logger) (*pingStats, error) {
	pong, err := w.Register(pongID)
	if err != nil {
		return nil, err
	}
	defer w.Unregister(pongID)

	stats := &pingStats{types: make(map[am.DataType]int)}
	header := make([]byte, seqLen)

	for seq := 0; seq < opts.count; seq++ {
		payload := bytes.Repeat([]byte{byte(seq)}, opts.size)
		binary.BigEndian.PutUint64(header, uint64(seq))

		start := time.Now()
		if err := ep.Send(ctx, pingID, header, payload, true, opts.proto); err != nil {
			return stats, fmt.Errorf("ping %d: %w", seq, err)
		}

		msg, err := pong.Recv(ctx)
		if err != nil {
			return stats, fmt.Errorf("pong %d: %w", seq, err)
		}
		typ, _ := msg.DataType()
		data, err := msg.RecvData(ctx)
		msg.Close()
		if err != nil {
			return stats, fmt.Errorf("pong %d payload: %w", seq, err)
		}
		rtt := time.Since(start)

		if got := binary.BigEndian.Uint64(msg.Header()); got != uint64(seq) {
			return stats, fmt.Errorf("pong %d: unexpected sequence %d", seq, got)
		}
		if !bytes.Equal(data, payload) {
			return stats, fmt.Errorf("pong %d: payload mismatch", seq)
		}

		stats.add(rtt, len(data), typ)
		logger.Debug("Pong",
			zap.Int("seq", seq),
			zap.Int("bytes", len(data)),
			zap.Stringer("data_type", typ),
			zap.Duration("rtt", rtt))
	}
	return stats, nil
}

// echo answers the pings queued on h until ctx is done or h is
// unregistered. A failed reply is logged and does not stop the loop.
func echo(ctx context.Context, h *am.Handler, logger *zap.Logger) error {
	for {
		msg, err := h.Recv(ctx)
		if err != nil {
			if errors.Is(err, am.ErrUnregistered) {
				return nil
			}
			return err
		}

		if err := reply(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Failed to answer ping", zap.Error(err))
		}
	}
}

func reply(ctx context.Context, msg *am.Msg) error {
	defer msg.Close()

	if len(msg.Header()) != seqLen {
		return fmt.Errorf("malformed ping header of %d bytes", len(msg.Header()))
	}
	data, err := msg.RecvData(ctx)
	if err != nil {
		return err
	}
	return msg.Reply(ctx, pongID, msg.Header(), data, false, am.ProtoAuto)
}
