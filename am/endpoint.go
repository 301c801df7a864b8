package am

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/najoast/amlink/completion"
	"github.com/najoast/amlink/transport"
)

// Endpoint sends active messages to one remote worker.
type Endpoint struct {
	worker *Worker
	handle transport.Endpoint
}

// Handle returns the underlying transport endpoint.
func (e *Endpoint) Handle() transport.Endpoint {
	return e.handle
}

// Send sends an active message with a contiguous payload and blocks until the
// transport no longer needs data.
func (e *Endpoint) Send(ctx context.Context, id uint32, header, data []byte, needReply bool, proto Proto) error {
	return e.worker.send(ctx, e.handle, id, header, [][]byte{data}, needReply, proto)
}

// SendVectored is Send with a scatter/gather payload.
func (e *Endpoint) SendVectored(ctx context.Context, id uint32, header []byte, bufs [][]byte, needReply bool, proto Proto) error {
	return e.worker.send(ctx, e.handle, id, header, bufs, needReply, proto)
}

// send builds the request flags and submits one AMSend.
func (w *Worker) send(ctx context.Context, ep transport.Endpoint, id uint32, header []byte, bufs [][]byte, needReply bool, proto Proto) error {
	proto = w.effectiveProto(proto)

	param := &transport.RequestParam{DataType: transport.DataContig}
	if len(bufs) != 1 {
		param.DataType = transport.DataIOV
	}
	switch proto {
	case ProtoEager:
		param.Flags |= transport.SendFlagEager
	case ProtoRndv:
		param.Flags |= transport.SendFlagRndv
	}
	if needReply {
		param.Flags |= transport.SendFlagReply
	}

	_, err := completion.SubmitContext(ctx, "am_send", func(cb transport.Callback) (transport.Request, transport.Status) {
		param.Callback = cb
		return ep.AMSend(id, header, bufs, param)
	})
	w.metrics.Send(proto.String(), err)

	if err != nil {
		w.logger.Debug("Active message send failed",
			zap.Uint32("am_id", id), zap.Stringer("proto", proto), zap.Error(err))
		return fmt.Errorf("failed to send am %d: %w", id, err)
	}
	return nil
}

func (w *Worker) effectiveProto(proto Proto) Proto {
	if proto == ProtoEager && !w.opts.AllowEagerProto {
		w.logger.Debug("Eager protocol hint ignored")
		return ProtoAuto
	}
	return proto
}
