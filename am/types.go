// Package am bridges a callback-driven active message transport to blocking Go calls.
package am

import (
	"go.uber.org/zap"

	"github.com/najoast/amlink/metrics"
)

// DataType tells how the payload of a received message is held.
type DataType uint8

const (
	// DataEager payload was copied at arrival and is owned by the message
	DataEager DataType = iota

	// DataDesc payload lives in transport memory until released
	DataDesc

	// DataRndv payload is not resident yet and must be pulled
	DataRndv
)

// String returns the string representation of DataType.
func (t DataType) String() string {
	switch t {
	case DataEager:
		return "eager"
	case DataDesc:
		return "data"
	case DataRndv:
		return "rndv"
	default:
		return "unknown"
	}
}

// Proto is a protocol hint for sends and replies.
type Proto uint8

const (
	// ProtoAuto lets the transport choose
	ProtoAuto Proto = iota

	// ProtoEager asks for inline transmission. Some transports corrupt
	// payloads sent this way, so the hint is ignored unless the worker was
	// created with AllowEagerProto.
	ProtoEager

	// ProtoRndv asks for a zero-copy rendezvous transfer, suited to large payloads
	ProtoRndv
)

// String returns the string representation of Proto.
func (p Proto) String() string {
	switch p {
	case ProtoAuto:
		return "auto"
	case ProtoEager:
		return "eager"
	case ProtoRndv:
		return "rndv"
	default:
		return "unknown"
	}
}

// WorkerOptions contains configuration options for creating a Worker.
type WorkerOptions struct {
	// Name is a human-readable name used in logs
	Name string

	// QueueCapacity is the initial capacity of each handler queue
	QueueCapacity int

	// AllowEagerProto honors ProtoEager hints instead of downgrading them
	AllowEagerProto bool

	// Logger receives bridge logs; nil means no logging
	Logger *zap.Logger

	// Metrics records bridge metrics; nil disables them
	Metrics *metrics.Metrics
}

// DefaultWorkerOptions returns sensible default options.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		QueueCapacity: 512,
		Logger:        zap.NewNop(),
	}
}
