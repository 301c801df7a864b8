// Package metrics exposes Prometheus metrics for the active message bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "amlink"
	subsystem = "am"
)

// Send results used as label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the bridge collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messagesReceived    *prometheus.CounterVec
	messagesDropped     prometheus.Counter
	dataReceivedBytes   prometheus.Counter
	sends               *prometheus.CounterVec
	descriptorsReleased prometheus.Counter
	handlers            prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Active messages enqueued for consumers, by payload data type",
			},
			[]string{"data_type"},
		),
		messagesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_dropped_total",
				Help:      "Active messages that arrived for an unregistered handler",
			},
		),
		dataReceivedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "data_received_bytes_total",
				Help:      "Payload bytes handed to consumers",
			},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sends_total",
				Help:      "Active message sends and replies, by protocol hint and result",
			},
			[]string{"proto", "result"},
		),
		descriptorsReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "descriptors_released_total",
				Help:      "Transport descriptors released without being pulled",
			},
		),
		handlers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "handlers",
				Help:      "Currently registered active message handlers",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesReceived,
			m.messagesDropped,
			m.dataReceivedBytes,
			m.sends,
			m.descriptorsReleased,
			m.handlers,
		)
	}
	return m
}

// MessageReceived counts one enqueued message.
func (m *Metrics) MessageReceived(dataType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(dataType).Inc()
}

// MessageDropped counts one message dropped on arrival.
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

// DataReceived adds n retrieved payload bytes.
func (m *Metrics) DataReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dataReceivedBytes.Add(float64(n))
}

// Send records one send or reply.
func (m *Metrics) Send(proto string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.sends.WithLabelValues(proto, result).Inc()
}

// DescriptorReleased counts one released descriptor.
func (m *Metrics) DescriptorReleased() {
	if m == nil {
		return
	}
	m.descriptorsReleased.Inc()
}

// HandlerRegistered increments the handler gauge.
func (m *Metrics) HandlerRegistered() {
	if m == nil {
		return
	}
	m.handlers.Inc()
}

// HandlerUnregistered decrements the handler gauge.
func (m *Metrics) HandlerUnregistered() {
	if m == nil {
		return
	}
	m.handlers.Dec()
}
