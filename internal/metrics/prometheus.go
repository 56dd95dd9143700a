package metrics

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Zereker/tlvserver"
)

// Metrics contains all Prometheus metrics for the TLV server
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge
	Disconnections      prometheus.Counter
	ConnectionErrors    *prometheus.CounterVec

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	PayloadSize    prometheus.Histogram
	BytesSent      prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tlv_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tlv_active_connections",
			Help: "Current number of open client connections",
		}),
		Disconnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "tlv_disconnections_total",
			Help: "Total number of closed client connections",
		}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlv_connection_errors_total",
			Help: "Connections that ended abnormally, by cause",
		}, []string{"kind"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tlv_frames_received_total",
			Help: "Total number of complete frames received, by tag",
		}, []string{"tag"}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tlv_frame_payload_bytes",
			Help:    "Payload size of received frames",
			Buckets: prometheus.ExponentialBuckets(16, 4, 7), // 16B to 64KB
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tlv_bytes_sent_total",
			Help: "Total number of bytes written back to clients",
		}),
	}
}

// Observe wraps next so every event is counted before being forwarded.
func (m *Metrics) Observe(next tlvserver.Observer) tlvserver.Observer {
	return &observer{m: m, next: next}
}

type observer struct {
	m    *Metrics
	next tlvserver.Observer
}

func (o *observer) OnConnect(addr net.Addr) error {
	o.m.ConnectionsAccepted.Inc()
	o.m.ActiveConnections.Inc()
	return o.next.OnConnect(addr)
}

func (o *observer) OnReceive(ctx context.Context, frame tlvserver.Frame) ([]byte, error) {
	o.m.RecordFrame(frame)
	return o.next.OnReceive(ctx, frame)
}

func (o *observer) OnSend(n int) {
	o.m.BytesSent.Add(float64(n))
	o.next.OnSend(n)
}

func (o *observer) OnDisconnect(addr net.Addr) {
	o.m.Disconnections.Inc()
	o.m.ActiveConnections.Dec()
	o.next.OnDisconnect(addr)
}

// RecordFrame counts one received frame.
func (m *Metrics) RecordFrame(frame tlvserver.Frame) {
	m.FramesReceived.WithLabelValues(strconv.Itoa(int(frame.Tag()))).Inc()
	m.PayloadSize.Observe(float64(len(frame.Payload())))
}

// RecordError classifies why a connection ended. Its signature matches
// tlvserver.OnErrorOption.
func (m *Metrics) RecordError(_ net.Addr, err error) {
	m.ConnectionErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind maps a connection error to a low-cardinality label.
func ErrorKind(err error) string {
	var cbErr *tlvserver.CallbackError
	switch {
	case errors.As(err, &cbErr):
		return "callback"
	case errors.Is(err, tlvserver.ErrIncompleteFrame):
		return "incomplete_frame"
	case errors.Is(err, tlvserver.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, tlvserver.ErrIdleTimeout):
		return "idle_timeout"
	default:
		return "io"
	}
}
