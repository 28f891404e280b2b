// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quicrelay"

// Reassembly drop reasons, used as the "reason" label.
const (
	DropTimeout      = "timeout"
	DropMalformed    = "malformed"
	DropDissociate   = "dissociate"
	DropBackpressure = "backpressure"
)

// Metrics contains all Prometheus metrics for one process.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	Reconnects        prometheus.Counter

	// Relay session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  prometheus.Counter
	BytesRelayed   *prometheus.CounterVec // direction: to_target | to_client

	// UDP relay metrics
	AssociationsActive   prometheus.Gauge
	AssociationsTotal    prometheus.Counter
	PacketsFragmented    prometheus.Counter
	DatagramsReassembled prometheus.Counter
	ReassemblyDrops      *prometheus.CounterVec // reason

	// Heartbeats
	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegistry creates a Metrics instance registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live transport connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total transport connections established.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentication attempts.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total client reconnection attempts.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live relay sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions opened.",
		}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total relay sessions terminated by I/O errors.",
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed through sessions by direction.",
		}, []string{"direction"}),
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of live UDP associations.",
		}),
		AssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Total UDP associations created.",
		}),
		PacketsFragmented: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_fragmented_total",
			Help:      "Total Packet fragments produced by the send path.",
		}),
		DatagramsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_reassembled_total",
			Help:      "Total logical datagrams emitted by reassembly.",
		}),
		ReassemblyDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassembly_drops_total",
			Help:      "Reassembly entries dropped without emitting, by reason.",
		}, []string{"reason"}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat commands sent.",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeat commands received.",
		}),
	}
}

// Handler returns an HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
