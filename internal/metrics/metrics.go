// Package metrics wraps the Prometheus collectors exported by the gateway,
// built the same way as the teacher's internal/metrics/metrics.go
// (promauto, grouped by concern) and generalized to this domain's signals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the gateway publishes.
type Registry struct {
	ActiveConnections  prometheus.Gauge
	RegisteredSymbols  prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	OperationMode      prometheus.Gauge
	ProcessCPUPercent  prometheus.Gauge
	ProcessRSSBytes    prometheus.Gauge

	MessagesPublished  prometheus.Counter
	MessagesDelivered  prometheus.Counter
	AcceptErrors       prometheus.Counter
	BroadcastDropped   prometheus.Counter
	EvictionsTotal     prometheus.Counter
	UpstreamReconnects prometheus.Counter
	UpstreamConnected  prometheus.Gauge
}

// NewRegistry creates and registers every collector.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_downstream_connections_active",
			Help: "Number of connected downstream WebSocket clients.",
		}),
		RegisteredSymbols: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_registry_symbols",
			Help: "Number of symbols tracked by the subscription registry (including those lingering at refcount zero).",
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_memguard_usage_bytes",
			Help: "Estimated bytes held across all client dispatcher queues.",
		}),
		OperationMode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_operation_mode",
			Help: "Current operation mode: 0=Idle, 1=Streaming, 2=FailoverPolling.",
		}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_process_cpu_percent",
			Help: "Process CPU usage percentage, sampled periodically.",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled periodically.",
		}),
		MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_upstream_frames_total",
			Help: "Total non-heartbeat frames decoded from the upstream feed.",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_downstream_frames_delivered_total",
			Help: "Total frames successfully enqueued to a downstream client.",
		}),
		AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_downstream_accept_errors_total",
			Help: "Total WebSocket upgrade/accept failures.",
		}),
		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_dispatcher_enqueue_failures_total",
			Help: "Total failed enqueue attempts due to a disconnected client.",
		}),
		EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_dispatcher_evictions_total",
			Help: "Total low-priority client queue evictions triggered by memory pressure.",
		}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "restream_upstream_reconnects_total",
			Help: "Total upstream reconnect attempts (successful and failed).",
		}),
		UpstreamConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_upstream_connected",
			Help: "1 if the upstream WSS connection is currently active, else 0.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
