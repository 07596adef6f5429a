// Package metrics exposes the process's Prometheus collectors. It collapses
// the teacher's several duplicate metrics drafts (go-server/internal/metrics:
// metrics.go, enhanced.go, simple_metrics.go, connections.go,
// runtime_metrics.go, system.go, interface.go) into one canonical registry
// sized for this core's actual components instead of the teacher's generic
// websocket-connection counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the core publishes. Each
// Registry owns its own prometheus.Registry rather than registering onto
// the global prometheus.DefaultRegisterer, so constructing more than one
// Registry in the same process — as every package's table-driven tests do
// — never panics with a duplicate-collector registration error.
type Registry struct {
	registry *prometheus.Registry

	TickQueueDepth   prometheus.Gauge
	TickQueueDropped prometheus.Counter

	BuildersActive    prometheus.Gauge
	LateTicksRejected prometheus.Counter
	BucketTransitions prometheus.Counter

	UpstreamConnected       prometheus.Gauge
	UpstreamReconnects      prometheus.Counter
	UpstreamMalformedFrames prometheus.Counter

	BackfillRequests prometheus.Counter
	BackfillErrors   prometheus.Counter
	BackfillLatency  prometheus.Histogram

	StoreWriteErrors prometheus.Counter

	SSEConnectionsActive prometheus.Gauge
	SSEFramesDropped     *prometheus.CounterVec
	SSEConnectionsTotal  *prometheus.CounterVec

	UpstreamSubscribedSymbols prometheus.Gauge

	ConnectionsRejectedRate *prometheus.CounterVec

	Goroutines prometheus.Gauge
	MemoryRSS  prometheus.Gauge
	CPUPercent prometheus.Gauge
}

// New registers and returns a fresh collector set on a private registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		registry: reg,

		TickQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_tick_queue_depth",
			Help: "Current number of ticks buffered between the feed client and the aggregator.",
		}),
		TickQueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_tick_queue_dropped_total",
			Help: "Ticks dropped because the tick queue was full.",
		}),
		BuildersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_candle_builders_active",
			Help: "Number of live per-symbol candle builders.",
		}),
		LateTicksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_late_ticks_rejected_total",
			Help: "Ticks rejected for arriving before the builder's current bucket.",
		}),
		BucketTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_bucket_transitions_total",
			Help: "Minute buckets finalized across all builders.",
		}),
		UpstreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_upstream_connected",
			Help: "1 if the upstream feed client is CONNECTED, else 0.",
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_upstream_reconnects_total",
			Help: "Upstream reconnect attempts.",
		}),
		UpstreamMalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_upstream_malformed_frames_total",
			Help: "Inbound frames dropped for failing to parse.",
		}),
		BackfillRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_backfill_requests_total",
			Help: "Historical backfill REST requests issued.",
		}),
		BackfillErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_backfill_errors_total",
			Help: "Historical backfill requests that ended in a non-fatal warning.",
		}),
		BackfillLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcore_backfill_latency_seconds",
			Help:    "Backfill REST call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		StoreWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcore_store_write_errors_total",
			Help: "Store writes whose first attempt failed (candle upserts are then retried once).",
		}),
		SSEConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_sse_connections_active",
			Help: "Currently attached SSE streaming connections.",
		}),
		SSEFramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_sse_frames_dropped_total",
			Help: "SSE frames dropped or evicted from a per-connection queue (queue full, or a delta arriving before the initial snapshot).",
		}, []string{"stream"}),
		SSEConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_sse_connections_total",
			Help: "SSE connections accepted, by stream kind.",
		}, []string{"stream"}),
		UpstreamSubscribedSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_upstream_subscribed_symbols",
			Help: "Number of symbols currently subscribed upstream.",
		}),
		ConnectionsRejectedRate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_connections_rejected_rate_total",
			Help: "New stream connection attempts rejected by the admission limiter, by scope (ip, global).",
		}, []string{"scope"}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_goroutines",
			Help: "runtime.NumGoroutine() sampled periodically.",
		}),
		MemoryRSS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_memory_rss_bytes",
			Help: "Process resident memory, via gopsutil.",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_cpu_percent",
			Help: "System-wide CPU utilization percent, exponentially smoothed, via gopsutil.",
		}),
	}
}

// Timer is a small helper for histogram observations, mirroring the
// teacher's start := time.Now(); ...; Record(time.Since(start)) idiom.
func Timer() func(prometheus.Histogram) {
	start := time.Now()
	return func(h prometheus.Histogram) {
		h.Observe(time.Since(start).Seconds())
	}
}

// Handler serves this Registry's collectors for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
