// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events published to the bus by kind.",
	}, []string{"kind"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "bus",
		Name:      "session_enqueues_total",
		Help:      "Events enqueued to subscriber sessions.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "bus",
		Name:      "session_drops_total",
		Help:      "Events evicted from full subscriber queues.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lnpulse",
		Subsystem: "bus",
		Name:      "sessions",
		Help:      "Registered subscriber sessions.",
	})

	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lnpulse",
		Subsystem: "connmgr",
		Name:      "state",
		Help:      "Connection state per backend (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
	}, []string{"backend"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "connmgr",
		Name:      "reconnects_total",
		Help:      "Successful reconnects per backend.",
	}, []string{"backend"})

	CallsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "connmgr",
		Name:      "calls_rejected_total",
		Help:      "Calls failed fast per backend and reason.",
	}, []string{"backend", "reason"})

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lnpulse",
		Subsystem: "connmgr",
		Name:      "call_duration_seconds",
		Help:      "Backend call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "op"})

	TransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "connmgr",
		Name:      "transitions_rejected_total",
		Help:      "Stream events dropped for violating monotonic state order.",
	}, []string{"backend", "kind"})

	UntranslatableUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "adapter",
		Name:      "untranslatable_updates_total",
		Help:      "Stream updates replaced by a gap marker because they could not be translated.",
	}, []string{"backend", "stream"})

	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lnpulse",
		Subsystem: "chain",
		Name:      "height",
		Help:      "Last forwarded block height.",
	})

	ChainCatchUpBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "chain",
		Name:      "catchup_blocks_total",
		Help:      "Blocks synthesised while catching up after a reconnect or missed notification.",
	})

	ChainGaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "chain",
		Name:      "gaps_total",
		Help:      "Gap markers emitted because catch-up exceeded the lookback bound.",
	})

	SinkPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "sink",
		Name:      "published_total",
		Help:      "Events forwarded to external sinks.",
	}, []string{"sink"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnpulse",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Failed sink publishes.",
	}, []string{"sink"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
