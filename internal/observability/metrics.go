package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime counters and gauges for the scheduler and
// streaming paths.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksDropped   prometheus.Counter
	TasksPreempted prometheus.Counter
	QueueDepth     prometheus.Gauge
	StreamTokens   prometheus.Counter
	MemoryChunks   prometheus.Gauge
}

// NewMetrics creates and registers the metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_submitted_total",
			Help: "Tasks submitted to the router, by channel.",
		}, []string{"channel"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_completed_total",
			Help: "Tasks reaching a terminal state, by route and outcome.",
		}, []string{"route", "outcome"}),
		TasksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_tasks_dropped_total",
			Help: "Tasks evicted by queue backpressure.",
		}),
		TasksPreempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_tasks_preempted_total",
			Help: "Running tasks preempted by urgent arrivals.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Tasks currently waiting in the scheduler queue.",
		}),
		StreamTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_tokens_total",
			Help: "Tokens forwarded to submitters.",
		}),
		MemoryChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_memory_chunks",
			Help: "Chunks held in the memory store.",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
