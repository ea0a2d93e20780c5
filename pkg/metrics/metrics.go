package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all event-bus metrics
type Metrics struct {
	// Event lifecycle metrics
	EventsPublished    prometheus.Counter
	EventsCompleted    prometheus.Counter
	EventsRetried      *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	HandlerFailures    *prometheus.CounterVec
	ProcessingLatency  prometheus.Histogram
	PendingQueueSize   prometheus.Gauge

	// Watch mode: 1 when streaming, 0 when polling
	WatchStreaming prometheus.Gauge

	// Store metrics
	StoreOperations *prometheus.CounterVec

	// Incident sink metrics
	IncidentsRecorded *prometheus.CounterVec
}

// NewMetrics creates and registers all event-bus metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total number of events appended to the outbox",
		}),
		EventsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_completed_total",
			Help:      "Total number of events that reached COMPLETED",
		}),
		EventsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_retried_total",
			Help:      "Total number of dispatcher-level retries",
		}, []string{"event_type"}),
		EventsDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dead_lettered_total",
			Help:      "Total number of events promoted to the DLQ",
		}, []string{"event_type"}),
		HandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_failures_total",
			Help:      "Total number of individual handler failures",
		}, []string{"event_type"}),
		ProcessingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_processing_duration_seconds",
			Help:      "Time spent processing a single event through its handler chain",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PendingQueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_queue_size",
			Help:      "Number of PENDING events observed in the last recovery or poll sweep",
		}),
		WatchStreaming: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watch_streaming",
			Help:      "1 when the dispatcher consumes a change stream, 0 when polling",
		}),
		StoreOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of event store operations",
		}, []string{"operation", "status"}),
		IncidentsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "incidents_recorded_total",
			Help:      "Total number of observability incidents recorded",
		}, []string{"source"}),
	}
}

// NewNop returns metrics backed by an isolated registry, for tests and
// embedders that do not expose prometheus.
func NewNop() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{Name: "nop_events_published_total"}),
		EventsCompleted: factory.NewCounter(prometheus.CounterOpts{Name: "nop_events_completed_total"}),
		EventsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_events_retried_total",
		}, []string{"event_type"}),
		EventsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_events_dead_lettered_total",
		}, []string{"event_type"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_handler_failures_total",
		}, []string{"event_type"}),
		ProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{Name: "nop_event_processing_duration_seconds"}),
		PendingQueueSize:  factory.NewGauge(prometheus.GaugeOpts{Name: "nop_pending_queue_size"}),
		WatchStreaming:    factory.NewGauge(prometheus.GaugeOpts{Name: "nop_watch_streaming"}),
		StoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_store_operations_total",
		}, []string{"operation", "status"}),
		IncidentsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_incidents_recorded_total",
		}, []string{"source"}),
	}
}
