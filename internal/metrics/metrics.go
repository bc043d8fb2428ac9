package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Resilient caller
	RemoteCalls     *prometheus.CounterVec // outcome: success, failure, short_circuit
	FallbacksServed prometheus.Counter
	BreakerOpens    prometheus.Counter

	// Offline cache/queue
	CacheWriteErrors    prometheus.Counter
	SubmissionsQueued   prometheus.Counter
	SubmissionsReplayed prometheus.Counter

	// Realtime coordinator
	WebSocketSessions prometheus.Gauge
	WebSocketMessages *prometheus.CounterVec // type, direction
	QueueMutations    *prometheus.CounterVec // operation
	MalformedMessages prometheus.Counter
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
)

// Init registers the metrics with the default registry. Safe to call more than once.
func Init() *Metrics {
	initOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

// Get returns the global metrics instance, initializing it if needed
func Get() *Metrics {
	return Init()
}

// NewUnregistered builds a metrics set that is not attached to any registry.
// Used by tests that construct several components.
func NewUnregistered() *Metrics {
	return newMetrics(promauto.With(nil))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devscreen_remote_calls_total",
			Help: "Remote scoring calls by outcome",
		}, []string{"outcome"}),

		FallbacksServed: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_fallbacks_total",
			Help: "Results produced by the offline rule engine",
		}),

		BreakerOpens: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_breaker_opens_total",
			Help: "Number of times the circuit breaker opened",
		}),

		CacheWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_cache_write_errors_total",
			Help: "Durable cache or queue writes that failed and were swallowed",
		}),

		SubmissionsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_submissions_queued_total",
			Help: "Submissions queued for replay",
		}),

		SubmissionsReplayed: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_submissions_replayed_total",
			Help: "Queued submissions confirmed by the backend",
		}),

		WebSocketSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "devscreen_hitl_sessions_active",
			Help: "Number of active clinician WebSocket sessions on this instance",
		}),

		WebSocketMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devscreen_hitl_messages_total",
			Help: "HITL WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		QueueMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devscreen_hitl_queue_mutations_total",
			Help: "Review queue mutations by operation",
		}, []string{"operation"}),

		MalformedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "devscreen_hitl_malformed_messages_total",
			Help: "Inbound messages that could not be parsed and were ignored",
		}),
	}
}
