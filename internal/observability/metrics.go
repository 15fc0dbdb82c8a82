package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	InstancesCreated *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	DirectoryLatency *prometheus.HistogramVec
	PendingDeadlines prometheus.Gauge
	EventSubscribers prometheus.Gauge
	EventsDropped    prometheus.Counter

	Lifecycle *LifecycleWindow
}

// NewMetrics registers the instruments with reg, or with the default
// registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		InstancesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_instances_created_total",
			Help:      "Task instances created by definition and kind.",
		}, []string{"definition", "kind"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Accepted lifecycle actions by action and resulting state.",
		}, []string{"action", "state"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejections_total",
			Help:      "Rejected operations by operation and reason.",
		}, []string{"operation", "reason"}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_escalations_total",
			Help:      "Escalation attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		DirectoryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "directory_lookup_latency_ms",
			Help:      "Directory lookup latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"outcome"}),
		PendingDeadlines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalation_pending_deadlines",
			Help:      "Deadlines waiting in the escalation scheduler.",
		}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Active lifecycle event subscribers.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a subscriber lagged.",
		}),
		Lifecycle: NewLifecycleWindow(512),
	}
}

func (m *Metrics) ObserveInstanceCreated(definition, kind string) {
	if m == nil {
		return
	}
	m.InstancesCreated.WithLabelValues(definition, kind).Inc()
}

func (m *Metrics) ObserveTransition(action, state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, state).Inc()
}

func (m *Metrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) ObserveEscalation(action, outcome string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "none"
	}
	m.Escalations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveDirectoryLookup(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DirectoryLatency.WithLabelValues(outcome).Observe(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) SetPendingDeadlines(n int) {
	if m == nil {
		return
	}
	m.PendingDeadlines.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific registry.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
