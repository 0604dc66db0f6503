package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crop_alerts"

// Metrics holds the Prometheus counters, histograms, and gauges for the alert service.
type Metrics struct {
	// Connection registry metrics.
	ActiveConnections   prometheus.Gauge
	BroadcastDeliveries prometheus.Counter
	BroadcastFailures   prometheus.Counter

	// Notification governance metrics.
	GovernanceDecisions  *prometheus.CounterVec // labels: reason
	NotificationsBatched prometheus.Counter

	// Broadcast fabric metrics.
	FabricPublishes       *prometheus.CounterVec // labels: outcome={success,error}
	FabricMessages        *prometheus.CounterVec // labels: outcome={delivered,malformed}
	FabricListenerRunning prometheus.Gauge

	// Alert monitor metrics.
	MonitorRunning      prometheus.Gauge
	MonitorTicks        prometheus.Counter
	MonitorTickDuration prometheus.Histogram
	Evaluations         *prometheus.CounterVec // labels: severity
	SubscriptionErrors  prometheus.Counter

	// Push delivery metrics.
	PushRequests *prometheus.CounterVec // labels: outcome={sent,rejected,error,suppressed,batched}

	// Weather source metrics.
	WeatherRequests    *prometheus.CounterVec // labels: outcome={success,error}
	WeatherCache       *prometheus.CounterVec // labels: result={hit,miss}
	WeatherAPIDuration prometheus.Histogram
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live client connections held by this instance.",
		}),
		BroadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Messages successfully sent to client connections.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Client sends that failed and disconnected the connection.",
		}),
		GovernanceDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_decisions_total",
			Help:      "Notification send decisions by reason.",
		}, []string{"reason"}),
		NotificationsBatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_batched_total",
			Help:      "Notifications queued for a batched summary.",
		}),
		FabricPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fabric_publishes_total",
			Help:      "Channel publishes by outcome.",
		}, []string{"outcome"}),
		FabricMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fabric_messages_total",
			Help:      "Messages received from the global alerts channel by outcome.",
		}, []string{"outcome"}),
		FabricListenerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fabric_listener_running",
			Help:      "1 when the fabric listener is active, 0 otherwise.",
		}),
		MonitorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_running",
			Help:      "1 when the alert monitor is active, 0 when stopped.",
		}),
		MonitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Completed monitor ticks.",
		}),
		MonitorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Duration of a complete monitor tick.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Risk evaluations by resulting severity.",
		}, []string{"severity"}),
		SubscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Per-subscription failures during monitor ticks.",
		}),
		PushRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_requests_total",
			Help:      "Push notification attempts by outcome.",
		}, []string{"outcome"}),
		WeatherRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_requests_total",
			Help:      "Weather API requests by outcome.",
		}, []string{"outcome"}),
		WeatherCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_cache_total",
			Help:      "Weather cache lookups by result.",
		}, []string{"result"}),
		WeatherAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_api_duration_seconds",
			Help:      "Weather API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ActiveConnections,
		m.BroadcastDeliveries,
		m.BroadcastFailures,
		m.GovernanceDecisions,
		m.NotificationsBatched,
		m.FabricPublishes,
		m.FabricMessages,
		m.FabricListenerRunning,
		m.MonitorRunning,
		m.MonitorTicks,
		m.MonitorTickDuration,
		m.Evaluations,
		m.SubscriptionErrors,
		m.PushRequests,
		m.WeatherRequests,
		m.WeatherCache,
		m.WeatherAPIDuration,
	}
}
