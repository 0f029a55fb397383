package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	InferenceErrors     *prometheus.CounterVec
	FallbackActivations *prometheus.CounterVec
	InitLatency         prometheus.Histogram
	QueueDepth          prometheus.Gauge

	// Stages keeps exact recent percentiles for the stats endpoint.
	Stages *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of warm speech sessions in this process.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		InferenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Inference transport errors by stage.",
		}, []string{"stage"}),
		FallbackActivations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_activations_total",
			Help:      "Sessions degraded to fallback mode by reason.",
		}, []string{"reason"}),
		InitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_init_latency_ms",
			Help:      "Latency from initialize_session to session_initialized in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 12000},
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Total queued protocol events across warm sessions.",
		}),
		Stages: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveInitLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.InitLatency.Observe(ms)
	m.Stages.Observe(StageInitToReady, ms)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
