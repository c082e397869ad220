package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpgate/internal/domain"
)

type PrometheusMetrics struct {
	callDuration      *prometheus.HistogramVec
	handshakes        *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	activeConnections prometheus.Gauge
}

var breakerStateValues = map[string]float64{
	"closed":    0,
	"open":      1,
	"half-open": 2,
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_call_duration_seconds",
				Help:    "Duration of remote calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server_id", "method", "status"},
		),
		handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_handshakes_total",
				Help: "Total number of protocol handshakes attempted",
			},
			[]string{"server_id", "status"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpgate_breaker_state",
				Help: "Circuit breaker state per server (0=closed, 1=open, 2=half-open)",
			},
			[]string{"server_id"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpgate_active_connections",
				Help: "Current number of live server connections",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveCall(serverID, method string, duration time.Duration, err error) {
	p.callDuration.WithLabelValues(serverID, method, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveHandshake(serverID string, duration time.Duration, err error) {
	p.handshakes.WithLabelValues(serverID, statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) SetBreakerState(serverID, state string) {
	p.breakerState.WithLabelValues(serverID).Set(breakerStateValues[state])
}

func (p *PrometheusMetrics) SetActiveConnections(count int) {
	p.activeConnections.Set(float64(count))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
