package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "xiaobairouter"

// Metrics holds the proxy's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	rotations       *prometheus.CounterVec
	streamedChunks  prometheus.Counter
	activeRequests  prometheus.Gauge
	modelFallbacks  prometheus.Counter
	skippedPayloads prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by model, mode and HTTP status.",
		}, []string{"model", "mode", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of chat completion requests, including streaming.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model", "mode"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures reported to callers, by kind.",
		}, []string{"kind"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conversation_rotations_total",
			Help:      "Conversations replaced before or after an upstream rejection.",
		}, []string{"reason"}),
		streamedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streamed_chunks_total",
			Help:      "Content chunks written to streaming callers.",
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_requests",
			Help:      "Chat completion requests in flight.",
		}),
		modelFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_fallbacks_total",
			Help:      "Requests for unknown models served by the default model.",
		}),
		skippedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_payloads_total",
			Help:      "Upstream event payloads that could not be decoded.",
		}),
	}
	registry.MustRegister(
		m.requests,
		m.duration,
		m.upstreamErrors,
		m.rotations,
		m.streamedChunks,
		m.activeRequests,
		m.modelFallbacks,
		m.skippedPayloads,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (m *Metrics) observeRequest(model string, stream bool, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	mode := "buffered"
	if stream {
		mode = "stream"
	}
	m.requests.WithLabelValues(model, mode, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(model, mode).Observe(elapsed.Seconds())
}

func (m *Metrics) observeResult(res engine.Result, skipped int) {
	if m == nil {
		return
	}
	switch {
	case res.Retried:
		m.rotations.WithLabelValues("limit_retry").Inc()
	case res.Rotated:
		m.rotations.WithLabelValues("soft_cap").Inc()
	}
	if res.ModelFallback {
		m.modelFallbacks.Inc()
	}
	if skipped > 0 {
		m.skippedPayloads.Add(float64(skipped))
	}
}

func (m *Metrics) observeUpstreamError(kind engine.ErrorKind) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) addChunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.streamedChunks.Add(float64(n))
}

func (m *Metrics) trackActive(delta float64) {
	if m == nil {
		return
	}
	m.activeRequests.Add(delta)
}
