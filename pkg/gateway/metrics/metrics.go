// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	// Pipeline latency
	TranscriptionDuration prometheus.Histogram
	SynthesisDuration     prometheus.Histogram
	CallDuration          prometheus.Histogram
	AudioBytesTotal       *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resilience
	BreakerState        *prometheus.GaugeVec
	RateLimitRejections *prometheus.CounterVec

	// Events
	EventSockets         prometheus.Gauge
	EventsPublishedTotal *prometheus.CounterVec

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_total",
			Help: "Total number of voice sessions created",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live voice sessions",
		}),
		TranscriptionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcription_duration_seconds",
			Help:    "Speech-to-text call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		SynthesisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "synthesis_duration_seconds",
			Help:    "Text-to-speech call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Phone call duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_bytes_total",
			Help: "Total audio bytes processed",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors by type",
		}, []string{"error_type"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		}, []string{"dependency"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of rate limit rejections",
		}, []string{"policy"}),
		EventSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_sockets",
			Help: "Number of connected event sockets",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		}, []string{"type"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.SessionsTotal,
		m.SessionsActive,
		m.TranscriptionDuration,
		m.SynthesisDuration,
		m.CallDuration,
		m.AudioBytesTotal,
		m.ErrorsTotal,
		m.BreakerState,
		m.RateLimitRejections,
		m.EventSockets,
		m.EventsPublishedTotal,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new live session.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a live session leaving the registry.
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordError counts one error of the given type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil || errorType == "" {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordTranscription observes one speech-to-text call.
func (m *Metrics) RecordTranscription(d time.Duration) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.Observe(d.Seconds())
}

// RecordSynthesis observes one text-to-speech call.
func (m *Metrics) RecordSynthesis(d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.Observe(d.Seconds())
}

// RecordCallEnded observes the duration of a finished call.
func (m *Metrics) RecordCallEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.CallDuration.Observe(d.Seconds())
}

// RecordAudioBytes counts audio bytes by direction ("in" or "out").
func (m *Metrics) RecordAudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// SetBreakerState exports a breaker position.
func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordRateLimitRejection counts a limiter rejection.
func (m *Metrics) RecordRateLimitRejection(policy string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(policy).Inc()
}

// SetEventSockets exports the number of connected event sockets.
func (m *Metrics) SetEventSockets(n int) {
	if m == nil {
		return
	}
	m.EventSockets.Set(float64(n))
}

// RecordEventPublished counts one published event.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
