// Package metrics exposes the server's operational counters in Prometheus
// exposition format.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects session, update and capture counters. Instruments are
// registered in a dedicated registry so tests and embedders do not collide
// with the global default registry. A nil *Metrics is valid and drops every
// record, which keeps metrics optional for callers.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter

	updatesTotal    prometheus.Counter
	rectsTotal      prometheus.Counter
	bytesTotal      prometheus.Counter
	updateDuration  prometheus.Histogram
	captureErrors   prometheus.Counter
	inputEvents     prometheus.Counter
	goroutineCount  prometheus.GaugeFunc
	framebufferDims *prometheus.GaugeVec

	startTime time.Time
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kmsvnc",
			Name:      "active_sessions",
			Help:      "Number of connected VNC sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "sessions_total",
			Help:      "Total number of accepted VNC sessions.",
		}),
		updatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "updates_total",
			Help:      "Total number of FramebufferUpdate messages sent.",
		}),
		rectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "rectangles_total",
			Help:      "Total number of rectangles sent across all updates.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "update_bytes_total",
			Help:      "Total bytes of update payload written to clients.",
		}),
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kmsvnc",
			Name:      "update_duration_seconds",
			Help:      "Time from capture tick to update written.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		captureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "capture_errors_total",
			Help:      "Total transient capture failures.",
		}),
		inputEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kmsvnc",
			Name:      "input_events_total",
			Help:      "Total pointer and key events routed to uinput.",
		}),
		goroutineCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kmsvnc",
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		framebufferDims: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kmsvnc",
			Name:      "framebuffer_dimension_pixels",
			Help:      "Captured framebuffer geometry.",
		}, []string{"axis"}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.updatesTotal,
		m.rectsTotal,
		m.bytesTotal,
		m.updateDuration,
		m.captureErrors,
		m.inputEvents,
		m.goroutineCount,
		m.framebufferDims,
	)
	return m
}

// Registry returns the dedicated Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted records an accepted session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionEnded records a closed session.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// RecordUpdate records one sent FramebufferUpdate.
func (m *Metrics) RecordUpdate(rects, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.updatesTotal.Inc()
	m.rectsTotal.Add(float64(rects))
	m.bytesTotal.Add(float64(bytes))
	m.updateDuration.Observe(d.Seconds())
}

// RecordCaptureError records a transient capture failure.
func (m *Metrics) RecordCaptureError() {
	if m == nil {
		return
	}
	m.captureErrors.Inc()
}

// RecordInput records one routed input event.
func (m *Metrics) RecordInput() {
	if m == nil {
		return
	}
	m.inputEvents.Inc()
}

// SetGeometry publishes the capture geometry.
func (m *Metrics) SetGeometry(w, h uint16) {
	if m == nil {
		return
	}
	m.framebufferDims.WithLabelValues("width").Set(float64(w))
	m.framebufferDims.WithLabelValues("height").Set(float64(h))
}
