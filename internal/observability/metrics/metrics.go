// Package metrics exposes the ambient Prometheus instrumentation shared by
// the Ingest Gateway and Transcode Worker: HTTP request counters/latency,
// stream lifecycle gauges, transcoder job outcomes, and ingest-dependency
// health.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps a dedicated Prometheus registry with the named instruments
// this service publishes. A dedicated registry (rather than
// prometheus.DefaultRegisterer) keeps test instances from colliding with
// each other or with the process-wide default.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeStreams    prometheus.Gauge
	streamEventTotal *prometheus.CounterVec

	activeTranscoderJobs prometheus.Gauge
	transcoderJobsTotal  *prometheus.CounterVec

	ingestHealth *prometheus.GaugeVec
}

var defaultRecorder = New()

// New constructs a Recorder backed by its own Prometheus registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed, by method, route, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds, by method, route, and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		activeStreams: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "streamforge",
			Name:      "active_streams",
			Help:      "Current number of streams with an open ingest connection.",
		}),
		streamEventTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events observed by the Ingest Gateway, by event name.",
		}, []string{"event"}),
		activeTranscoderJobs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "streamforge",
			Name:      "transcoder_active_jobs",
			Help:      "Current number of streams actively owned by this worker.",
		}),
		transcoderJobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "transcoder_jobs_total",
			Help:      "Transcode task outcomes, by terminal status.",
		}, []string{"status"}),
		ingestHealth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamforge",
			Name:      "ingest_dependency_health",
			Help:      "Health of an ingest dependency (1=ok, 0=degraded).",
		}, []string{"dependency"}),
	}
	return r
}

// Default returns the process-wide Recorder used by helper functions for
// callers that do not hold their own handle.
func Default() *Recorder { return defaultRecorder }

// Registry exposes the underlying Prometheus registry, e.g. to add
// process/Go runtime collectors at composition time.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": strings.ToUpper(method),
		"path":   normalizePath(path),
		"status": statusLabel(status),
	}
	r.requestsTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

// StreamStarted records a stream entering Live and increments the active
// stream gauge.
func (r *Recorder) StreamStarted() {
	r.streamEventTotal.WithLabelValues("start").Inc()
	r.activeStreams.Inc()
}

// StreamStopped records a stream leaving its active window and decrements
// the active stream gauge.
func (r *Recorder) StreamStopped() {
	r.streamEventTotal.WithLabelValues("stop").Inc()
	r.activeStreams.Dec()
}

// TranscoderJobStarted records a worker claiming a stream.
func (r *Recorder) TranscoderJobStarted() {
	r.activeTranscoderJobs.Inc()
}

// TranscoderJobCompleted records a transcode task reaching Complete.
func (r *Recorder) TranscoderJobCompleted() {
	r.transcoderJobsTotal.WithLabelValues("complete").Inc()
	r.activeTranscoderJobs.Dec()
}

// TranscoderJobFailed records a transcode task reaching Error.
func (r *Recorder) TranscoderJobFailed() {
	r.transcoderJobsTotal.WithLabelValues("error").Inc()
	r.activeTranscoderJobs.Dec()
}

// SetIngestHealth records the health of a named ingest-path dependency
// (the coordination broker, the object store, the recording repository).
func (r *Recorder) SetIngestHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	r.ingestHealth.WithLabelValues(normalizeName(dependency)).Set(value)
}

// Handler exposes the Recorder's registry for scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// StreamStarted increments counters on the default recorder.
func StreamStarted() { defaultRecorder.StreamStarted() }

// StreamStopped decrements active streams on the default recorder.
func StreamStopped() { defaultRecorder.StreamStopped() }

// SetIngestHealth updates ingest health for the default recorder.
func SetIngestHealth(dependency string, healthy bool) {
	defaultRecorder.SetIngestHealth(dependency, healthy)
}

// TranscoderJobStarted records a claimed stream on the default recorder.
func TranscoderJobStarted() { defaultRecorder.TranscoderJobStarted() }

// TranscoderJobCompleted records a completed transcode task on the default recorder.
func TranscoderJobCompleted() { defaultRecorder.TranscoderJobCompleted() }

// TranscoderJobFailed records a failed transcode task on the default recorder.
func TranscoderJobFailed() { defaultRecorder.TranscoderJobFailed() }

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler { return defaultRecorder.Handler() }

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// normalizePath collapses path segments that look like identifiers (stream
// ids, recording ids) into a fixed placeholder so cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
