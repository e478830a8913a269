// Package metrics provides Prometheus metrics export for the supervisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports run and delivery metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  *prometheus.GaugeVec
	queueDepth  *prometheus.GaugeVec

	externalResults *prometheus.CounterVec
	droppedResults  *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the run duration histogram (in seconds)
	DurationBuckets []float64
}

// DefaultConfig returns default exporter configuration. Agent runs last
// seconds to tens of minutes, so the buckets stretch far right.
func DefaultConfig() Config {
	return Config{
		DurationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
	}
}

// NewExporter creates a new Prometheus metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultConfig().DurationBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codexbot",
			Name:      "runs_total",
			Help:      "Total number of agent CLI runs by terminal status",
		},
		[]string{"bot", "status"},
	)

	e.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codexbot",
			Name:      "run_duration_seconds",
			Help:      "Agent CLI run duration in seconds",
			Buckets:   cfg.DurationBuckets,
		},
		[]string{"bot"},
	)

	e.runsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "codexbot",
			Name:      "runs_active",
			Help:      "Number of currently executing runs",
		},
		[]string{"bot"},
	)

	e.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "codexbot",
			Name:      "queue_depth",
			Help:      "Number of queued prompts waiting behind the active run",
		},
		[]string{"bot"},
	)

	e.externalResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codexbot",
			Name:      "external_results_total",
			Help:      "Results delivered from the external event-log poller",
		},
		[]string{"bot"},
	)

	e.droppedResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codexbot",
			Name:      "dropped_results_total",
			Help:      "Poller results suppressed by the send-dedup window",
		},
		[]string{"bot"},
	)

	registry.MustRegister(
		e.runsTotal,
		e.runDuration,
		e.runsActive,
		e.queueDepth,
		e.externalResults,
		e.droppedResults,
	)

	return e
}

// RunStarted marks one run as active.
func (e *Exporter) RunStarted(bot string) {
	e.runsActive.WithLabelValues(bot).Inc()
}

// RecordRun records a finished run with its terminal status.
func (e *Exporter) RecordRun(bot, status string, duration time.Duration) {
	e.runsActive.WithLabelValues(bot).Dec()
	e.runsTotal.WithLabelValues(bot, status).Inc()
	e.runDuration.WithLabelValues(bot).Observe(duration.Seconds())
}

// SetQueueDepth updates the queued-prompt gauge.
func (e *Exporter) SetQueueDepth(bot string, depth int) {
	e.queueDepth.WithLabelValues(bot).Set(float64(depth))
}

// RecordExternalResults counts poller deliveries.
func (e *Exporter) RecordExternalResults(bot string, count int) {
	if count <= 0 {
		return
	}
	e.externalResults.WithLabelValues(bot).Add(float64(count))
}

// RecordDroppedResult counts one deduplicated poller result.
func (e *Exporter) RecordDroppedResult(bot string) {
	e.droppedResults.WithLabelValues(bot).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *Exporter) GetRegistry() *prometheus.Registry {
	return e.registry
}
