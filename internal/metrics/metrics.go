// Package metrics exposes Prometheus instrumentation for predictions and HTTP traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction outcomes.
const (
	OutcomeLabeled       = "labeled"
	OutcomeLowConfidence = "low_confidence"
	OutcomeError         = "error"
)

// Metrics owns a private registry so tests and multiple servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	Predictions       *prometheus.CounterVec
	PredictedLabels   *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	CacheLookups      *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Predictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lesion_predictions_total",
				Help: "Predictions served, by outcome",
			},
			[]string{"outcome"},
		),
		PredictedLabels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lesion_predicted_labels_total",
				Help: "Labeled predictions, by class label",
			},
			[]string{"label"},
		),
		InferenceDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lesion_inference_duration_seconds",
				Help:    "Duration of classifier calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lesion_cache_lookups_total",
				Help: "Prediction cache lookups, by result",
			},
			[]string{"result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePrediction records one finished prediction. label is ignored for errors
// and low confidence results.
func (m *Metrics) ObservePrediction(outcome, label string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeLabeled {
		m.PredictedLabels.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.Observe(d.Seconds())
}

// ObserveCache records a cache lookup; hit false counts as a miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(path, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, method, status).Inc()
	m.HTTPDuration.WithLabelValues(path).Observe(d.Seconds())
}
