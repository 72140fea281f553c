// Package metrics exposes Prometheus collectors for the rating workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anirate"

// Outcome labels shared by the counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeFallback = "fallback"
	OutcomeRejected = "rejected"
)

// Recorder owns the service collectors. A nil Recorder discards observations.
type Recorder struct {
	registry      *prometheus.Registry
	submissions   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	catalogFetch  *prometheus.CounterVec
}

// NewRecorder builds a Recorder with its own registry, including Go and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "rating_submissions_total", Help: "Rating submissions by outcome."},
			[]string{"outcome"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "view_invalidations_total", Help: "View invalidation deliveries by sink and outcome."},
			[]string{"sink", "outcome"},
		),
		catalogFetch: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "catalog_fetches_total", Help: "Catalog source fetches by outcome."},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(
		recorder.submissions,
		recorder.invalidations,
		recorder.catalogFetch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveSubmission counts a rating submission.
func (r *Recorder) ObserveSubmission(outcome string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(outcome).Inc()
}

// ObserveInvalidation counts one invalidation delivery to a sink.
func (r *Recorder) ObserveInvalidation(sink, outcome string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(sink, outcome).Inc()
}

// ObserveCatalogFetch counts one catalog source fetch.
func (r *Recorder) ObserveCatalogFetch(outcome string) {
	if r == nil {
		return
	}
	r.catalogFetch.WithLabelValues(outcome).Inc()
}
