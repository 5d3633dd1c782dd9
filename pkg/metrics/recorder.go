// Package metrics records tune loop and generation metrics with Prometheus and
// reads them back from a Prometheus server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agenda-podcast/fd2/pkg/tune"
)

// Recorder implements tune.Recorder and llm.Recorder on a private registry.
type Recorder struct {
	registry        *prometheus.Registry
	attemptsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ tune.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fd_tune_attempts_total",
				Help: "Tune attempts by fix mode and verdict",
			},
			[]string{"mode", "verdict"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fd_tune_outcomes_total",
				Help: "Tune runs by terminal state",
			},
			[]string{"state"},
		),
		pollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fd_tune_poll_seconds",
				Help:    "Time from dispatch to a completed CI run",
				Buckets: prometheus.ExponentialBuckets(15, 2, 10),
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fd_llm_requests_total",
				Help: "Generation requests by provider and status",
			},
			[]string{"provider", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fd_llm_request_seconds",
				Help:    "Duration of generation requests in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"provider"},
		),
	}
}

// Registry returns the registry the recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveAttempt counts a finished attempt.
func (r *Recorder) ObserveAttempt(mode tune.Mode, verdict tune.Verdict) {
	r.attemptsTotal.WithLabelValues(string(mode), string(verdict)).Inc()
}

// ObserveOutcome counts a finished run.
func (r *Recorder) ObserveOutcome(state tune.State) {
	r.outcomesTotal.WithLabelValues(string(state)).Inc()
}

// ObservePoll records how long a CI run took to complete.
func (r *Recorder) ObservePoll(elapsed time.Duration) {
	r.pollDuration.Observe(elapsed.Seconds())
}

// ObserveLLMRequest records one generation request.
func (r *Recorder) ObserveLLMRequest(provider, status string, elapsed time.Duration) {
	r.requestsTotal.WithLabelValues(provider, status).Inc()
	r.requestDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}
