package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	submissionsTotal     *prometheus.CounterVec
	submissionSeconds    *prometheus.HistogramVec
	rateLimitSignalTotal *prometheus.CounterVec
	backoffSeconds       prometheus.Histogram
	opsRequestsTotal     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the grading run.
func RegisterMetrics() {
	registerOnce.Do(func() {
		submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "submissions_total",
			Help:      "Submissions processed, by terminal outcome and failure reason.",
		}, []string{"outcome", "reason"})

		submissionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grader",
			Name:      "submission_duration_seconds",
			Help:      "Wall time spent processing one submission.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"})

		rateLimitSignalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "rate_limit_signals_total",
			Help:      "Rate-limit signals received from upstream APIs.",
		}, []string{"source"})

		backoffSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "grader",
			Name:      "backoff_seconds",
			Help:      "Backoff sleeps performed after rate limiting.",
			Buckets:   []float64{1, 5, 10, 30, 60, 180, 600, 1800},
		})

		opsRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grader",
			Name:      "ops_requests_total",
			Help:      "Requests served by the ops HTTP listener.",
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(submissionsTotal, submissionSeconds, rateLimitSignalTotal, backoffSeconds, opsRequestsTotal)
	})
}

// Submissions exposes the per-outcome submission counter.
func Submissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsTotal
}

// SubmissionDuration exposes the processing latency histogram.
func SubmissionDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return submissionSeconds
}

// RateLimitSignals exposes the upstream throttling counter.
func RateLimitSignals() *prometheus.CounterVec {
	RegisterMetrics()
	return rateLimitSignalTotal
}

// BackoffSeconds exposes the backoff sleep histogram.
func BackoffSeconds() prometheus.Histogram {
	RegisterMetrics()
	return backoffSeconds
}

// OpsRequests exposes the ops listener request counter.
func OpsRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return opsRequestsTotal
}
