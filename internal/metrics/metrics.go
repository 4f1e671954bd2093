// Package metrics exposes Prometheus collectors for the pagesink service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineMessagesPolledTotal prometheus.Counter
	pipelinePollFailuresTotal   prometheus.Counter
	pipelineTasksTotal          *prometheus.CounterVec
	pipelineDecodeRejectsTotal  *prometheus.CounterVec
	pipelineInflightTasks       prometheus.Gauge
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchDurationSeconds        *prometheus.HistogramVec
	persistDurationSeconds      prometheus.Histogram
	persistRetriesTotal         prometheus.Counter
	deadLettersTotal            *prometheus.CounterVec
	deadLettersDroppedTotal     prometheus.Counter
	commitsTotal                prometheus.Counter
	commitFailuresTotal         prometheus.Counter
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelineMessagesPolledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_messages_polled_total",
				Help: "Total number of messages polled from the broker.",
			},
		)

		pipelinePollFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_poll_failures_total",
				Help: "Total number of failed broker poll calls.",
			},
		)

		pipelineTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesink_tasks_total",
				Help: "Total number of tasks resolved, labeled by resolution.",
			},
			[]string{"resolution"},
		)

		pipelineDecodeRejectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesink_decode_rejects_total",
				Help: "Total number of messages rejected before admission, labeled by reason.",
			},
			[]string{"reason"},
		)

		pipelineInflightTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesink_inflight_tasks",
				Help: "Number of tasks currently holding an admission slot.",
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesink_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesink_fetch_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by result.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"result"},
		)

		persistDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagesink_persist_duration_seconds",
				Help:    "Histogram of document store write latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		persistRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_persist_retries_total",
				Help: "Total number of retried document store writes.",
			},
		)

		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesink_dead_letters_total",
				Help: "Total number of delivered dead-letter entries, labeled by reason class.",
			},
			[]string{"reason"},
		)

		deadLettersDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_dead_letters_dropped_total",
				Help: "Total number of dead-letter entries dropped after delivery retries or queue overflow.",
			},
		)

		commitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_commits_total",
				Help: "Total number of committed offsets.",
			},
		)

		commitFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesink_commit_failures_total",
				Help: "Total number of failed offset commit calls.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeReason reduces a dead-letter reason to its bounded class: the
// status code suffix of "http-status:404" would otherwise explode label
// cardinality.
func SanitizeReason(reason string) string {
	if reason == "" {
		return "unknown"
	}
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePolled adds polled messages to the poll counter.
func ObservePolled(count int) {
	if count > 0 {
		pipelineMessagesPolledTotal.Add(float64(count))
	}
}

// ObservePollFailure increments the broker poll failure counter.
func ObservePollFailure() {
	pipelinePollFailuresTotal.Inc()
}

// ObserveTask increments the task counter for a terminal resolution.
func ObserveTask(resolution string) {
	pipelineTasksTotal.WithLabelValues(resolution).Inc()
}

// ObserveDecodeReject counts a message rejected before admission.
func ObserveDecodeReject(reason string) {
	pipelineDecodeRejectsTotal.WithLabelValues(SanitizeReason(reason)).Inc()
}

// IncInflight increments the admission slot gauge.
func IncInflight() {
	pipelineInflightTasks.Inc()
}

// DecInflight decrements the admission slot gauge.
func DecInflight() {
	pipelineInflightTasks.Dec()
}

// ObserveFetchAttempt records one fetch attempt with its result class.
func ObserveFetchAttempt(result string, duration time.Duration) {
	fetchAttemptsTotal.WithLabelValues(result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObservePersist records a successful document store write.
func ObservePersist(duration time.Duration) {
	persistDurationSeconds.Observe(duration.Seconds())
}

// IncPersistRetry counts a retried document store write.
func IncPersistRetry() {
	persistRetriesTotal.Inc()
}

// ObserveDeadLetter counts a delivered dead-letter entry.
func ObserveDeadLetter(reason string) {
	deadLettersTotal.WithLabelValues(SanitizeReason(reason)).Inc()
}

// IncDeadLetterDropped counts a dead-letter entry that could not be delivered.
func IncDeadLetterDropped() {
	deadLettersDroppedTotal.Inc()
}

// ObserveCommit counts a committed offset.
func ObserveCommit() {
	commitsTotal.Inc()
}

// ObserveCommitFailure counts a failed commit call.
func ObserveCommitFailure() {
	commitFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
