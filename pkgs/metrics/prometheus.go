// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_submissions_total",
			Help: "Submissions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Rejected requests by authentication failure reason",
		},
		[]string{"reason"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	writeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_write_queue_depth",
			Help: "Ledger write jobs waiting in the queue",
		},
	)

	writeJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_write_job_duration_seconds",
			Help:    "Time spent executing ledger write jobs, including confirmation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"job", "result"},
	)

	writeJobWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_write_job_wait_seconds",
			Help:    "Time ledger write jobs spent queued before running",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	recomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_leaderboard_recompute_duration_seconds",
			Help:    "Duration of leaderboard recomputation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	ledgerReadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ledger_read_failures_total",
			Help: "Per-address ledger reads that failed during aggregation",
		},
		[]string{"scope"},
	)

	indexerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_indexer_runs_total",
			Help: "Indexer runs by result",
		},
		[]string{"result"},
	)

	indexerCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_indexer_cursor_block",
			Help: "Last ledger block fully scanned by the indexer",
		},
	)

	knownParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_known_participants",
			Help: "Size of the known participant set",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(submissions)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(rateLimited)
	prometheus.MustRegister(writeQueueDepth)
	prometheus.MustRegister(writeJobDuration)
	prometheus.MustRegister(writeJobWait)
	prometheus.MustRegister(recomputeDuration)
	prometheus.MustRegister(ledgerReadFailures)
	prometheus.MustRegister(indexerRuns)
	prometheus.MustRegister(indexerCursor)
	prometheus.MustRegister(knownParticipants)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one API request
func ObserveRequest(route, method string, status int, took time.Duration) {
	httpRequestDuration.WithLabelValues(route, method, statusClass(status)).Observe(took.Seconds())
}

// Submission counts a submission outcome (recorded, replayed, conflict, failed, invalid)
func Submission(kind, outcome string) {
	submissions.WithLabelValues(kind, outcome).Inc()
}

// AuthFailure counts an authentication rejection
func AuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

// RateLimited counts a rate-limited request
func RateLimited() {
	rateLimited.Inc()
}

// SetWriteQueueDepth updates the pending job gauge
func SetWriteQueueDepth(depth int) {
	writeQueueDepth.Set(float64(depth))
}

// ObserveWriteJob records timing for one write job
func ObserveWriteJob(job string, wait, run time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writeJobWait.Observe(wait.Seconds())
	writeJobDuration.WithLabelValues(job, result).Observe(run.Seconds())
}

// ObserveRecompute records one leaderboard recomputation
func ObserveRecompute(scope string, took time.Duration, failures int) {
	recomputeDuration.WithLabelValues(scope).Observe(took.Seconds())
	if failures > 0 {
		ledgerReadFailures.WithLabelValues(scope).Add(float64(failures))
	}
}

// ObserveIndexerRun records an indexer pass and the resulting cursor
func ObserveIndexerRun(failed bool, cursor uint64, hasCursor bool) {
	if failed {
		indexerRuns.WithLabelValues("error").Inc()
	} else {
		indexerRuns.WithLabelValues("ok").Inc()
	}
	if hasCursor {
		indexerCursor.Set(float64(cursor))
	}
}

// SetKnownParticipants updates the participant gauge
func SetKnownParticipants(n int) {
	knownParticipants.Set(float64(n))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
