package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all metrics exposed by the API server and worker.
type Registry struct {
	// API request metrics
	APIRequests  *prometheus.CounterVec
	APILatency   *prometheus.HistogramVec
	RateLimited  *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Changelog metrics
	ChangelogEntries   *prometheus.CounterVec
	ChangelogCompacted prometheus.Counter
	ChangelogCursorLag prometheus.Gauge

	// Watcher metrics
	ReloadTotal    *prometheus.CounterVec
	ReloadDuration *prometheus.HistogramVec

	// Worker / job stream metrics
	JobsConsumed  *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsClaimed   prometheus.Counter
	BatchSize     prometheus.Histogram
	BatchDuration *prometheus.HistogramVec
	MacctRepairs  *prometheus.CounterVec

	Uptime prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_api_requests_total",
		Help: "Total API requests handled",
	}, []string{"method", "route", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dcauth_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	r.RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_rate_limited_total",
		Help: "Total requests rejected by the rate limiter",
	}, []string{"route"})

	r.AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_auth_failures_total",
		Help: "Total authentication failures",
	}, []string{"reason"})

	r.ChangelogEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_changelog_entries_total",
		Help: "Total changelog entries appended",
	}, []string{"entity_type", "action"})

	r.ChangelogCompacted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcauth_changelog_compacted_total",
		Help: "Total changelog rows removed by compaction",
	})

	r.ChangelogCursorLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcauth_changelog_cursor_lag_seconds",
		Help: "Age of the oldest unread changelog entry",
	})

	r.ReloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_reload_total",
		Help: "Total source-file reload attempts",
	}, []string{"source", "status"})

	r.ReloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dcauth_reload_duration_seconds",
		Help:    "Source-file reload duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	r.JobsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_jobs_consumed_total",
		Help: "Total jobs consumed from the job stream",
	}, []string{"type"})

	r.JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_jobs_failed_total",
		Help: "Total jobs that failed processing",
	}, []string{"type", "reason"})

	r.JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcauth_jobs_claimed_total",
		Help: "Total stuck jobs reclaimed from dead consumers",
	})

	r.BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dcauth_provision_batch_size",
		Help:    "Number of hosts included per provisioning batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	r.BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dcauth_provision_batch_duration_seconds",
		Help:    "Provisioning batch processing duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	r.MacctRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcauth_macct_repairs_total",
		Help: "Total AD machine account repair attempts",
	}, []string{"outcome"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcauth_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	return r
}

// RecordAPIRequest records an API request observation.
func (r *Registry) RecordAPIRequest(method, route string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, route, statusString(status)).Inc()
	r.APILatency.WithLabelValues(method, route).Observe(duration)
}

// RecordRateLimited records a rate-limit rejection.
func (r *Registry) RecordRateLimited(route string) {
	r.RateLimited.WithLabelValues(route).Inc()
}

// RecordChangelogEntry records a single changelog append.
func (r *Registry) RecordChangelogEntry(entityType, action string) {
	r.ChangelogEntries.WithLabelValues(entityType, action).Inc()
}

// RecordReload records a watcher-triggered reload attempt.
func (r *Registry) RecordReload(source string, ok bool, duration float64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	r.ReloadTotal.WithLabelValues(source, status).Inc()
	r.ReloadDuration.WithLabelValues(source).Observe(duration)
}

// RecordBatch records the outcome of a provisioning batch.
func (r *Registry) RecordBatch(size int, outcome string, duration float64) {
	r.BatchSize.Observe(float64(size))
	r.BatchDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordJobConsumed records a job dispatched from the stream.
func (r *Registry) RecordJobConsumed(jobType string) {
	r.JobsConsumed.WithLabelValues(jobType).Inc()
}

// RecordJobFailed records a job that failed processing.
func (r *Registry) RecordJobFailed(jobType, reason string) {
	r.JobsFailed.WithLabelValues(jobType, reason).Inc()
}

// RecordJobClaimed records a stuck message reclaimed via claim-stuck.
func (r *Registry) RecordJobClaimed() {
	r.JobsClaimed.Inc()
}

// RecordMacctRepair records the outcome of a machine-account repair run.
func (r *Registry) RecordMacctRepair(outcome string) {
	r.MacctRepairs.WithLabelValues(outcome).Inc()
}

// statusString converts an HTTP status code to string.
func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}
