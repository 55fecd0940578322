package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verge_queries_total",
			Help: "Total number of statements executed by kind and status",
		},
		[]string{"kind", "status"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verge_query_duration_seconds",
			Help:    "Statement execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verge_sessions_active",
			Help: "Number of live client sessions",
		},
	)

	// Storage RPC metrics
	StorageRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verge_storage_requests_total",
			Help: "Total number of storage RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	StorageRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verge_storage_request_duration_seconds",
			Help:    "Storage RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoragePartialFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verge_storage_partial_failures_total",
			Help: "Total number of per-partition failures reported to clients",
		},
	)

	// Raft metrics
	RaftLeaderParts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verge_raft_leader_parts",
			Help: "Number of partitions this host currently leads",
		},
	)

	RaftPartsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verge_raft_parts_total",
			Help: "Number of partitions hosted on this host",
		},
	)

	RaftProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verge_raft_proposals_total",
			Help: "Total number of raft proposals by status",
		},
		[]string{"status"},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verge_raft_commit_duration_seconds",
			Help:    "Time from proposal to quorum commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Index metrics
	IndexEntriesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verge_index_entries_written_total",
			Help: "Total number of secondary index entries written",
		},
	)

	IndexRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verge_index_rebuild_duration_seconds",
			Help:    "Index rebuild duration per partition in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// WAL metrics
	WalAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verge_wal_append_duration_seconds",
			Help:    "WAL append duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WalBufferEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verge_wal_buffer_evictions_total",
			Help: "Total number of log buffer nodes evicted under pressure",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(StorageRequestsTotal)
	prometheus.MustRegister(StorageRequestDuration)
	prometheus.MustRegister(StoragePartialFailures)
	prometheus.MustRegister(RaftLeaderParts)
	prometheus.MustRegister(RaftPartsTotal)
	prometheus.MustRegister(RaftProposalsTotal)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(IndexEntriesWritten)
	prometheus.MustRegister(IndexRebuildDuration)
	prometheus.MustRegister(WalAppendDuration)
	prometheus.MustRegister(WalBufferEvictions)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
