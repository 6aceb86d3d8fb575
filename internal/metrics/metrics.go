// Package metrics defines custom Prometheus metrics for bleepfs.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfs_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Write path metrics.
var (
	// FileWritesTotal counts logical file writes by outcome
	// (success, vetoed, error).
	FileWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_file_writes_total",
			Help: "Logical file writes by outcome",
		},
		[]string{"outcome"},
	)

	// PagesWrittenTotal counts pages stored in the page store.
	PagesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_pages_written_total",
			Help: "Pages written to the page store",
		},
	)

	// PagesReleasedTotal counts pages freed after losing their last reference.
	PagesReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_pages_released_total",
			Help: "Pages freed after their last file reference was dropped",
		},
	)

	// BytesReceivedTotal counts total bytes of file content received.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_bytes_received_total",
			Help: "Total bytes of file content received",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Versioning metrics.
var (
	// RevisionsCreatedTotal counts historical copies written.
	RevisionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_revisions_created_total",
			Help: "Historical revisions created",
		},
	)

	// VersioningSkippedTotal counts writes that were not versioned, by reason.
	VersioningSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_versioning_skipped_total",
			Help: "Writes that skipped versioning, by reason",
		},
		[]string{"reason"},
	)

	// RevisionsPrunedTotal counts revisions scheduled for deletion by the
	// retention limit.
	RevisionsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfs_revisions_pruned_total",
			Help: "Revisions scheduled for deletion by retention",
		},
	)

	// DeletionsTotal counts background deletions by status (success, error).
	DeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfs_deletions_total",
			Help: "Background file deletions by status",
		},
		[]string{"status"},
	)

	// PendingDeletions tracks the size of the background deletion queue.
	PendingDeletions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepfs_pending_deletions",
			Help: "Files waiting for background deletion",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			FileWritesTotal,
			PagesWrittenTotal,
			PagesReleasedTotal,
			BytesReceivedTotal,
			BytesSentTotal,
			RevisionsCreatedTotal,
			VersioningSkippedTotal,
			RevisionsPrunedTotal,
			DeletionsTotal,
			PendingDeletions,
		)
		// Initialize labelled series so they appear in /metrics output
		// before the first write.
		FileWritesTotal.WithLabelValues("success")
		DeletionsTotal.WithLabelValues("success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual file names.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/versioning/config":
		return "/versioning/config"
	case "/files":
		return "/files"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/files/") {
		return "/files/{name}"
	}
	if strings.HasPrefix(path, "/revisions/") {
		return "/revisions/{name}"
	}
	return "/{other}"
}
