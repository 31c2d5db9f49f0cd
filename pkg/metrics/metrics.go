package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	BackendLabel string = "backend"
	StatusLabel  string = "status"
)

const (
	StatusOK        = "ok"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusNoResult  = "no_result"
	StatusAborted   = "aborted"
	StatusBadConfig = "bad_config"
)

var (
	AnalysisRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bincat_analysis_runs_total",
		Help: "Counter for finished analysis runs by backend and outcome",
	}, []string{BackendLabel, StatusLabel})

	AnalysisRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bincat_analysis_run_duration_seconds",
		Help:    "Wall time from run start to completion callback",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{BackendLabel})

	AnalysisPreconditionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_analysis_precondition_failures_total",
		Help: "Counter for analyses refused before a backend was started",
	})

	BlobUploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_blob_uploads_total",
		Help: "Counter for blobs uploaded to the analysis server",
	})

	BlobUploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_blob_upload_bytes_total",
		Help: "Counter for uploaded blob bytes",
	})

	BlobDedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_blob_dedup_hits_total",
		Help: "Counter for uploads skipped because the server already had the content",
	})

	BlobDownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_blob_downloads_total",
		Help: "Counter for downloaded blobs",
	})

	BlobDownloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_blob_download_errors_total",
		Help: "Counter for failed or undecodable blob downloads",
	})

	DigestCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bincat_digest_cache_hits_total",
		Help: "Counter for file digests served from cache",
	})

	ServerAnalyzeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bincat_server_analyze_requests_total",
		Help: "Counter for analyze requests handled by the analysis server",
	}, []string{StatusLabel})

	ServerStoredBlobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bincat_server_stored_blobs",
		Help: "Number of blobs held by the analysis server store",
	})
)
