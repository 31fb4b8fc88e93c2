package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	SchedulerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photo_engine_scheduler_queue_depth",
			Help: "Number of tasks waiting in a scheduler queue",
		},
		[]string{"queue"}, // "thumbnail", "analysis"
	)

	SchedulerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photo_engine_scheduler_tasks_total",
			Help: "Total number of background tasks executed",
		},
		[]string{"queue", "status"}, // status: "ok", "error"
	)

	SchedulerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photo_engine_scheduler_task_duration_seconds",
			Help:    "Background task execution duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"queue"},
	)
)

// Indexer metrics
var (
	IndexerScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_indexer_scans_total",
			Help: "Total number of directory scans started",
		},
	)

	IndexerScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photo_engine_indexer_scan_duration_seconds",
			Help:    "Duration of a full watch-root scan in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	IndexerFilesIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_indexer_files_indexed_total",
			Help: "Total number of image files upserted during scans",
		},
	)

	IndexerFoldersIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_indexer_folders_indexed_total",
			Help: "Total number of directories scanned",
		},
	)

	IndexerScansRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photo_engine_indexer_scans_running",
			Help: "Number of watch-root scans currently in progress",
		},
	)
)

// Artifact cache metrics
var (
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photo_engine_cache_size_bytes",
			Help: "Total on-disk size of cached thumbnails in bytes",
		},
	)

	CacheRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photo_engine_cache_records",
			Help: "Number of originals with cached derived artifacts",
		},
	)

	CachePruneRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_cache_prune_runs_total",
			Help: "Total number of cache prune passes applied",
		},
	)

	CachePrunedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_cache_pruned_bytes_total",
			Help: "Total bytes freed by cache pruning",
		},
	)

	ThumbnailHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_thumbnail_cache_hits_total",
			Help: "Thumbnail requests served from the cache without decoding",
		},
	)

	ThumbnailGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_thumbnail_generated_total",
			Help: "Thumbnails generated via the decode/encode pipeline",
		},
	)
)

// Watcher metrics
var (
	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photo_engine_watcher_events_total",
			Help: "Filesystem change events emitted by directory watchers",
		},
		[]string{"type"}, // "create", "delete", "modify"
	)

	WatcherRescansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photo_engine_watcher_rescans_total",
			Help: "Full-listing reconciliations triggered by event loss",
		},
	)
)

// Persistence metrics
var (
	PersistWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photo_engine_persist_writes_total",
			Help: "Debounced index snapshot writes",
		},
		[]string{"index", "status"}, // index: "artifact", "scan"
	)
)
