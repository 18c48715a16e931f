// Package observability exposes the crawl substrate's Prometheus metrics,
// following control_plane/observability/metrics.go's convention of
// package-level promauto vars grouped by subsystem, named
// "crawlforge_<component>_<noun>".
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending tasks by priority band.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawlforge_queue_depth",
		Help: "Current number of pending tasks in the crawl queue",
	}, []string{"priority"})

	// QueueOldestTaskAge tracks how long the oldest pending task has waited.
	QueueOldestTaskAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawlforge_queue_oldest_task_age_seconds",
		Help: "Age in seconds of the oldest pending task in the queue",
	})

	// LeasesOutstanding tracks tasks currently leased to a worker.
	LeasesOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawlforge_leases_outstanding",
		Help: "Current number of tasks leased to a worker and awaiting ack/nack",
	})

	// DispatchResults tracks task outcomes by result status.
	DispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_dispatch_results_total",
		Help: "Total number of task results processed by the dispatcher",
	}, []string{"status"})

	// TaskRetries tracks retry attempts by the failure class that caused them.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_task_retries_total",
		Help: "Total number of task retries, by triggering status",
	}, []string{"status"})

	// TaskDeaths tracks tasks that reached a terminal dead state.
	TaskDeaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_task_deaths_total",
		Help: "Total number of tasks that reached a terminal dead state",
	}, []string{"reason"})

	// BlockStorms tracks block_storm signals fired by the dispatcher.
	BlockStorms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_block_storms_total",
		Help: "Total number of block_storm signals fired (3+ consecutive blocked/captcha results for a domain)",
	}, []string{"domain"})

	// ProxyBans tracks proxies banned by failure kind.
	ProxyBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_proxy_bans_total",
		Help: "Total number of proxy bans applied, by domain and failure kind",
	}, []string{"domain", "kind"})

	// ProxyPoolSize tracks the number of proxies known to the pool.
	ProxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawlforge_proxy_pool_size",
		Help: "Total number of proxies registered in the pool",
	})

	// RateGateOutcomes tracks Acquire() outcomes by domain.
	RateGateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_rategate_outcomes_total",
		Help: "Total number of rate gate acquire attempts, by domain and outcome",
	}, []string{"domain", "outcome"})

	// WorkersLive tracks currently live (heartbeating) workers.
	WorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawlforge_workers_live",
		Help: "Current number of workers considered live",
	})

	// WorkersDead tracks workers in the graveyard awaiting deregistration.
	WorkersDead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawlforge_workers_dead",
		Help: "Current number of workers marked dead and awaiting deregistration",
	})

	// ValidationVerdicts tracks per-record validation outcomes.
	ValidationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_validation_verdicts_total",
		Help: "Total number of records validated, by verdict",
	}, []string{"verdict"})

	// CheckpointAppends tracks WAL append calls.
	CheckpointAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_checkpoint_appends_total",
		Help: "Total number of checkpoint WAL appends, by op",
	}, []string{"op"})

	// CheckpointSnapshots tracks consolidated snapshot writes.
	CheckpointSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawlforge_checkpoint_snapshots_total",
		Help: "Total number of consolidated checkpoint snapshots persisted",
	})

	// CheckpointSnapshotDuration tracks how long a snapshot write took.
	CheckpointSnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlforge_checkpoint_snapshot_duration_seconds",
		Help:    "Duration of consolidated checkpoint snapshot writes",
		Buckets: prometheus.DefBuckets,
	})

	// FeedbackAdjustments tracks policy adjustments made by the feedback controller.
	FeedbackAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_feedback_adjustments_total",
		Help: "Total number of feedback policy adjustments, by domain and reason",
	}, []string{"domain", "reason"})

	// FeedbackRate tracks the current configured rate per domain.
	FeedbackRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawlforge_feedback_rate",
		Help: "Current request rate limit applied to a domain, in requests per second",
	}, []string{"domain"})

	// FetchDuration tracks fetch latency by outcome status.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawlforge_fetch_duration_seconds",
		Help:    "Duration of fetch attempts, by result status",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// SinkWrites tracks records written to the sink.
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlforge_sink_writes_total",
		Help: "Total number of records written to the sink, by outcome",
	}, []string{"outcome"})
)
