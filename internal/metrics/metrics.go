// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the deepdoc daemon.
// No high-cardinality labels (no task_id, no doc_hash).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker pool

	// PoolTasksTotal counts finished pool tasks by outcome.
	PoolTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_pool_tasks_total",
		Help: "Total number of worker pool tasks, by outcome (succeeded/failed/timed_out/rejected).",
	}, []string{"outcome"})

	// PoolQueueDepth tracks the current number of queued tasks.
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deepdoc_pool_queue_depth",
		Help: "Current number of tasks waiting in the pool queue.",
	})

	// PoolInFlight tracks the current number of running tasks.
	PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deepdoc_pool_in_flight",
		Help: "Current number of tasks being executed by workers.",
	})

	// Event bus

	// BusEventsTotal counts published events by type.
	BusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_bus_events_total",
		Help: "Total number of events published to the task bus, by event type.",
	}, []string{"type"})

	// BusSubscriberDrops counts subscribers dropped for falling behind.
	BusSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepdoc_bus_subscriber_drops_total",
		Help: "Total number of subscribers dropped due to backpressure.",
	})

	// Artifact store

	// StoreCommitsTotal counts artifact commits by task type.
	StoreCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_store_commits_total",
		Help: "Total number of committed artifacts, by content type.",
	}, []string{"content_type"})

	// StoreIndexRefreshes counts index rebuilds by trigger.
	StoreIndexRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_store_index_refreshes_total",
		Help: "Total number of artifact index refreshes, by trigger (commit/delete/watcher/admin).",
	}, []string{"trigger"})

	// Workflow

	// WorkflowPhaseDuration observes per-phase wall time.
	WorkflowPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepdoc_workflow_phase_seconds",
		Help:    "Wall-clock duration of workflow phases.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"phase"})

	// LMRetriesTotal counts LM call retries by stage.
	LMRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_lm_retries_total",
		Help: "Total number of retried LM calls, by workflow stage.",
	}, []string{"stage"})

	// Derived pipelines

	// DerivedJobsTotal counts derived-artifact jobs by kind and outcome.
	DerivedJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepdoc_derived_jobs_total",
		Help: "Total number of derived-artifact jobs, by kind (visual/tts) and outcome.",
	}, []string{"kind", "outcome"})

	// TTSChunksTotal counts generated TTS chunks.
	TTSChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepdoc_tts_chunks_total",
		Help: "Total number of synthesized TTS chunks.",
	})
)
