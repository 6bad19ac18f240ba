package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "admission",
		Name:      "batches_total",
		Help:      "Sync requests by outcome",
	}, []string{"outcome"})

	admissionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "admission",
		Name:      "changes_total",
		Help:      "Proposed changes by outcome (inserted, duplicate, rejected)",
	}, []string{"outcome"})

	allocationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "admission",
		Name:      "allocation_retries_total",
		Help:      "Extra transactions needed to allocate a revision",
	})

	applierOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "applier",
		Name:      "changes_total",
		Help:      "Changes resolved by the applier",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "changesync",
		Subsystem: "applier",
		Name:      "task_duration_seconds",
		Help:      "Time spent running one task",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	reconcilerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "reconciler",
		Name:      "actions_total",
		Help:      "Reconciler repairs (requeued, flag_reset, stale_released)",
	}, []string{"action"})
)
