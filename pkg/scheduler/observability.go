package scheduler

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leaseClaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskfence_lease_claim_total",
			Help: "Total number of lease claim attempts",
		},
		[]string{"task", "status"},
	)

	taskExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskfence_task_execution_total",
			Help: "Total number of task executions",
		},
		[]string{"task", "status"},
	)

	taskExecutionInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskfence_task_execution_inflight",
			Help: "Current number of in-flight task executions",
		},
		[]string{"task"},
	)

	leaseRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskfence_lease_renew_total",
			Help: "Total number of lease renew operations",
		},
		[]string{"task", "status"},
	)

	janitorSweepTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskfence_janitor_sweep_total",
			Help: "Total number of janitor sweeps",
		},
	)

	janitorReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskfence_janitor_reclaimed_total",
			Help: "Total number of orphaned leases cleared by the janitor",
		},
	)
)

func recordLeaseClaim(taskID, status string) {
	leaseClaimTotal.WithLabelValues(
		normalizeMetricLabel(taskID),
		normalizeMetricLabel(status),
	).Inc()
}

func recordTaskExecution(taskID, status string) {
	taskExecutionTotal.WithLabelValues(
		normalizeMetricLabel(taskID),
		normalizeMetricLabel(status),
	).Inc()
}

func incrementTaskExecutionInFlight(taskID string) {
	taskExecutionInFlight.WithLabelValues(normalizeMetricLabel(taskID)).Inc()
}

func decrementTaskExecutionInFlight(taskID string) {
	taskExecutionInFlight.WithLabelValues(normalizeMetricLabel(taskID)).Dec()
}

func recordLeaseRenew(taskID, status string) {
	leaseRenewTotal.WithLabelValues(
		normalizeMetricLabel(taskID),
		normalizeMetricLabel(status),
	).Inc()
}

func recordJanitorSweep(reclaimed int) {
	janitorSweepTotal.Inc()
	janitorReclaimedTotal.Add(float64(reclaimed))
}

func normalizeMetricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
