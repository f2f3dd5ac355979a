// Package metrics holds the Prometheus collectors shared by caseflow
// components. Collectors register on a private registry served by the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every caseflow collector is attached to.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// LockOutcomes counts lock operations by operation and reason.
	LockOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_lock_operations_total",
		Help: "Lock operations by operation and outcome reason",
	}, []string{"operation", "reason"})

	// LocksReclaimed counts locks cleared by the expiry sweep.
	LocksReclaimed = factory.NewCounter(prometheus.CounterOpts{
		Name: "caseflow_locks_reclaimed_total",
		Help: "Expired locks reclaimed by cleanup",
	})

	// JobTransitions counts job status changes by job type and resulting status.
	JobTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_job_transitions_total",
		Help: "Job status transitions by type and status",
	}, []string{"type", "status"})

	// JobDuration tracks how long a claimed job takes to finish.
	JobDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caseflow_job_duration_seconds",
		Help:    "Job execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
	}, []string{"type", "outcome"})

	// GateDecisions counts confidence gate routes by stage.
	GateDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_gate_decisions_total",
		Help: "Confidence gate decisions by stage and route",
	}, []string{"stage", "route"})

	// StageTransitions counts workflow transitions by kind.
	StageTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_stage_transitions_total",
		Help: "Workflow stage transitions by workflow type and kind",
	}, []string{"workflow_type", "kind"})

	// Notifications counts notifications created by type and severity.
	Notifications = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_notifications_total",
		Help: "Notifications created by type and severity",
	}, []string{"type", "severity"})

	// CrashRecoveries counts crash-state recovery attempts by outcome.
	CrashRecoveries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_crash_recoveries_total",
		Help: "Crash-state recovery attempts by outcome",
	}, []string{"outcome"})

	// InferenceRequests counts AI capability calls by stage and outcome.
	InferenceRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_inference_requests_total",
		Help: "Inference requests by stage and outcome",
	}, []string{"stage", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
