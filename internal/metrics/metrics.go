// Package metrics exposes the control plane's Prometheus counters and
// gauges, collected at the HTTP boundary and by the reconcile scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runctl_runs_started_total",
		Help: "Runs accepted by the orchestrator, by provider.",
	}, []string{"provider"})

	CallbacksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runctl_callbacks_ingested_total",
		Help: "Callback events ingested, by kind and whether they were duplicates.",
	}, []string{"kind", "duplicate"})

	FileOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runctl_file_operations_total",
		Help: "File gateway operations, by action and whether they were allowed.",
	}, []string{"action", "allowed"})

	ReconcileSweepAffected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runctl_reconcile_sweep_affected",
		Help: "Items affected by the most recent run of each reconcile sweep.",
	}, []string{"sweep"})

	WorkersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runctl_workers_by_state",
		Help: "Count of the most recent stop/remove sweep outcomes, by kind.",
	}, []string{"kind"})
)
