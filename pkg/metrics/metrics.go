// Package metrics exposes Prometheus instrumentation for runs, steps, backups and schedules.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* Run metrics */
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repokeeper_workflow_runs_total",
			Help: "Total number of finished workflow runs",
		},
		[]string{"workflow", "status"},
	)

	runsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "repokeeper_workflow_runs_in_flight",
			Help: "Number of workflow runs currently executing",
		},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repokeeper_workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"workflow"},
	)

	/* Step metrics */
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repokeeper_workflow_steps_total",
			Help: "Total number of workflow steps by outcome",
		},
		[]string{"workflow", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repokeeper_workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"workflow"},
	)

	/* Backup metrics */
	backupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repokeeper_backups_total",
			Help: "Total number of backup attempts by result",
		},
		[]string{"result"},
	)

	backupBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repokeeper_backup_bytes_total",
			Help: "Total compressed bytes written to backup archives",
		},
	)

	backupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repokeeper_backup_duration_seconds",
			Help:    "Backup creation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	restoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repokeeper_restores_total",
			Help: "Total number of restore attempts by result",
		},
		[]string{"result"},
	)

	backupsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repokeeper_backups_pruned_total",
			Help: "Total number of backups removed by retention",
		},
	)

	/* Scheduler metrics */
	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repokeeper_scheduler_ticks_total",
			Help: "Scheduled backup evaluations by action taken",
		},
		[]string{"action"},
	)
)

// RecordRunStarted marks one more run in flight.
func RecordRunStarted() {
	runsInFlight.Inc()
}

// RecordRunFinished records a terminal run.
func RecordRunFinished(workflow, status string, duration time.Duration) {
	runsInFlight.Dec()
	runsTotal.WithLabelValues(workflow, status).Inc()
	runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

func RecordStep(workflow, outcome string, duration time.Duration) {
	stepsTotal.WithLabelValues(workflow, outcome).Inc()

	if outcome != "skipped" {
		stepDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	}
}

// RecordBackup records a backup attempt. size is ignored for failures.
func RecordBackup(err error, size int64, duration time.Duration) {
	if err != nil {
		backupsTotal.WithLabelValues("error").Inc()

		return
	}

	backupsTotal.WithLabelValues("success").Inc()
	backupBytes.Add(float64(size))
	backupDuration.Observe(duration.Seconds())
}

func RecordRestore(err error) {
	if err != nil {
		restoresTotal.WithLabelValues("error").Inc()

		return
	}

	restoresTotal.WithLabelValues("success").Inc()
}

func RecordPruned(count int) {
	backupsPruned.Add(float64(count))
}

// RecordSchedulerTick records what a schedule evaluation did: created, skipped, deferred or error.
func RecordSchedulerTick(action string) {
	schedulerTicks.WithLabelValues(action).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
