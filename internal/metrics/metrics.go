// ============================================================================
// Jobserver Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose Prometheus metrics for the job server.
//
// Metric categories:
//
//   1. Counters (monotonic):
//      - jobserver_jobs_created_total
//      - jobserver_setup_tasks_created_total
//      - jobserver_matrices_created_total
//      - jobserver_jobs_done_total
//      - jobserver_jobs_failed_total
//      - jobserver_jobs_cancelled_total
//
//   2. Histogram:
//      - jobserver_job_duration_seconds: wall-clock time from Running to a
//        terminal status, per job.
//
//   3. Gauges (instantaneous):
//      - jobserver_machines_idle
//      - jobserver_machines_busy
//      - jobserver_jobs_waiting
//
// Exposed via /metrics, scraped by Prometheus in the standard text format.
//
// ============================================================================

// Package metrics collects and exposes Prometheus metrics for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the server reports.
type Collector struct {
	jobsCreated       prometheus.Counter
	setupTasksCreated prometheus.Counter
	matricesCreated   prometheus.Counter
	jobsDone          prometheus.Counter
	jobsFailed        prometheus.Counter
	jobsCancelled     prometheus.Counter

	jobDuration prometheus.Histogram

	machinesIdle prometheus.Gauge
	machinesBusy prometheus.Gauge
	jobsWaiting  prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_jobs_created_total",
			Help: "Total number of jobs submitted (including matrix-expanded jobs).",
		}),
		setupTasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_setup_tasks_created_total",
			Help: "Total number of setup tasks submitted.",
		}),
		matricesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_matrices_created_total",
			Help: "Total number of matrix jobs submitted.",
		}),
		jobsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_jobs_done_total",
			Help: "Total number of jobs that finished successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_jobs_failed_total",
			Help: "Total number of jobs that ended in Failed.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobserver_jobs_cancelled_total",
			Help: "Total number of jobs and setup tasks cancelled.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobserver_job_duration_seconds",
			Help:    "Wall-clock duration from Running to a terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
		machinesIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobserver_machines_idle",
			Help: "Current number of idle machines.",
		}),
		machinesBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobserver_machines_busy",
			Help: "Current number of busy machines.",
		}),
		jobsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobserver_jobs_waiting",
			Help: "Current number of jobs in Waiting status.",
		}),
	}

	prometheus.MustRegister(
		c.jobsCreated,
		c.setupTasksCreated,
		c.matricesCreated,
		c.jobsDone,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.machinesIdle,
		c.machinesBusy,
		c.jobsWaiting,
	)

	return c
}

// RecordJobCreated increments the job creation counter.
func (c *Collector) RecordJobCreated() { c.jobsCreated.Inc() }

// RecordSetupTaskCreated increments the setup task creation counter.
func (c *Collector) RecordSetupTaskCreated() { c.setupTasksCreated.Inc() }

// RecordMatrixCreated increments the matrix creation counter.
func (c *Collector) RecordMatrixCreated() { c.matricesCreated.Inc() }

// RecordDone records a successful completion and its duration.
func (c *Collector) RecordDone(durationSeconds float64) {
	c.jobsDone.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a failure and its duration.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled increments the cancellation counter.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// UpdateMachineStats sets the idle/busy machine gauges.
func (c *Collector) UpdateMachineStats(idle, busy int) {
	c.machinesIdle.Set(float64(idle))
	c.machinesBusy.Set(float64(busy))
}

// UpdateJobStats sets the waiting-job gauge.
func (c *Collector) UpdateJobStats(waiting int) {
	c.jobsWaiting.Set(float64(waiting))
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
