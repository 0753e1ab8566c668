// Package metrics holds the Prometheus collectors of the flow subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_decisions_total",
			Help: "Flow decisions evaluated, by trigger.",
		},
		[]string{"trigger"},
	)
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_jobs_enqueued_total",
			Help: "Jobs handed to the queue, by trigger. Suppressed duplicates are included.",
		},
		[]string{"trigger"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_jobs_processed_total",
			Help: "Jobs processed by the worker, by result.",
		},
		[]string{"result"},
	)
	ScheduledTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_scheduled_tasks_total",
			Help: "Scheduled tasks run, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(Decisions, JobsEnqueued, JobsProcessed, ScheduledTasks)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
