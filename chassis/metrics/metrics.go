package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges exported on /metrics.
var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tasks_claimed_total",
		Help: "Number of tasks handed out to managers",
	})
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tasks_completed_total",
		Help: "Number of tasks finished successfully",
	})
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tasks_failed_total",
		Help: "Number of tasks finished with a failure result",
	})
	TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tasks_rejected_total",
		Help: "Number of result submissions rejected at the protocol level",
	})
	RecordsAutoReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_records_autoreset_total",
		Help: "Number of errored records reset to waiting automatically",
	})
	ManagersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_managers_active",
		Help: "Number of currently active managers",
	})
	ServicesIterated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_services_iterated_total",
		Help: "Number of service iteration steps executed",
	})
)
