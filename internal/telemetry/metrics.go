package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollCycles       = prometheus.NewCounter(prometheus.CounterOpts{Name: "testhub_poll_cycles_total", Help: "Poll cycles started"})
	PollCycleErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "testhub_poll_cycle_errors_total", Help: "Poll cycles that failed before dispatching"})
	DueTasks         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "testhub_due_tasks", Help: "Tasks found due in the last cycle"})
	Dispatched       = prometheus.NewCounter(prometheus.CounterOpts{Name: "testhub_tasks_dispatched_total", Help: "Due tasks handed to the executor"})
	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "testhub_dispatch_failures_total", Help: "Due tasks that could not be dispatched"})
	DispatchSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "testhub_dispatch_skipped_total", Help: "Due tasks already claimed by another poller"})
	Executions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "testhub_executions_total", Help: "Finished executions by status"}, []string{"status"})
	InFlight         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "testhub_executions_inflight", Help: "Executions currently running"})
	Notifications    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "testhub_notifications_total", Help: "Notification deliveries by channel and result"}, []string{"channel", "result"})
	LeaseHeld        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "testhub_scheduler_lease_held", Help: "1 while this instance holds the scheduler lease"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollCycles,
			PollCycleErrors,
			DueTasks,
			Dispatched,
			DispatchFailures,
			DispatchSkipped,
			Executions,
			InFlight,
			Notifications,
			LeaseHeld,
		)
	})
	return promhttp.Handler()
}
