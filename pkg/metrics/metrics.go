package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource manager gauges
	SlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rp_agent_slots_total",
			Help: "Core and GPU slots by kind and state",
		},
		[]string{"kind", "state"}, // kind: core|gpu, state: free|busy|blocked
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rp_agent_nodes_total",
			Help: "Total number of nodes in the pilot's allocation",
		},
	)

	// Task lifecycle gauges/counters
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rp_agent_tasks_by_state",
			Help: "Current number of tasks in each pipeline state",
		},
		[]string{"state"},
	)

	TasksScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_agent_tasks_scheduled_total",
			Help: "Total number of tasks successfully placed onto slots",
		},
	)

	TasksUnscheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_agent_tasks_unscheduled_total",
			Help: "Total number of tasks whose slots were released back to the free pool",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_tasks_failed_total",
			Help: "Total number of tasks that reached FAILED, by stage",
		},
		[]string{"stage"}, // staging_input|scheduling|executing|staging_output
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rp_agent_scheduling_latency_seconds",
			Help:    "Time from a task entering AGENT_SCHEDULING to a placement decision",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rp_agent_pending_queue_depth",
			Help: "Number of tasks waiting in a pipeline-stage queue",
		},
		[]string{"queue"}, // schedule|stage_in|stage_out|control
	)

	// Executor metrics
	ExecutorSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rp_agent_executor_spawn_duration_seconds",
			Help:    "Time from AGENT_EXECUTING_PENDING to the child process starting",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_agent_tasks_spawned_total",
			Help: "Total number of task processes launched",
		},
	)

	TasksExitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_tasks_exited_total",
			Help: "Total number of task processes that exited, by result",
		},
		[]string{"result"}, // zero|nonzero|signaled|canceled
	)

	TaskWallClockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rp_agent_task_wallclock_duration_seconds",
			Help:    "Wall-clock duration of a task's AGENT_EXECUTING period",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600, 7200},
		},
	)

	// Staging metrics
	StagingOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_staging_operations_total",
			Help: "Total number of staging directives executed, by action and outcome",
		},
		[]string{"action", "status"}, // action: transfer|link|copy, status: ok|error
	)

	StagingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rp_agent_staging_duration_seconds",
			Help:    "Time taken to execute a staging directive",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"}, // input|output
	)

	// Control/update metrics
	ControlCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_control_commands_total",
			Help: "Total number of control commands received, by op",
		},
		[]string{"op"},
	)

	TransportRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_transport_retries_total",
			Help: "Total number of transport retry attempts, by category",
		},
		[]string{"category"},
	)

	// RAPTOR metrics
	RaptorWorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rp_agent_raptor_workers_total",
			Help: "Current number of live RAPTOR workers",
		},
	)

	RaptorTasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rp_agent_raptor_tasks_dispatched_total",
			Help: "Total number of function tasks dispatched to RAPTOR workers, by mode",
		},
		[]string{"mode"},
	)

	RaptorWorkersLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rp_agent_raptor_workers_lost_total",
			Help: "Total number of RAPTOR workers declared lost after missed heartbeats",
		},
	)
)

func init() {
	prometheus.MustRegister(SlotsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(TasksScheduledTotal)
	prometheus.MustRegister(TasksUnscheduledTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(ExecutorSpawnDuration)
	prometheus.MustRegister(TasksSpawnedTotal)
	prometheus.MustRegister(TasksExitedTotal)
	prometheus.MustRegister(TaskWallClockDuration)
	prometheus.MustRegister(StagingOperationsTotal)
	prometheus.MustRegister(StagingDuration)
	prometheus.MustRegister(ControlCommandsTotal)
	prometheus.MustRegister(TransportRetriesTotal)
	prometheus.MustRegister(RaptorWorkersTotal)
	prometheus.MustRegister(RaptorTasksDispatchedTotal)
	prometheus.MustRegister(RaptorWorkersLostTotal)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
