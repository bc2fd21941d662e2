package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricsSet struct {
	ticks        prometheus.Counter
	tasksSpawned *prometheus.CounterVec
	taskFailures *prometheus.CounterVec
	storeWrites  prometheus.Counter
	publishes    *prometheus.CounterVec
	activeFlags  prometheus.Gauge
}

func newMetricsSet(registerer prometheus.Registerer) *metricsSet {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &metricsSet{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaguesync_scheduler_ticks_total",
			Help: "Scheduler loop iterations.",
		}),
		tasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leaguesync_tasks_spawned_total",
			Help: "Units of work spawned, by task kind.",
		}, []string{"task"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leaguesync_task_failures_total",
			Help: "Units of work that finished with an error, by task kind.",
		}, []string{"task"}),
		storeWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaguesync_store_writes_total",
			Help: "Store writes that changed a stored document.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leaguesync_publishes_total",
			Help: "Publish attempts, by result.",
		}, []string{"result"}),
		activeFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leaguesync_active_flags",
			Help: "Currently raised task-state flags.",
		}),
	}

	registerer.MustRegister(
		m.ticks,
		m.tasksSpawned,
		m.taskFailures,
		m.storeWrites,
		m.publishes,
		m.activeFlags,
	)
	return m
}
