package metrics

import "github.com/prometheus/client_golang/prometheus"

// Task result labels.
const (
	ResultOK        = "ok"
	ResultInfraFail = "infrastructure_error"
	ResultError     = "error"
)

// Metrics holds the fleet instrumentation. One instance per engine,
// registered on the registry passed to New.
type Metrics struct {
	StandsTracked  prometheus.Gauge
	StandsRunning  prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	TasksTotal     *prometheus.CounterVec
	StartsRejected prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StandsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "standman_stands_tracked",
			Help: "Number of stand containers currently known to the registry.",
		}),
		StandsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "standman_stands_running",
			Help: "Number of stands whose application server is currently running.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "standman_queue_pending_tasks",
			Help: "Number of tasks waiting in a destination queue.",
		}, []string{"destination"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "standman_queue_tasks_total",
			Help: "Total number of queued tasks executed, by result.",
		}, []string{"result"}),
		StartsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "standman_starts_rejected_total",
			Help: "Total number of start commands rejected by admission control.",
		}),
	}
	reg.MustRegister(m.StandsTracked, m.StandsRunning, m.QueueDepth, m.TasksTotal, m.StartsRejected)
	return m
}
