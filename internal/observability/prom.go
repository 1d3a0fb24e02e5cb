package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valter-silva-au/taskd/pkg/models"
)

// PromRecorder exports scheduler and RPC metrics. It satisfies
// core.MetricsRecorder.
type PromRecorder struct {
	registry *prometheus.Registry

	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	tasksQueued   prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	rpcRequests   *prometheus.CounterVec
}

// NewPromRecorder creates the collectors and registers them on reg. A nil
// reg gets a fresh registry.
func NewPromRecorder(reg *prometheus.Registry) *PromRecorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &PromRecorder{
		registry: reg,
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_created_total",
				Help: "Total number of tasks created",
			},
			[]string{"type"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_finished_total",
				Help: "Total number of tasks that reached a final status",
			},
			[]string{"type", "status"},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskd_tasks_running",
				Help: "Current number of running tasks",
			},
		),
		tasksQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskd_tasks_queued",
				Help: "Current number of tasks waiting for a slot",
			},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskd_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_rpc_requests_total",
				Help: "Total number of RPC requests handled",
			},
			[]string{"action", "status"},
		),
	}

	reg.MustRegister(
		r.tasksCreated,
		r.tasksFinished,
		r.tasksRunning,
		r.tasksQueued,
		r.taskDuration,
		r.rpcRequests,
	)
	return r
}

// Registry returns the registry the collectors live on.
func (r *PromRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PromRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PromRecorder) TaskCreated(taskType models.TaskType) {
	r.tasksCreated.WithLabelValues(string(taskType)).Inc()
}

// TaskStarted is a no-op; the running gauge is driven by QueueDepth.
func (r *PromRecorder) TaskStarted(models.TaskType) {}

func (r *PromRecorder) TaskFinished(taskType models.TaskType, status models.TaskStatus, d time.Duration) {
	r.tasksFinished.WithLabelValues(string(taskType), string(status)).Inc()
	if d > 0 {
		r.taskDuration.WithLabelValues(string(taskType)).Observe(d.Seconds())
	}
}

func (r *PromRecorder) QueueDepth(queued, running int) {
	r.tasksQueued.Set(float64(queued))
	r.tasksRunning.Set(float64(running))
}

// RPCHandled counts one dispatched request.
func (r *PromRecorder) RPCHandled(action, status string) {
	r.rpcRequests.WithLabelValues(action, status).Inc()
}
