package observability

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// recentWindow bounds the "last hour" activity counters.
const recentWindow = time.Hour

// TaskMetrics is a point-in-time snapshot computed from the full task index.
// Durations are in seconds and only consider terminal tasks.
type TaskMetrics struct {
	TotalTasks      int            `json:"total_tasks"`
	ActiveTasks     int            `json:"active_tasks"`
	QueueSize       int            `json:"queue_size"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	TasksByType     map[string]int `json:"tasks_by_type"`
	AvgDuration     float64        `json:"avg_duration_seconds"`
	MinDuration     float64        `json:"min_duration_seconds"`
	MaxDuration     float64        `json:"max_duration_seconds"`
	SuccessRate     float64        `json:"success_rate"`
	FailureRate     float64        `json:"failure_rate"`
	CreatedLastHour int            `json:"created_last_hour"`
	DoneLastHour    int            `json:"completed_last_hour"`
	FailedLastHour  int            `json:"failed_last_hour"`
	CollectedAt     time.Time      `json:"collected_at"`
}

// TaskMonitor is a read-only aggregator over task storage.
type TaskMonitor interface {
	CollectMetrics(activeCount, queueSize int) (*TaskMetrics, error)
	CheckHealth(activeCount int) *HealthStatus
	GetTaskStatistics(activeCount, queueSize int) (*TaskStatistics, error)
}

// MonitorOption configures a TaskMonitor.
type MonitorOption func(*taskMonitor)

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *taskMonitor) { m.now = now }
}

// WithThresholds overrides the health thresholds.
func WithThresholds(t HealthThresholds) MonitorOption {
	return func(m *taskMonitor) { m.thresholds = t }
}

type taskMonitor struct {
	store         storage.TaskStorage
	maxConcurrent int
	thresholds    HealthThresholds
	now           func() time.Time
}

// NewTaskMonitor creates a TaskMonitor reading from store. maxConcurrent is
// the scheduler's capacity, used by the capacity health check.
func NewTaskMonitor(store storage.TaskStorage, maxConcurrent int, opts ...MonitorOption) TaskMonitor {
	m := &taskMonitor{
		store:         store,
		maxConcurrent: maxConcurrent,
		thresholds:    DefaultHealthThresholds(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CollectMetrics loads every task and tallies it.
func (m *taskMonitor) CollectMetrics(activeCount, queueSize int) (*TaskMetrics, error) {
	tasks, err := m.store.ListTasks(storage.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing tasks for metrics: %w", err)
	}
	return computeMetrics(tasks, activeCount, queueSize, m.now()), nil
}

func computeMetrics(tasks []*models.Task, activeCount, queueSize int, now time.Time) *TaskMetrics {
	out := &TaskMetrics{
		TotalTasks:    len(tasks),
		ActiveTasks:   activeCount,
		QueueSize:     queueSize,
		TasksByStatus: make(map[string]int),
		TasksByType:   make(map[string]int),
		CollectedAt:   now,
	}
	for _, s := range models.AllStatuses {
		out.TasksByStatus[string(s)] = 0
	}
	out.TasksByType[string(models.TaskTypeAgent)] = 0
	out.TasksByType[string(models.TaskTypeProcess)] = 0

	cutoff := now.Add(-recentWindow)
	var (
		terminal, completed, failed int
		total                       time.Duration
		durations                   int
		minD, maxD                  time.Duration
	)

	for _, t := range tasks {
		out.TasksByStatus[string(t.Status)]++
		out.TasksByType[string(t.Type)]++

		if t.CreatedAt.After(cutoff) {
			out.CreatedLastHour++
		}
		recent := t.CompletedAt != nil && t.CompletedAt.After(cutoff)
		switch t.Status {
		case models.StatusCompleted:
			completed++
			if recent {
				out.DoneLastHour++
			}
		case models.StatusFailed:
			failed++
			if recent {
				out.FailedLastHour++
			}
		}

		if !t.IsTerminal() {
			continue
		}
		terminal++
		d, ok := t.DurationAt(now)
		if !ok {
			continue
		}
		if durations == 0 || d < minD {
			minD = d
		}
		if d > maxD {
			maxD = d
		}
		total += d
		durations++
	}

	if durations > 0 {
		out.AvgDuration = (total / time.Duration(durations)).Seconds()
		out.MinDuration = minD.Seconds()
		out.MaxDuration = maxD.Seconds()
	}
	if terminal > 0 {
		out.SuccessRate = float64(completed) / float64(terminal)
		out.FailureRate = float64(failed) / float64(terminal)
	}
	return out
}
