package observability

import "time"

// StatsOverview summarises task counts and outcome rates.
type StatsOverview struct {
	TotalTasks  int     `json:"total_tasks"`
	ActiveTasks int     `json:"active_tasks"`
	QueueSize   int     `json:"queue_size"`
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

// StatsPerformance holds duration figures in seconds for finished tasks.
type StatsPerformance struct {
	AvgDuration float64 `json:"avg_duration_seconds"`
	MinDuration float64 `json:"min_duration_seconds"`
	MaxDuration float64 `json:"max_duration_seconds"`
}

// StatsRecentActivity counts tasks seen in the last hour.
type StatsRecentActivity struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StatsCapacity describes how much of the concurrency limit is in use.
type StatsCapacity struct {
	MaxConcurrent int     `json:"max_concurrent_tasks"`
	Active        int     `json:"active_tasks"`
	Queued        int     `json:"queued_tasks"`
	Utilization   float64 `json:"utilization"`
	Available     int     `json:"available_slots"`
}

// TaskStatistics regroups a metrics snapshot into display sections.
type TaskStatistics struct {
	Overview       StatsOverview       `json:"overview"`
	ByStatus       map[string]int      `json:"by_status"`
	ByType         map[string]int      `json:"by_type"`
	Performance    StatsPerformance    `json:"performance"`
	RecentActivity StatsRecentActivity `json:"recent_activity"`
	Capacity       StatsCapacity       `json:"capacity"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

// GetTaskStatistics builds statistics from a fresh metrics snapshot.
func (m *taskMonitor) GetTaskStatistics(activeCount, queueSize int) (*TaskStatistics, error) {
	metrics, err := m.CollectMetrics(activeCount, queueSize)
	if err != nil {
		return nil, err
	}

	capacity := StatsCapacity{
		MaxConcurrent: m.maxConcurrent,
		Active:        activeCount,
		Queued:        queueSize,
	}
	if m.maxConcurrent > 0 {
		running := activeCount - queueSize
		if running < 0 {
			running = 0
		}
		capacity.Utilization = float64(running) / float64(m.maxConcurrent)
		capacity.Available = m.maxConcurrent - running
		if capacity.Available < 0 {
			capacity.Available = 0
		}
	}

	return &TaskStatistics{
		Overview: StatsOverview{
			TotalTasks:  metrics.TotalTasks,
			ActiveTasks: metrics.ActiveTasks,
			QueueSize:   metrics.QueueSize,
			SuccessRate: metrics.SuccessRate,
			FailureRate: metrics.FailureRate,
		},
		ByStatus: metrics.TasksByStatus,
		ByType:   metrics.TasksByType,
		Performance: StatsPerformance{
			AvgDuration: metrics.AvgDuration,
			MinDuration: metrics.MinDuration,
			MaxDuration: metrics.MaxDuration,
		},
		RecentActivity: StatsRecentActivity{
			Created:   metrics.CreatedLastHour,
			Completed: metrics.DoneLastHour,
			Failed:    metrics.FailedLastHour,
		},
		Capacity:    capacity,
		GeneratedAt: metrics.CollectedAt,
	}, nil
}
