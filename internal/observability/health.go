package observability

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// Overall health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// CheckSeverity distinguishes warnings from issues. Any issue makes the
// daemon unhealthy; warnings only degrade it.
type CheckSeverity string

const (
	SeverityIssue   CheckSeverity = "issue"
	SeverityWarning CheckSeverity = "warning"
)

// HealthCheck is one triggered condition.
type HealthCheck struct {
	Condition string        `json:"condition"`
	Severity  CheckSeverity `json:"severity"`
	Message   string        `json:"message"`
	TaskID    string        `json:"task_id,omitempty"`
}

// HealthStatus is the result of CheckHealth.
type HealthStatus struct {
	Status        string        `json:"status"`
	Healthy       bool          `json:"healthy"`
	StorageOK     bool          `json:"storage_ok"`
	ActiveTasks   int           `json:"active_tasks"`
	MaxConcurrent int           `json:"max_concurrent_tasks"`
	Issues        []string      `json:"issues"`
	Warnings      []string      `json:"warnings"`
	Checks        []HealthCheck `json:"checks"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// HealthThresholds configures when health checks fire.
type HealthThresholds struct {
	StuckAfter       time.Duration `json:"stuck_after"`
	MaxFailureRate   float64       `json:"max_failure_rate"`
	MinSampleForRate int           `json:"min_sample_for_rate"`
}

// DefaultHealthThresholds returns the standard limits: running for more
// than 24h is stuck, and a failure rate above 50% counts once there are
// more than 10 tasks.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		StuckAfter:       24 * time.Hour,
		MaxFailureRate:   0.5,
		MinSampleForRate: 10,
	}
}

// CheckHealth evaluates every condition. It never returns an error: an
// unreachable store is reported as an issue.
func (m *taskMonitor) CheckHealth(activeCount int) *HealthStatus {
	now := m.now()
	h := &HealthStatus{
		ActiveTasks:   activeCount,
		MaxConcurrent: m.maxConcurrent,
		Issues:        []string{},
		Warnings:      []string{},
		Checks:        []HealthCheck{},
		CheckedAt:     now,
	}

	if err := m.store.Ping(); err != nil {
		h.add(HealthCheck{
			Condition: "storage_unreachable",
			Severity:  SeverityIssue,
			Message:   fmt.Sprintf("storage is not accessible: %v", err),
		})
		h.finish()
		return h
	}
	h.StorageOK = true

	if m.maxConcurrent > 0 && activeCount >= m.maxConcurrent {
		h.add(HealthCheck{
			Condition: "capacity_reached",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("at maximum capacity: %d/%d tasks active", activeCount, m.maxConcurrent),
		})
	}

	tasks, err := m.store.ListTasks(storage.TaskFilter{})
	if err != nil {
		h.add(HealthCheck{
			Condition: "storage_unreadable",
			Severity:  SeverityIssue,
			Message:   fmt.Sprintf("listing tasks: %v", err),
		})
		h.finish()
		return h
	}

	for _, check := range m.checkStuckTasks(tasks, now) {
		h.add(check)
	}

	metrics := computeMetrics(tasks, activeCount, 0, now)
	if metrics.TotalTasks > m.thresholds.MinSampleForRate && metrics.FailureRate > m.thresholds.MaxFailureRate {
		h.add(HealthCheck{
			Condition: "high_failure_rate",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("high failure rate: %.1f%%", metrics.FailureRate*100),
		})
	}

	h.finish()
	return h
}

// checkStuckTasks flags running tasks that started longer ago than the
// stuck threshold.
func (m *taskMonitor) checkStuckTasks(tasks []*models.Task, now time.Time) []HealthCheck {
	var checks []HealthCheck
	for _, t := range tasks {
		if t.Status != models.StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) > m.thresholds.StuckAfter {
			checks = append(checks, HealthCheck{
				Condition: "task_stuck",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("task %s has been running for more than %s", t.ID, m.thresholds.StuckAfter),
				TaskID:    t.ID,
			})
		}
	}
	return checks
}

func (h *HealthStatus) add(c HealthCheck) {
	h.Checks = append(h.Checks, c)
	if c.Severity == SeverityIssue {
		h.Issues = append(h.Issues, c.Message)
	} else {
		h.Warnings = append(h.Warnings, c.Message)
	}
}

func (h *HealthStatus) finish() {
	switch {
	case len(h.Issues) > 0:
		h.Status = HealthUnhealthy
	case len(h.Warnings) > 0:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	h.Healthy = h.Status != HealthUnhealthy
}
