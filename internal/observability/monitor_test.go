package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) storage.TaskStorage {
	t.Helper()
	store := storage.NewTaskStorage(filepath.Join(t.TempDir(), "tasks"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("initializing storage: %v", err)
	}
	return store
}

func ptr[T any](v T) *T { return &v }

// seed stores a task that started at start and ran for d (d<0 means still
// running).
func seed(t *testing.T, store storage.TaskStorage, id string, status models.TaskStatus, start time.Time, d time.Duration) {
	t.Helper()
	task := &models.Task{
		ID:        id,
		Name:      id,
		Type:      models.TaskTypeProcess,
		Status:    status,
		CreatedAt: start,
	}
	if status != models.StatusPending {
		task.StartedAt = ptr(start)
	}
	if d >= 0 && status != models.StatusPending && status != models.StatusRunning {
		task.CompletedAt = ptr(start.Add(d))
	}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("saving %s: %v", id, err)
	}
}

func newTestMonitor(store storage.TaskStorage, max int) TaskMonitor {
	return NewTaskMonitor(store, max, WithMonitorClock(func() time.Time { return testNow }))
}

func TestCollectMetrics_Empty(t *testing.T) {
	m := newTestMonitor(newTestStore(t), 5)

	metrics, err := m.CollectMetrics(0, 0)
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if metrics.SuccessRate != 0 || metrics.FailureRate != 0 {
		t.Errorf("rates = %v/%v, want 0/0", metrics.SuccessRate, metrics.FailureRate)
	}
	if metrics.TotalTasks != 0 || metrics.CreatedLastHour != 0 || metrics.AvgDuration != 0 {
		t.Errorf("expected zero counts, got %+v", metrics)
	}
	for status, n := range metrics.TasksByStatus {
		if n != 0 {
			t.Errorf("status %s = %d, want 0", status, n)
		}
	}
}

func TestCollectMetrics_RatesAndDurations(t *testing.T) {
	store := newTestStore(t)
	old := testNow.Add(-3 * time.Hour)
	seed(t, store, "done-1", models.StatusCompleted, old, 10*time.Second)
	seed(t, store, "done-2", models.StatusCompleted, old, 30*time.Second)
	seed(t, store, "failed-1", models.StatusFailed, testNow.Add(-30*time.Minute), 20*time.Second)
	seed(t, store, "cancel-1", models.StatusCancelled, old, 40*time.Second)
	seed(t, store, "running-1", models.StatusRunning, testNow.Add(-10*time.Minute), -1)
	seed(t, store, "pending-1", models.StatusPending, testNow.Add(-time.Minute), -1)

	metrics, err := newTestMonitor(store, 5).CollectMetrics(2, 1)
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}

	if metrics.TotalTasks != 6 {
		t.Errorf("TotalTasks = %d, want 6", metrics.TotalTasks)
	}
	if metrics.ActiveTasks != 2 || metrics.QueueSize != 1 {
		t.Errorf("active/queue = %d/%d, want 2/1", metrics.ActiveTasks, metrics.QueueSize)
	}
	// Four terminal tasks: two completed, one failed, one cancelled.
	if metrics.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", metrics.SuccessRate)
	}
	if metrics.FailureRate != 0.25 {
		t.Errorf("FailureRate = %v, want 0.25", metrics.FailureRate)
	}
	if metrics.MinDuration != 10 || metrics.MaxDuration != 40 || metrics.AvgDuration != 25 {
		t.Errorf("durations min/avg/max = %v/%v/%v, want 10/25/40",
			metrics.MinDuration, metrics.AvgDuration, metrics.MaxDuration)
	}
	if metrics.CreatedLastHour != 3 {
		t.Errorf("CreatedLastHour = %d, want 3", metrics.CreatedLastHour)
	}
	if metrics.FailedLastHour != 1 || metrics.DoneLastHour != 0 {
		t.Errorf("last hour failed/completed = %d/%d, want 1/0", metrics.FailedLastHour, metrics.DoneLastHour)
	}
	if metrics.TasksByStatus["completed"] != 2 || metrics.TasksByType["process"] != 6 {
		t.Errorf("tallies = %v %v", metrics.TasksByStatus, metrics.TasksByType)
	}
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newTestMonitor(newTestStore(t), 5).CheckHealth(0)
		if h.Status != HealthHealthy || !h.Healthy || !h.StorageOK {
			t.Errorf("got %+v, want healthy", h)
		}
	})

	t.Run("capacity reached", func(t *testing.T) {
		h := newTestMonitor(newTestStore(t), 2).CheckHealth(2)
		if h.Status != HealthDegraded || !h.Healthy {
			t.Fatalf("status = %s, want degraded", h.Status)
		}
		if len(h.Warnings) != 1 || !strings.Contains(h.Warnings[0], "capacity") {
			t.Errorf("warnings = %v", h.Warnings)
		}
	})

	t.Run("stuck task", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "stuck", models.StatusRunning, testNow.Add(-25*time.Hour), -1)
		seed(t, store, "fresh", models.StatusRunning, testNow.Add(-time.Hour), -1)

		h := newTestMonitor(store, 5).CheckHealth(2)
		if h.Status != HealthDegraded {
			t.Fatalf("status = %s, want degraded", h.Status)
		}
		if len(h.Checks) != 1 || h.Checks[0].Condition != "task_stuck" || h.Checks[0].TaskID != "stuck" {
			t.Errorf("checks = %+v", h.Checks)
		}
	})

	t.Run("failure rate needs a sample", func(t *testing.T) {
		store := newTestStore(t)
		for i := 0; i < 10; i++ {
			seed(t, store, fmt.Sprintf("f-%d", i), models.StatusFailed, testNow.Add(-2*time.Hour), time.Second)
		}
		h := newTestMonitor(store, 5).CheckHealth(0)
		if h.Status != HealthHealthy {
			t.Fatalf("10 tasks should not trigger the failure-rate warning, got %+v", h.Checks)
		}

		seed(t, store, "f-10", models.StatusFailed, testNow.Add(-2*time.Hour), time.Second)
		h = newTestMonitor(store, 5).CheckHealth(0)
		if h.Status != HealthDegraded || h.Checks[0].Condition != "high_failure_rate" {
			t.Errorf("expected high_failure_rate, got %+v", h.Checks)
		}
	})

	t.Run("storage unreachable", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "tasks")
		store := storage.NewTaskStorage(root)
		if err := store.Initialize(); err != nil {
			t.Fatal(err)
		}
		if err := os.RemoveAll(root); err != nil {
			t.Fatal(err)
		}

		h := newTestMonitor(store, 5).CheckHealth(0)
		if h.Status != HealthUnhealthy || h.Healthy || h.StorageOK {
			t.Errorf("got %+v, want unhealthy", h)
		}
		if len(h.Issues) != 1 {
			t.Errorf("issues = %v", h.Issues)
		}
	})
}

func TestGetTaskStatistics(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, "done", models.StatusCompleted, testNow.Add(-20*time.Minute), 5*time.Second)
	seed(t, store, "running", models.StatusRunning, testNow.Add(-5*time.Minute), -1)

	stats, err := newTestMonitor(store, 4).GetTaskStatistics(2, 1)
	if err != nil {
		t.Fatalf("GetTaskStatistics: %v", err)
	}
	if stats.Overview.TotalTasks != 2 || stats.Overview.SuccessRate != 1 {
		t.Errorf("overview = %+v", stats.Overview)
	}
	if stats.RecentActivity.Created != 2 || stats.RecentActivity.Completed != 1 {
		t.Errorf("recent = %+v", stats.RecentActivity)
	}
	if stats.Capacity.Utilization != 0.25 || stats.Capacity.Available != 3 {
		t.Errorf("capacity = %+v", stats.Capacity)
	}
	if stats.Performance.AvgDuration != 5 {
		t.Errorf("avg = %v, want 5", stats.Performance.AvgDuration)
	}
}

// Property 1: rates stay within [0,1], and sum to at most 1, for any mix
// of statuses.
func TestProperty_RatesBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		tasks := make([]*models.Task, n)
		for i := range tasks {
			status := rapid.SampledFrom(models.AllStatuses).Draw(rt, fmt.Sprintf("status%d", i))
			start := testNow.Add(-time.Duration(rapid.IntRange(1, 7200).Draw(rt, fmt.Sprintf("age%d", i))) * time.Second)
			task := &models.Task{ID: fmt.Sprintf("t%d", i), Type: models.TaskTypeAgent, Status: status, CreatedAt: start, StartedAt: &start}
			if status.IsTerminal() {
				end := start.Add(time.Second)
				task.CompletedAt = &end
			}
			tasks[i] = task
		}

		m := computeMetrics(tasks, 0, 0, testNow)
		if m.SuccessRate < 0 || m.SuccessRate > 1 || m.FailureRate < 0 || m.FailureRate > 1 {
			rt.Fatalf("rates out of range: %v %v", m.SuccessRate, m.FailureRate)
		}
		if m.SuccessRate+m.FailureRate > 1+1e-9 {
			rt.Fatalf("rates sum above 1: %v + %v", m.SuccessRate, m.FailureRate)
		}
		sum := 0
		for _, c := range m.TasksByStatus {
			sum += c
		}
		if sum != n {
			rt.Fatalf("status tallies sum to %d, want %d", sum, n)
		}
	})
}
