package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// ErrInvalidTransition is returned when an update would move a task
// backward through its lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskHandle is the single writer of one task's state. Executors and the
// manager mutate the task only through it, so every persisted status
// follows the lifecycle graph.
type TaskHandle struct {
	mu     sync.Mutex
	task   *models.Task
	store  storage.TaskStorage
	logger *slog.Logger
	now    func() time.Time
}

func newTaskHandle(task *models.Task, store storage.TaskStorage, logger *slog.Logger, now func() time.Time) *TaskHandle {
	return &TaskHandle{task: task, store: store, logger: logger, now: now}
}

// ID returns the task ID.
func (h *TaskHandle) ID() string {
	return h.task.ID
}

// Snapshot returns a copy of the current task state.
func (h *TaskHandle) Snapshot() *models.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Clone()
}

// Update applies fn to a copy of the task and persists it. A status change
// not allowed by the lifecycle graph is rejected with ErrInvalidTransition
// and nothing is written.
func (h *TaskHandle) Update(fn func(t *models.Task)) error {
	return h.apply(fn, false)
}

// apply persists fn's changes. With requireEdge set the status must move
// along a lifecycle edge, so re-entering the current status is rejected.
func (h *TaskHandle) apply(fn func(t *models.Task), requireEdge bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.task.Clone()
	fn(next)
	changed := next.Status != h.task.Status
	if (changed || requireEdge) && !h.task.Status.CanTransition(next.Status) {
		return fmt.Errorf("task %s: %s -> %s: %w", h.task.ID, h.task.Status, next.Status, ErrInvalidTransition)
	}
	if err := h.store.SaveTask(next); err != nil {
		return err
	}
	h.task = next
	return nil
}

// Transition moves the task to status, stamping started_at or
// completed_at and recording errMsg. It reports false when the current
// status has no edge to the requested one, including when the task is
// already in that status.
func (h *TaskHandle) Transition(status models.TaskStatus, errMsg string) (bool, error) {
	err := h.apply(func(t *models.Task) {
		now := h.now()
		t.Status = status
		switch status {
		case models.StatusRunning:
			t.StartedAt = &now
		case models.StatusCompleted:
			t.Progress = 1.0
			t.CompletedAt = &now
		default:
			t.CompletedAt = &now
		}
		if errMsg != "" {
			t.Error = errMsg
		}
	}, true)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateProgress sets progress, clamped to [0, 1].
func (h *TaskHandle) UpdateProgress(fraction float64) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return h.Update(func(t *models.Task) { t.Progress = fraction })
}

// AppendOutput appends text to the task's output log.
func (h *TaskHandle) AppendOutput(text string) error {
	return h.store.AppendOutput(h.task.ID, text)
}

// AppendEvent appends an event to the task's event log. Failures are
// logged, not returned: a lost event never fails a task.
func (h *TaskHandle) AppendEvent(eventType, message string, data map[string]any) {
	event := models.TaskEvent{
		Time:    h.now(),
		Type:    eventType,
		Message: message,
		Data:    data,
	}
	if err := h.store.AppendEvent(h.task.ID, event); err != nil {
		h.logger.Warn("appending task event", "task_id", h.task.ID, "type", eventType, "error", err)
	}
}
