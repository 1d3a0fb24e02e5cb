package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType selects the executor that runs a task.
type TaskType string

const (
	TaskTypeAgent   TaskType = "agent"
	TaskTypeProcess TaskType = "process"
)

// Valid reports whether t names a known executor kind.
func (t TaskType) Valid() bool {
	return t == TaskTypeAgent || t == TaskTypeProcess
}

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
	StatusInterrupted TaskStatus = "interrupted"
)

// AllStatuses lists every lifecycle state in graph order.
var AllStatuses = []TaskStatus{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusInterrupted,
}

// Valid reports whether s is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive reports whether the status is pending or running.
func (s TaskStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// IsTerminal reports whether the status is completed, failed or cancelled.
// Interrupted is neither active nor terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the forward-only lifecycle graph.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed, StatusInterrupted},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is one unit of schedulable work tracked through its lifecycle.
type Task struct {
	ID          string         `json:"task_id" yaml:"task_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Type        TaskType       `json:"task_type" yaml:"task_type"`
	Config      map[string]any `json:"config" yaml:"config"`
	Status      TaskStatus     `json:"status" yaml:"status"`
	Progress    float64        `json:"progress" yaml:"progress"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	// Agent tasks.
	Iterations    int `json:"iterations" yaml:"iterations"`
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// Process tasks.
	Command          string `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	PID              *int   `json:"pid,omitempty" yaml:"pid,omitempty"`

	OutputPath string         `json:"output_path" yaml:"output_path"`
	EventsPath string         `json:"events_path" yaml:"events_path"`
	Metadata   map[string]any `json:"metadata" yaml:"metadata"`
}

// IsActive reports whether the task is pending or running.
func (t *Task) IsActive() bool { return t.Status.IsActive() }

// IsTerminal reports whether the task reached completed, failed or cancelled.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Duration returns how long the task has run. It is undefined (ok=false)
// until the task has started; running tasks are measured against now.
func (t *Task) Duration() (d time.Duration, ok bool) {
	return t.DurationAt(time.Now().UTC())
}

// DurationAt is Duration with an explicit "now" for unfinished tasks.
func (t *Task) DurationAt(now time.Time) (time.Duration, bool) {
	if t.StartedAt == nil {
		return 0, false
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt), true
}

// Clone returns a copy of the task with its own top-level maps and pointers.
func (t *Task) Clone() *Task {
	c := *t
	c.Config = cloneMap(t.Config)
	c.Metadata = cloneMap(t.Metadata)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ExitCode = cloneInt(t.ExitCode)
	c.PID = cloneInt(t.PID)
	return &c
}

// ToMap converts the task into its wire representation as a generic map.
func (t *Task) ToMap() (map[string]any, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding task %s into map: %w", t.ID, err)
	}
	return m, nil
}

// TaskFromMap rebuilds a task from the representation produced by ToMap.
func TaskFromMap(m map[string]any) (*Task, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding task map: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &t, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
