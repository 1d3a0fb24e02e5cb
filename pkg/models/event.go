package models

import "time"

// Event types written to a task's events.jsonl.
const (
	EventTaskCreated     = "task.created"
	EventTaskStarted     = "task.started"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventTaskCancelled   = "task.cancelled"
	EventTaskInterrupted = "task.interrupted"
	EventAgentIteration  = "agent.iteration"
	EventProcessStarted  = "process.started"
	EventProcessExited   = "process.exited"
)

// TaskEvent is a single entry in a task's newline-delimited event log.
type TaskEvent struct {
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}
