// Package protocol defines the daemon's action catalogue. Requests are
// decoded once, at the transport boundary, into typed Commands.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valter-silva-au/taskd/internal/transport"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// Action names on the wire.
const (
	ActionPing          = "ping"
	ActionCreateTask    = "create_task"
	ActionGetTask       = "get_task"
	ActionListTasks     = "list_tasks"
	ActionCancelTask    = "cancel_task"
	ActionDeleteTask    = "delete_task"
	ActionGetOutput     = "get_output"
	ActionGetEvents     = "get_events"
	ActionGetMetrics    = "get_metrics"
	ActionGetHealth     = "get_health"
	ActionGetStatistics = "get_statistics"
	ActionCleanupTasks  = "cleanup_tasks"
)

// Actions lists every supported action.
var Actions = []string{
	ActionPing, ActionCreateTask, ActionGetTask, ActionListTasks,
	ActionCancelTask, ActionDeleteTask, ActionGetOutput, ActionGetEvents,
	ActionGetMetrics, ActionGetHealth, ActionGetStatistics, ActionCleanupTasks,
}

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidParams = errors.New("invalid params")
)

// Command is one decoded request. The set of implementations is closed.
type Command interface {
	Action() string
	validate() error
}

// Ping checks that the daemon is up and reports its version.
type Ping struct{}

// CreateTask submits a new agent or process task.
type CreateTask struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	TaskType    models.TaskType `json:"task_type"`
	Config      map[string]any  `json:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// GetTask fetches one task record.
type GetTask struct {
	TaskID string `json:"task_id"`
}

// ListTasks lists tasks newest first. Empty filters match everything and
// a zero Limit means no limit.
type ListTasks struct {
	Status   models.TaskStatus `json:"status,omitempty"`
	TaskType models.TaskType   `json:"task_type,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// CancelTask stops a pending or running task.
type CancelTask struct {
	TaskID string `json:"task_id"`
}

// DeleteTask cancels the task if needed and removes it from storage.
type DeleteTask struct {
	TaskID string `json:"task_id"`
}

// GetOutput reads up to Limit bytes of output starting at byte Offset.
type GetOutput struct {
	TaskID string `json:"task_id"`
	Offset int64  `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// GetEvents reads the task event log starting at the Offset-th event.
type GetEvents struct {
	TaskID string `json:"task_id"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// GetMetrics requests a metrics snapshot.
type GetMetrics struct{}

// GetHealth runs the health checks.
type GetHealth struct{}

// GetStatistics requests metrics grouped for display.
type GetStatistics struct{}

// CleanupTasks falls back to the daemon's configured limits for nil fields.
type CleanupTasks struct {
	RetentionDays *int `json:"retention_days,omitempty"`
	MaxTasks      *int `json:"max_tasks,omitempty"`
}

func (Ping) Action() string          { return ActionPing }
func (CreateTask) Action() string    { return ActionCreateTask }
func (GetTask) Action() string       { return ActionGetTask }
func (ListTasks) Action() string     { return ActionListTasks }
func (CancelTask) Action() string    { return ActionCancelTask }
func (DeleteTask) Action() string    { return ActionDeleteTask }
func (GetOutput) Action() string     { return ActionGetOutput }
func (GetEvents) Action() string     { return ActionGetEvents }
func (GetMetrics) Action() string    { return ActionGetMetrics }
func (GetHealth) Action() string     { return ActionGetHealth }
func (GetStatistics) Action() string { return ActionGetStatistics }
func (CleanupTasks) Action() string  { return ActionCleanupTasks }

func (Ping) validate() error          { return nil }
func (GetMetrics) validate() error    { return nil }
func (GetHealth) validate() error     { return nil }
func (GetStatistics) validate() error { return nil }

func (c CreateTask) validate() error {
	if c.TaskType == "" {
		return errors.New("task_type is required")
	}
	if !c.TaskType.Valid() {
		return fmt.Errorf("task_type %q must be agent or process", c.TaskType)
	}
	return nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("task_id is required")
	}
	return nil
}

func (c GetTask) validate() error    { return requireID(c.TaskID) }
func (c CancelTask) validate() error { return requireID(c.TaskID) }
func (c DeleteTask) validate() error { return requireID(c.TaskID) }

func (c ListTasks) validate() error {
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	if c.TaskType != "" && !c.TaskType.Valid() {
		return fmt.Errorf("unknown task_type %q", c.TaskType)
	}
	if c.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func (c GetOutput) validate() error {
	if err := requireID(c.TaskID); err != nil {
		return err
	}
	if c.Offset < 0 || c.Limit < 0 {
		return errors.New("offset and limit must not be negative")
	}
	return nil
}

func (c GetEvents) validate() error {
	if err := requireID(c.TaskID); err != nil {
		return err
	}
	if c.Offset < 0 || c.Limit < 0 {
		return errors.New("offset and limit must not be negative")
	}
	return nil
}

func (c CleanupTasks) validate() error {
	if c.RetentionDays != nil && *c.RetentionDays < 0 {
		return errors.New("retention_days must not be negative")
	}
	if c.MaxTasks != nil && *c.MaxTasks < 0 {
		return errors.New("max_tasks must not be negative")
	}
	return nil
}

func newCommand(action string) (Command, bool) {
	switch action {
	case ActionPing:
		return &Ping{}, true
	case ActionCreateTask:
		return &CreateTask{}, true
	case ActionGetTask:
		return &GetTask{}, true
	case ActionListTasks:
		return &ListTasks{}, true
	case ActionCancelTask:
		return &CancelTask{}, true
	case ActionDeleteTask:
		return &DeleteTask{}, true
	case ActionGetOutput:
		return &GetOutput{}, true
	case ActionGetEvents:
		return &GetEvents{}, true
	case ActionGetMetrics:
		return &GetMetrics{}, true
	case ActionGetHealth:
		return &GetHealth{}, true
	case ActionGetStatistics:
		return &GetStatistics{}, true
	case ActionCleanupTasks:
		return &CleanupTasks{}, true
	default:
		return nil, false
	}
}

// Decode turns a wire request into a typed Command. The returned value is
// one of the pointer types above, e.g. *CreateTask.
func Decode(req transport.Request) (Command, error) {
	cmd, ok := newCommand(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	params := bytes.TrimSpace(req.Params)
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		if err := json.Unmarshal(params, cmd); err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, req.Action, err)
		}
	}
	if err := cmd.validate(); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidParams, req.Action, err)
	}
	return cmd, nil
}

// Encode builds the wire request for cmd.
func Encode(cmd Command) (transport.Request, error) {
	return transport.NewRequest(cmd.Action(), cmd)
}

// --- Results ---

// PingResult answers Ping.
type PingResult struct {
	Pong    bool      `json:"pong"`
	Version string    `json:"version"`
	PID     int       `json:"pid"`
	Time    time.Time `json:"time"`
}

// ListTasksResult answers ListTasks.
type ListTasksResult struct {
	Tasks []*models.Task `json:"tasks"`
	Count int            `json:"count"`
}

// CancelTaskResult reports whether this call cancelled the task.
type CancelTaskResult struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// DeleteTaskResult answers DeleteTask.
type DeleteTaskResult struct {
	TaskID  string `json:"task_id"`
	Deleted bool   `json:"deleted"`
}

// OutputResult is one page of output. Pass NextOffset back to continue;
// Size is the whole log's length in bytes.
type OutputResult struct {
	TaskID     string `json:"task_id"`
	Output     string `json:"output"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
}

// EventsResult is one page of events.
type EventsResult struct {
	TaskID     string             `json:"task_id"`
	Events     []models.TaskEvent `json:"events"`
	NextOffset int                `json:"next_offset"`
}

// CleanupResult reports how many tasks were removed and the limits used.
type CleanupResult struct {
	Deleted       int `json:"deleted"`
	RetentionDays int `json:"retention_days"`
	MaxTasks      int `json:"max_tasks"`
}
