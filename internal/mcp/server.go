// Package mcp provides an MCP (Model Context Protocol) server that exposes
// taskd operations as MCP tools for AI coding assistants.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// TaskService is the subset of the daemon client the tools need.
// *client.Client satisfies it.
type TaskService interface {
	CreateTask(ctx context.Context, req protocol.CreateTask) (*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, filter protocol.ListTasks) ([]*models.Task, error)
	CancelTask(ctx context.Context, taskID string) (bool, error)
	GetOutput(ctx context.Context, taskID string, offset int64, limit int) (*protocol.OutputResult, error)
	GetMetrics(ctx context.Context) (*observability.TaskMetrics, error)
	GetHealth(ctx context.Context) (*observability.HealthStatus, error)
}

// defaultOutputLimit caps get_output responses so a chatty task cannot
// flood the assistant's context.
const defaultOutputLimit = 64 * 1024

// Server wraps a TaskService and exposes it as MCP tools.
type Server struct {
	server *gomcp.Server
	tasks  TaskService
}

// NewServer creates a new MCP server backed by tasks.
func NewServer(tasks TaskService, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{tasks: tasks}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "taskd", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio, blocking until the client disconnects or the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type createTaskInput struct {
	TaskType         string `json:"task_type" jsonschema:"required,agent or process"`
	Name             string `json:"name,omitempty" jsonschema:"short human-readable name"`
	Description      string `json:"description,omitempty" jsonschema:"longer description of the work"`
	Prompt           string `json:"prompt,omitempty" jsonschema:"prompt for agent tasks"`
	Model            string `json:"model,omitempty" jsonschema:"model override for agent tasks"`
	MaxIterations    int    `json:"max_iterations,omitempty" jsonschema:"iteration cap for agent tasks"`
	Command          string `json:"command,omitempty" jsonschema:"shell command for process tasks"`
	WorkingDirectory string `json:"working_directory,omitempty" jsonschema:"working directory for process tasks"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty" jsonschema:"timeout for process tasks, 0 means the daemon default"`
}

type taskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task identifier returned by create_task"`
}

type taskOutput struct {
	ID          string  `json:"task_id"`
	Name        string  `json:"name"`
	Type        string  `json:"task_type"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	Error       string  `json:"error,omitempty"`
	Iterations  int     `json:"iterations,omitempty"`
	Command     string  `json:"command,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   string  `json:"started_at,omitempty"`
	CompletedAt string  `json:"completed_at,omitempty"`
}

type listTasksInput struct {
	Status   string `json:"status,omitempty" jsonschema:"filter by status (pending, running, completed, failed, cancelled, interrupted)"`
	TaskType string `json:"task_type,omitempty" jsonschema:"filter by type (agent, process)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of tasks to return"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type cancelTaskOutput struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

type getOutputInput struct {
	TaskID string `json:"task_id" jsonschema:"required,the task identifier"`
	Offset int64  `json:"offset,omitempty" jsonschema:"byte offset to read from; pass next_offset from the previous call to continue"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum bytes to return"`
}

type getOutputOutput struct {
	TaskID     string `json:"task_id"`
	Output     string `json:"output"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
}

type emptyInput struct{}

type metricsOutput struct {
	TotalTasks      int            `json:"total_tasks"`
	ActiveTasks     int            `json:"active_tasks"`
	QueueSize       int            `json:"queue_size"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	TasksByType     map[string]int `json:"tasks_by_type"`
	SuccessRate     float64        `json:"success_rate"`
	FailureRate     float64        `json:"failure_rate"`
	AvgDuration     float64        `json:"avg_duration_seconds"`
	CreatedLastHour int            `json:"created_last_hour"`
	CollectedAt     string         `json:"collected_at"`
}

type healthOutput struct {
	Status    string   `json:"status"`
	Healthy   bool     `json:"healthy"`
	Issues    []string `json:"issues"`
	Warnings  []string `json:"warnings"`
	CheckedAt string   `json:"checked_at"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_task",
		Description: "Start a background task. Agent tasks need a prompt; process tasks need a shell command. Returns immediately with the pending task.",
	}, s.handleCreateTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get a task's current status, progress and result.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks, newest first, with optional status and type filters.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a pending or running task. Finished tasks are left unchanged.",
	}, s.handleCancelTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_output",
		Description: "Read a task's output log from a byte offset.",
	}, s.handleGetOutput)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get daemon-wide task counts, success rate and durations.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_health",
		Description: "Check daemon health: storage, capacity, stuck tasks and failure rate.",
	}, s.handleGetHealth)
}

// --- Tool handlers ---

func (s *Server) handleCreateTask(ctx context.Context, _ *gomcp.CallToolRequest, input createTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	taskType := models.TaskType(input.TaskType)
	cfg := map[string]any{}
	switch taskType {
	case models.TaskTypeAgent:
		if input.Prompt == "" {
			return errorResult("prompt is required for agent tasks"), taskOutput{}, nil
		}
		cfg["prompt"] = input.Prompt
		if input.Model != "" {
			cfg["model"] = input.Model
		}
		if input.MaxIterations > 0 {
			cfg["max_iterations"] = input.MaxIterations
		}
	case models.TaskTypeProcess:
		if input.Command == "" {
			return errorResult("command is required for process tasks"), taskOutput{}, nil
		}
		cfg["command"] = input.Command
		if input.WorkingDirectory != "" {
			cfg["working_directory"] = input.WorkingDirectory
		}
		if input.TimeoutSeconds > 0 {
			cfg["timeout"] = input.TimeoutSeconds
		}
	default:
		return errorResult(fmt.Sprintf("invalid task_type %q: must be agent or process", input.TaskType)), taskOutput{}, nil
	}

	task, err := s.tasks.CreateTask(ctx, protocol.CreateTask{
		Name:        input.Name,
		Description: input.Description,
		TaskType:    taskType,
		Config:      cfg,
		Metadata:    map[string]any{"source": "mcp"},
	})
	if err != nil {
		return errorResult(fmt.Sprintf("creating task: %s", err)), taskOutput{}, nil
	}
	return nil, taskToOutput(task), nil
}

func (s *Server) handleGetTask(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, taskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskOutput{}, nil
	}

	task, err := s.tasks.GetTask(ctx, input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), taskOutput{}, nil
	}
	return nil, taskToOutput(task), nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	filter := protocol.ListTasks{
		Status:   models.TaskStatus(input.Status),
		TaskType: models.TaskType(input.TaskType),
		Limit:    input.Limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return errorResult(fmt.Sprintf("invalid status %q", input.Status)), listTasksOutput{Tasks: []taskOutput{}}, nil
	}

	tasks, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("listing tasks: %s", err)), listTasksOutput{Tasks: []taskOutput{}}, nil
	}

	out := listTasksOutput{
		Tasks: make([]taskOutput, len(tasks)),
		Count: len(tasks),
	}
	for i, t := range tasks {
		out.Tasks[i] = taskToOutput(t)
	}
	return nil, out, nil
}

func (s *Server) handleCancelTask(ctx context.Context, _ *gomcp.CallToolRequest, input taskIDInput) (*gomcp.CallToolResult, cancelTaskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), cancelTaskOutput{}, nil
	}

	ok, err := s.tasks.CancelTask(ctx, input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("cancelling task %s: %s", input.TaskID, err)), cancelTaskOutput{}, nil
	}
	out := cancelTaskOutput{TaskID: input.TaskID, Cancelled: ok}
	if ok {
		out.Message = fmt.Sprintf("task %s cancelled", input.TaskID)
	} else {
		out.Message = fmt.Sprintf("task %s was not active", input.TaskID)
	}
	return nil, out, nil
}

func (s *Server) handleGetOutput(ctx context.Context, _ *gomcp.CallToolRequest, input getOutputInput) (*gomcp.CallToolResult, getOutputOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), getOutputOutput{}, nil
	}
	limit := input.Limit
	if limit <= 0 || limit > defaultOutputLimit {
		limit = defaultOutputLimit
	}

	out, err := s.tasks.GetOutput(ctx, input.TaskID, input.Offset, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("reading output for %s: %s", input.TaskID, err)), getOutputOutput{}, nil
	}
	return nil, getOutputOutput{
		TaskID:     out.TaskID,
		Output:     out.Output,
		NextOffset: out.NextOffset,
		Size:       out.Size,
	}, nil
}

func (s *Server) handleGetMetrics(ctx context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, metricsOutput, error) {
	m, err := s.tasks.GetMetrics(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("collecting metrics: %s", err)), emptyMetricsOutput(), nil
	}
	out := emptyMetricsOutput()
	for k, v := range m.TasksByStatus {
		out.TasksByStatus[k] = v
	}
	for k, v := range m.TasksByType {
		out.TasksByType[k] = v
	}
	out.TotalTasks = m.TotalTasks
	out.ActiveTasks = m.ActiveTasks
	out.QueueSize = m.QueueSize
	out.SuccessRate = m.SuccessRate
	out.FailureRate = m.FailureRate
	out.AvgDuration = m.AvgDuration
	out.CreatedLastHour = m.CreatedLastHour
	out.CollectedAt = m.CollectedAt.Format(time.RFC3339)
	return nil, out, nil
}

func (s *Server) handleGetHealth(ctx context.Context, _ *gomcp.CallToolRequest, _ emptyInput) (*gomcp.CallToolResult, healthOutput, error) {
	h, err := s.tasks.GetHealth(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("checking health: %s", err)), healthOutput{Issues: []string{}, Warnings: []string{}}, nil
	}
	out := healthOutput{
		Status:    h.Status,
		Healthy:   h.Healthy,
		Issues:    append([]string{}, h.Issues...),
		Warnings:  append([]string{}, h.Warnings...),
		CheckedAt: h.CheckedAt.Format(time.RFC3339),
	}
	return nil, out, nil
}

// --- Helpers ---

func taskToOutput(t *models.Task) taskOutput {
	out := taskOutput{
		ID:         t.ID,
		Name:       t.Name,
		Type:       string(t.Type),
		Status:     string(t.Status),
		Progress:   t.Progress,
		Error:      t.Error,
		Iterations: t.Iterations,
		Command:    t.Command,
		ExitCode:   t.ExitCode,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
	if t.StartedAt != nil {
		out.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		out.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		TasksByStatus: make(map[string]int),
		TasksByType:   make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
