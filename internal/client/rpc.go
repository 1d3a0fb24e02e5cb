package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// Ping checks the daemon answers.
func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	var res protocol.PingResult
	if err := c.call(ctx, &protocol.Ping{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateTask submits a new task and returns it as persisted (pending).
func (c *Client) CreateTask(ctx context.Context, req protocol.CreateTask) (*models.Task, error) {
	var task models.Task
	if err := c.call(ctx, &req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := c.call(ctx, &protocol.GetTask{TaskID: taskID}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context, filter protocol.ListTasks) ([]*models.Task, error) {
	var res protocol.ListTasksResult
	if err := c.call(ctx, &filter, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// CancelTask reports false when the task was already finished.
func (c *Client) CancelTask(ctx context.Context, taskID string) (bool, error) {
	var res protocol.CancelTaskResult
	if err := c.call(ctx, &protocol.CancelTask{TaskID: taskID}, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	var res protocol.DeleteTaskResult
	if err := c.call(ctx, &protocol.DeleteTask{TaskID: taskID}, &res); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

// GetOutput reads output from a byte offset. limit <= 0 reads to the end.
func (c *Client) GetOutput(ctx context.Context, taskID string, offset int64, limit int) (*protocol.OutputResult, error) {
	var res protocol.OutputResult
	if err := c.call(ctx, &protocol.GetOutput{TaskID: taskID, Offset: offset, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetEvents(ctx context.Context, taskID string, offset, limit int) (*protocol.EventsResult, error) {
	var res protocol.EventsResult
	if err := c.call(ctx, &protocol.GetEvents{TaskID: taskID, Offset: offset, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetMetrics(ctx context.Context) (*observability.TaskMetrics, error) {
	var res observability.TaskMetrics
	if err := c.call(ctx, &protocol.GetMetrics{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetHealth(ctx context.Context) (*observability.HealthStatus, error) {
	var res observability.HealthStatus
	if err := c.call(ctx, &protocol.GetHealth{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetStatistics(ctx context.Context) (*observability.TaskStatistics, error) {
	var res observability.TaskStatistics
	if err := c.call(ctx, &protocol.GetStatistics{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CleanupTasks runs storage cleanup; nil fields use the daemon's limits.
func (c *Client) CleanupTasks(ctx context.Context, req protocol.CleanupTasks) (*protocol.CleanupResult, error) {
	var res protocol.CleanupResult
	if err := c.call(ctx, &req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FollowOutput polls the task and copies new output to w until the task is
// no longer active, then returns its final state.
func (c *Client) FollowOutput(ctx context.Context, taskID string, interval time.Duration, w io.Writer) (*models.Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	var offset int64
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		out, err := c.GetOutput(ctx, taskID, offset, 0)
		if err != nil {
			return nil, err
		}
		if out.Output != "" {
			if _, err := io.WriteString(w, out.Output); err != nil {
				return nil, fmt.Errorf("writing output: %w", err)
			}
		}
		offset = out.NextOffset

		if !task.IsActive() {
			return task, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return task, err
		}
	}
}
