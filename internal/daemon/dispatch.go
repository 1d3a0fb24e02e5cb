package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/internal/transport"
)

// Handle is the daemon's request handler. Every error and panic becomes an
// error envelope; nothing escapes to the connection.
func (d *Daemon) Handle(ctx context.Context, req transport.Request) (resp transport.Response) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatch panicked", "action", req.Action, "panic", p)
			resp = transport.Errorf("internal error handling %s: %v", req.Action, p)
		}
		if d.prom != nil {
			d.prom.RPCHandled(req.Action, resp.Status)
		}
		d.logger.Debug("request handled",
			"action", req.Action,
			"status", resp.Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	cmd, err := protocol.Decode(req)
	if err != nil {
		return transport.Errorf("%v", err)
	}
	data, err := d.dispatch(ctx, cmd)
	if err != nil {
		d.logger.Warn("request failed", "action", req.Action, "error", err)
		return transport.Errorf("%v", err)
	}
	return transport.OK(data)
}

func (d *Daemon) dispatch(ctx context.Context, cmd protocol.Command) (any, error) {
	switch c := cmd.(type) {
	case *protocol.Ping:
		return protocol.PingResult{
			Pong:    true,
			Version: d.version,
			PID:     os.Getpid(),
			Time:    time.Now().UTC(),
		}, nil

	case *protocol.CreateTask:
		return d.manager.CreateTask(ctx, core.CreateTaskRequest{
			Name:        c.Name,
			Description: c.Description,
			Type:        c.TaskType,
			Config:      c.Config,
			Metadata:    c.Metadata,
		})

	case *protocol.GetTask:
		return d.manager.GetTask(c.TaskID)

	case *protocol.ListTasks:
		return d.listTasks(c)

	case *protocol.CancelTask:
		ok, err := d.manager.CancelTask(ctx, c.TaskID)
		if err != nil {
			return nil, err
		}
		return protocol.CancelTaskResult{TaskID: c.TaskID, Cancelled: ok}, nil

	case *protocol.DeleteTask:
		ok, err := d.manager.DeleteTask(ctx, c.TaskID)
		if err != nil {
			return nil, err
		}
		return protocol.DeleteTaskResult{TaskID: c.TaskID, Deleted: ok}, nil

	case *protocol.GetOutput:
		out, err := d.store.ReadOutput(c.TaskID, c.Offset, c.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.OutputResult{
			TaskID:     out.TaskID,
			Output:     out.Content,
			Offset:     out.Offset,
			NextOffset: out.NextOffset,
			Size:       out.Size,
		}, nil

	case *protocol.GetEvents:
		if _, err := d.manager.GetTask(c.TaskID); err != nil {
			return nil, err
		}
		events, err := d.store.ReadEvents(c.TaskID, c.Offset, c.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.EventsResult{TaskID: c.TaskID, Events: events, NextOffset: c.Offset + len(events)}, nil

	case *protocol.GetMetrics:
		return d.monitor.CollectMetrics(d.manager.ActiveCount(), d.manager.QueueSize())

	case *protocol.GetHealth:
		return d.monitor.CheckHealth(d.manager.ActiveCount()), nil

	case *protocol.GetStatistics:
		return d.monitor.GetTaskStatistics(d.manager.ActiveCount(), d.manager.QueueSize())

	case *protocol.CleanupTasks:
		return d.cleanup(c)

	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownAction, cmd.Action())
	}
}

func (d *Daemon) listTasks(c *protocol.ListTasks) (protocol.ListTasksResult, error) {
	tasks, err := d.store.ListTasks(storageFilter(c))
	if err != nil {
		return protocol.ListTasksResult{}, err
	}
	// Active tasks are served from memory so progress is current.
	for i, t := range tasks {
		if t.IsActive() {
			if live, err := d.manager.GetTask(t.ID); err == nil && live.Status == t.Status {
				tasks[i] = live
			}
		}
	}
	return protocol.ListTasksResult{Tasks: tasks, Count: len(tasks)}, nil
}

func (d *Daemon) cleanup(c *protocol.CleanupTasks) (protocol.CleanupResult, error) {
	res := protocol.CleanupResult{
		RetentionDays: d.cfg.Daemon.RetentionDays,
		MaxTasks:      d.cfg.Daemon.MaxTasks,
	}
	if c.RetentionDays != nil {
		res.RetentionDays = *c.RetentionDays
	}
	if c.MaxTasks != nil {
		res.MaxTasks = *c.MaxTasks
	}
	n, err := d.store.CleanupOldTasks(res.RetentionDays, res.MaxTasks)
	if err != nil {
		return res, err
	}
	res.Deleted = n
	d.logger.Info("cleanup requested", "deleted", n, "retention_days", res.RetentionDays, "max_tasks", res.MaxTasks)
	return res, nil
}

func storageFilter(c *protocol.ListTasks) storage.TaskFilter {
	return storage.TaskFilter{Status: c.Status, Type: c.TaskType, Limit: c.Limit}
}
