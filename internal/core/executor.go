package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valter-silva-au/taskd/internal/agent"
	"github.com/valter-silva-au/taskd/internal/procctl"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// ErrUnknownTaskType is returned for task types no executor handles.
var ErrUnknownTaskType = errors.New("unknown task type")

// ErrInvalidConfig wraps task config validation failures.
var ErrInvalidConfig = errors.New("invalid task config")

// Executor performs a task's work. Execute should return promptly once ctx
// is cancelled; Cancel requests a hard stop and must be idempotent.
type Executor interface {
	Execute(ctx context.Context) error
	Cancel()
}

// ExecutorFactory builds the executor for a task.
type ExecutorFactory interface {
	New(task *models.Task, handle *TaskHandle) (Executor, error)
}

// ExecutorFactoryFunc adapts a function to ExecutorFactory.
type ExecutorFactoryFunc func(task *models.Task, handle *TaskHandle) (Executor, error)

func (f ExecutorFactoryFunc) New(task *models.Task, handle *TaskHandle) (Executor, error) {
	return f(task, handle)
}

// ExecutorSettings are the config-file defaults executors fall back on.
type ExecutorSettings struct {
	ToolMaxLines   int
	ToolMaxChars   int
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	Shell          string
}

// SettingsFromConfig extracts executor settings from the loaded config.
func SettingsFromConfig(cfg *models.Config) ExecutorSettings {
	return ExecutorSettings{
		ToolMaxLines:   cfg.Output.ToolMaxLines,
		ToolMaxChars:   cfg.Output.ToolMaxChars,
		DefaultTimeout: cfg.Process.DefaultTimeout,
		KillGrace:      cfg.Process.KillGrace,
		Shell:          cfg.Process.Shell,
	}
}

type defaultExecutorFactory struct {
	runner   agent.Runner
	proc     procctl.Controller
	settings ExecutorSettings
}

// NewExecutorFactory returns the factory that selects by task type.
func NewExecutorFactory(runner agent.Runner, proc procctl.Controller, settings ExecutorSettings) ExecutorFactory {
	if settings.ToolMaxLines <= 0 {
		settings.ToolMaxLines = 50
	}
	if settings.ToolMaxChars <= 0 {
		settings.ToolMaxChars = 5000
	}
	if settings.KillGrace <= 0 {
		settings.KillGrace = 5 * time.Second
	}
	return &defaultExecutorFactory{runner: runner, proc: proc, settings: settings}
}

func (f *defaultExecutorFactory) New(task *models.Task, handle *TaskHandle) (Executor, error) {
	switch task.Type {
	case models.TaskTypeAgent:
		return newAgentExecutor(task, handle, f.runner, f.settings)
	case models.TaskTypeProcess:
		return newProcessExecutor(task, handle, f.proc, f.settings)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}
}

// --- Config helpers ---
// Task config arrives as decoded JSON, so numbers are float64 and
// durations may be either seconds or Go duration strings.

func configString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func configInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func configDuration(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not a duration", ErrInvalidConfig, key, v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidConfig, key, v)
	}
}

func configStringMap(cfg map[string]any, key string) (map[string]string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch m := raw.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidConfig, key)
	}
}
