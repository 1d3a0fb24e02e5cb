package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valter-silva-au/taskd/internal/procctl"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// ProcessExecutor runs a shell command in its own process group with
// stdout and stderr merged into the task's output log.
type ProcessExecutor struct {
	handle    *TaskHandle
	proc      procctl.Controller
	command   string
	workDir   string
	timeout   time.Duration
	env       map[string]string
	shell     string
	killGrace time.Duration

	mu        sync.Mutex
	pid       int
	exited    chan struct{}
	cancelled bool
	stopOnce  sync.Once
	timedOut  atomic.Bool
}

func newProcessExecutor(task *models.Task, handle *TaskHandle, proc procctl.Controller, settings ExecutorSettings) (*ProcessExecutor, error) {
	if proc == nil {
		proc = procctl.New()
	}
	command := task.Command
	if command == "" {
		command = configString(task.Config, "command")
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: process task requires a command", ErrInvalidConfig)
	}

	timeout := settings.DefaultTimeout
	if _, ok := task.Config["timeout"]; ok {
		d, err := configDuration(task.Config, "timeout")
		if err != nil {
			return nil, err
		}
		timeout = d
	}
	if timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}

	env, err := configStringMap(task.Config, "env")
	if err != nil {
		return nil, err
	}

	workDir := task.WorkingDirectory
	if workDir == "" {
		workDir = configString(task.Config, "working_directory")
	}
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: working_directory %q is not a directory", ErrInvalidConfig, workDir)
		}
	}

	return &ProcessExecutor{
		handle:    handle,
		proc:      proc,
		command:   command,
		workDir:   workDir,
		timeout:   timeout,
		env:       env,
		shell:     settings.Shell,
		killGrace: settings.KillGrace,
	}, nil
}

// shellCommand delegates to the system shell so pipes and redirects work.
func shellCommand(shell, command string) *exec.Cmd {
	if shell != "" {
		flag := "-c"
		if strings.Contains(strings.ToLower(shell), "cmd") {
			flag = "/c"
		}
		return exec.Command(shell, flag, command)
	}
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/c", command)
	}
	return exec.Command("sh", "-c", command)
}

// Execute starts the command, streams its output and waits for it to exit.
// A non-zero exit code is returned as an error.
func (e *ProcessExecutor) Execute(ctx context.Context) error {
	cmd := shellCommand(e.shell, e.command)
	cmd.Dir = e.workDir
	cmd.Env = os.Environ()
	for k, v := range e.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	e.proc.Isolate(cmd)

	// Cancel takes e.mu too, so it either sees the pid or stops the start.
	e.mu.Lock()
	if e.cancelled || ctx.Err() != nil {
		e.mu.Unlock()
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("process cancelled before start: %w", context.Canceled)
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("starting process: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan struct{})
	e.pid = pid
	e.exited = exited
	e.mu.Unlock()

	_ = pw.Close()
	defer func() { _ = pr.Close() }()

	if err := e.handle.Update(func(t *models.Task) { t.PID = &pid }); err != nil {
		e.handle.logger.Warn("recording process pid", "task_id", e.handle.ID(), "pid", pid, "error", err)
	}
	e.handle.AppendEvent(models.EventProcessStarted, fmt.Sprintf("started pid %d", pid), map[string]any{
		"pid":     pid,
		"command": e.command,
	})

	go e.watch(ctx, exited)

	e.stream(ctx, pr)

	waitErr := cmd.Wait()
	close(exited)

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		return fmt.Errorf("waiting for process: %w", waitErr)
	}

	if err := e.handle.Update(func(t *models.Task) { t.ExitCode = &code }); err != nil {
		e.handle.logger.Warn("recording exit code", "task_id", e.handle.ID(), "error", err)
	}
	e.handle.AppendEvent(models.EventProcessExited, fmt.Sprintf("exited with code %d", code), map[string]any{
		"exit_code": code,
	})

	e.mu.Lock()
	cancelled := e.cancelled
	e.mu.Unlock()

	if cancelled {
		_ = e.handle.AppendOutput("\n[process cancelled]\n")
		if e.timedOut.Load() {
			return fmt.Errorf("process timed out after %s", e.timeout)
		}
		return fmt.Errorf("process cancelled: %w", context.Canceled)
	}

	if err := e.handle.AppendOutput(fmt.Sprintf("\n[process exited with code %d]\n", code)); err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("process exited with code %d", code)
	}
	return nil
}

// stream copies output line by line until EOF or ctx is cancelled.
func (e *ProcessExecutor) stream(ctx context.Context, r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			if werr := e.handle.AppendOutput(line); werr != nil {
				e.handle.logger.Warn("writing process output", "task_id", e.handle.ID(), "error", werr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.handle.logger.Debug("reading process output", "task_id", e.handle.ID(), "error", err)
			}
			return
		}
	}
}

// watch stops the process when ctx is cancelled or the timeout expires.
func (e *ProcessExecutor) watch(ctx context.Context, exited <-chan struct{}) {
	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-exited:
	case <-ctx.Done():
		e.Cancel()
	case <-timeout:
		e.timedOut.Store(true)
		e.Cancel()
	}
}

// Cancel terminates the process group, then kills it if it has not exited
// within the kill grace period. It does not block.
func (e *ProcessExecutor) Cancel() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.cancelled = true
		pid, exited := e.pid, e.exited
		e.mu.Unlock()
		if pid != 0 {
			go e.terminate(pid, exited)
		}
	})
}

func (e *ProcessExecutor) terminate(pid int, exited <-chan struct{}) {
	if err := e.proc.TerminateGroup(pid); err != nil {
		e.handle.logger.Warn("terminating process group", "task_id", e.handle.ID(), "pid", pid, "error", err)
	}
	select {
	case <-exited:
		return
	case <-time.After(e.killGrace):
	}
	if err := e.proc.KillGroup(pid); err != nil {
		e.handle.logger.Warn("killing process group", "task_id", e.handle.ID(), "pid", pid, "error", err)
	}
}
