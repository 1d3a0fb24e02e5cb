package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/valter-silva-au/taskd/internal/pidfile"
)

// DaemonLogName is the file a spawned daemon's stdout and stderr go to.
const DaemonLogName = "daemon.log"

const pollInterval = 100 * time.Millisecond

// StartDaemon spawns a detached daemon unless one is already alive, and
// waits until its PID file names a live process.
func (c *Client) StartDaemon(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startDaemon(ctx)
}

// StopDaemon terminates the daemon, waits up to stop_timeout, then kills
// it.
func (c *Client) StopDaemon(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopDaemon(ctx)
}

// RestartDaemon stops a running daemon (if any) and starts a new one.
func (c *Client) RestartDaemon(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restart(ctx)
}

func (c *Client) restart(ctx context.Context) (int, error) {
	if err := c.stopDaemon(ctx); err != nil && !errors.Is(err, ErrDaemonNotRunning) {
		return 0, err
	}
	return c.startDaemon(ctx)
}

// daemonArgs rebuilds the client's view of the configuration as flags so
// the daemon listens where this client will dial.
func (c *Client) daemonArgs() []string {
	args := []string{"daemon", "run"}
	if c.home != "" {
		args = append(args, "--home", c.home)
	}
	if c.configFile != "" {
		args = append(args, "--config", c.configFile)
	}
	t := c.cfg.Transport
	args = append(args,
		"--storage-dir", c.cfg.StorageDir,
		"--pid-file", c.cfg.PIDFile,
		"--transport", t.Kind,
	)
	if t.SocketPath != "" {
		args = append(args, "--socket", t.SocketPath)
	}
	if t.PipeName != "" {
		args = append(args, "--pipe", t.PipeName)
	}
	if t.HTTPHost != "" {
		args = append(args, "--http-host", t.HTTPHost)
	}
	if t.HTTPPort != 0 {
		args = append(args, "--http-port", strconv.Itoa(t.HTTPPort))
	}
	return args
}

func (c *Client) executable() (string, error) {
	if c.cfg.Client.Executable != "" {
		return c.cfg.Client.Executable, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating taskd executable: %w", err)
	}
	return exe, nil
}

func (c *Client) logPath() string {
	dir := c.home
	if dir == "" {
		dir = filepath.Dir(c.cfg.PIDFile)
	}
	return filepath.Join(dir, DaemonLogName)
}

func (c *Client) startDaemon(ctx context.Context) (int, error) {
	if pid, ok := c.DaemonPID(); ok {
		return pid, nil
	}

	exe, err := c.executable()
	if err != nil {
		return 0, err
	}
	logPath := c.logPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, c.daemonArgs()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	c.proc.Detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning daemon: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timeout := c.cfg.Client.StartTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err := <-exited:
			return 0, fmt.Errorf("daemon exited during startup (%v); see %s", err, logPath)
		case <-deadline.C:
			_ = c.proc.Kill(cmd.Process.Pid)
			return 0, fmt.Errorf("daemon did not start within %s; see %s", timeout, logPath)
		case <-ticker.C:
			if info, err := pidfile.Read(c.cfg.PIDFile); err == nil && c.proc.Alive(info.PID) {
				return info.PID, nil
			}
		}
	}
}

func (c *Client) stopDaemon(ctx context.Context) error {
	_ = c.disconnectLocked()

	pid, ok := c.DaemonPID()
	if !ok {
		return ErrDaemonNotRunning
	}
	if err := c.proc.Terminate(pid); err != nil {
		return fmt.Errorf("signalling daemon %d: %w", pid, err)
	}

	timeout := c.cfg.Client.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if c.waitExit(ctx, pid, timeout) {
		_ = pidfile.Remove(c.cfg.PIDFile)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := c.proc.Kill(pid); err != nil {
		return fmt.Errorf("killing daemon %d: %w", pid, err)
	}
	if !c.waitExit(ctx, pid, 2*time.Second) {
		return fmt.Errorf("daemon %d still alive after kill", pid)
	}
	// A killed daemon cannot remove its own PID file.
	_ = pidfile.Remove(c.cfg.PIDFile)
	return nil
}

func (c *Client) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !c.proc.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return false
		}
	}
}
