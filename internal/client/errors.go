package client

import (
	"errors"
	"fmt"
)

// ErrDaemonNotRunning is returned when no daemon is alive and auto-start is
// disabled.
var ErrDaemonNotRunning = errors.New("daemon is not running")

// ConnectionError reports a transport failure after all retries.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connecting to daemon at %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
	}
	return fmt.Sprintf("talking to daemon at %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// VersionMismatchError is returned when the running daemon was built from
// a different version and still has running tasks.
type VersionMismatchError struct {
	ClientVersion string
	DaemonVersion string
	RunningTasks  int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("daemon version %s does not match client version %s and %d task(s) are still running; wait for them to finish or restart the daemon manually",
		e.DaemonVersion, e.ClientVersion, e.RunningTasks)
}

// RemoteError is an error envelope returned by the daemon.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}
