// Package procctl hides per-OS process control behind one interface:
// liveness probes, graceful and forced termination, process groups and
// detached spawning.
package procctl

import (
	"os/exec"
)

// Controller manipulates OS processes by PID.
type Controller interface {
	// Alive reports whether a process with the given PID exists.
	Alive(pid int) bool

	// Terminate asks the process to exit; Kill forces it.
	Terminate(pid int) error
	Kill(pid int) error

	// TerminateGroup and KillGroup act on the process group (or tree)
	// led by pid. The leader must have been started with Isolate.
	TerminateGroup(pid int) error
	KillGroup(pid int) error

	// Isolate makes cmd the leader of a new process group.
	Isolate(cmd *exec.Cmd)

	// Detach configures cmd to outlive its parent with no controlling
	// terminal.
	Detach(cmd *exec.Cmd)
}

// New returns the Controller for the running OS.
func New() Controller {
	return newController()
}
