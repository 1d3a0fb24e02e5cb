//go:build !windows

package procctl

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixController struct{}

func newController() Controller { return unixController{} }

func (unixController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else.
	return errors.Is(err, unix.EPERM)
}

func (unixController) Terminate(pid int) error {
	return signal(pid, unix.SIGTERM)
}

func (unixController) Kill(pid int) error {
	return signal(pid, unix.SIGKILL)
}

func (unixController) TerminateGroup(pid int) error {
	return signal(-pid, unix.SIGTERM)
}

func (unixController) KillGroup(pid int) error {
	return signal(-pid, unix.SIGKILL)
}

func (unixController) Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func (unixController) Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

// signal sends sig to pid, treating an already-gone process as success.
func signal(pid int, sig unix.Signal) error {
	if pid == 0 {
		return errors.New("invalid pid 0")
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
