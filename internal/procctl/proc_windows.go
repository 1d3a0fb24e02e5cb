//go:build windows

package procctl

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

const stillActive = 259

type windowsController struct{}

func newController() Controller { return windowsController{} }

func (windowsController) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_ACCESS_DENIED {
			return true
		}
		return tasklistAlive(pid)
	}
	defer func() { _ = windows.CloseHandle(h) }()

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return tasklistAlive(pid)
	}
	return code == stillActive
}

// tasklistAlive is the fallback probe when no handle can be opened.
func tasklistAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

func (windowsController) Terminate(pid int) error {
	return taskkill(pid)
}

func (windowsController) Kill(pid int) error {
	return taskkill(pid, "/F")
}

func (windowsController) TerminateGroup(pid int) error {
	return taskkill(pid, "/T")
}

func (windowsController) KillGroup(pid int) error {
	return taskkill(pid, "/T", "/F")
}

func (windowsController) Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

func (windowsController) Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP
	cmd.SysProcAttr.HideWindow = true
}

func taskkill(pid int, flags ...string) error {
	args := append([]string{"/PID", strconv.Itoa(pid)}, flags...)
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	if err != nil {
		if !(windowsController{}).Alive(pid) {
			return nil
		}
		return fmt.Errorf("taskkill %d: %s: %w", pid, strings.TrimSpace(string(out)), err)
	}
	return nil
}
