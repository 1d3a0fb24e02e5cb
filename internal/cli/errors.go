package cli

import (
	"errors"
	"fmt"

	"github.com/valter-silva-au/taskd/internal/client"
	"github.com/valter-silva-au/taskd/internal/storage"
)

var errNotInitialized = errors.New("taskd client not initialized")

// FormatError renders err for the terminal, adding a hint for the failures
// a user can fix.
func FormatError(err error) string {
	msg := fmt.Sprintf("Error: %v", err)
	if h := hint(err); h != "" {
		msg += "\n" + hintStyle.Render("hint: "+h)
	}
	return msg
}

func hint(err error) string {
	var (
		connErr    *client.ConnectionError
		versionErr *client.VersionMismatchError
	)
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		return "daemon not running, start it with `taskd daemon start`"
	case errors.As(err, &versionErr):
		return fmt.Sprintf("wait for the %d running task(s) to finish or cancel them, then run `taskd daemon restart`", versionErr.RunningTasks)
	case errors.As(err, &connErr):
		return "the daemon is not answering; check `taskd daemon status` and the daemon.log in the taskd home"
	case errors.Is(err, storage.ErrRootLocked):
		return "another daemon already owns this storage directory"
	}
	return ""
}
