package process

import (
	"os/exec"
	"syscall"
)

// exitSignalName extracts the terminating signal name from an ExitError,
// when the process was killed by a signal rather than exiting normally.
func exitSignalName(exitErr *exec.ExitError) (string, bool) {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	return status.Signal().String(), true
}
