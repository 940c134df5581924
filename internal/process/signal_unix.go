//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateGroup sends SIGTERM to the whole process group led by pid.
// A group that is already gone is not an error.
func terminateGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
