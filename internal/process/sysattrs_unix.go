//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places a pipe-attached child in its own process group
// so Terminate can signal the command together with everything it forked.
// The pty launcher does not use this: pty.Start makes the child a session
// leader, which gives the same group semantics.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
