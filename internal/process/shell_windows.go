//go:build windows

package process

import "os/exec"

// shellCommand wraps script in cmd.exe for Windows systems
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}
