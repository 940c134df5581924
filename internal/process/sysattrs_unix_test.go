//go:build !windows

package process

import (
	"testing"
)

func TestPipeLauncherSetsProcessGroup(t *testing.T) {
	cmd := prepare("true", "", nil)
	configureSysProcAttr(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}

func TestShellCommandUsesSh(t *testing.T) {
	cmd := shellCommand("echo hi | wc -c")
	if len(cmd.Args) != 3 || cmd.Args[0] != "/bin/sh" || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
}
