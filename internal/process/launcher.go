package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Handle is a started command. Output yields the combined stdout/stderr
// stream; a read error (including EOF and EIO from a closed pty) means end
// of stream.
type Handle interface {
	PID() int
	Output() io.Reader
	// Wait blocks until the process exits. A non-zero exit is reported as
	// *exec.ExitError.
	Wait() error
	// Terminate signals the command's whole process group.
	Terminate() error
	// Close releases the output stream and unblocks a pending read.
	Close() error
}

// Launcher starts a shell command in dir with its output attached to a
// stream. Implementations differ in how the stream is attached (pty or
// pipes) but must present the same Handle contract.
type Launcher interface {
	Start(command, dir string, env []string) (Handle, error)
	Name() string
}

// cmdHandle is the Handle shared by every launcher: only the output file
// differs between the pty and pipe paths.
type cmdHandle struct {
	cmd       *exec.Cmd
	out       *os.File
	closeOnce sync.Once
}

func (h *cmdHandle) PID() int          { return h.cmd.Process.Pid }
func (h *cmdHandle) Output() io.Reader { return h.out }
func (h *cmdHandle) Wait() error       { return h.cmd.Wait() }
func (h *cmdHandle) Terminate() error  { return terminateGroup(h.cmd.Process.Pid) }

func (h *cmdHandle) Close() error {
	var err error
	h.closeOnce.Do(func() { err = h.out.Close() })
	return err
}

// LauncherByName maps a configured launcher name onto a Launcher. An empty
// name selects the platform default.
func LauncherByName(name string) (Launcher, error) {
	switch name {
	case "":
		return DefaultLauncher(), nil
	case "pty":
		return NewPTYLauncher(), nil
	case "pipe":
		return NewPipeLauncher(), nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", name)
	}
}

type pipeLauncher struct{}

// NewPipeLauncher returns a launcher that attaches stdout and stderr to one
// anonymous pipe. It works on every platform.
func NewPipeLauncher() Launcher { return pipeLauncher{} }

func (pipeLauncher) Name() string { return "pipe" }

func (pipeLauncher) Start(command, dir string, env []string) (Handle, error) {
	cmd := prepare(command, dir, env)
	configureSysProcAttr(cmd)
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// the child holds its own copy; closing ours lets EOF arrive on exit
	_ = w.Close()
	return &cmdHandle{cmd: cmd, out: r}, nil
}

func prepare(command, dir string, env []string) *exec.Cmd {
	cmd := shellCommand(command)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	return cmd
}

// ExitCode extracts the exit status from a Wait error: 0 for nil, the
// process exit code for *exec.ExitError, -1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
