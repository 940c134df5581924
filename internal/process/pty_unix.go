//go:build !windows

package process

import (
	"github.com/creack/pty"
)

type ptyLauncher struct {
	size *pty.Winsize
}

// NewPTYLauncher returns a launcher that runs the command on a fresh
// pseudo-terminal, so tools that check isatty keep their interactive output
// (colors, progress bars). pty.Start makes the child a session leader.
func NewPTYLauncher() Launcher {
	return ptyLauncher{size: &pty.Winsize{Rows: 40, Cols: 200}}
}

func (ptyLauncher) Name() string { return "pty" }

func (l ptyLauncher) Start(command, dir string, env []string) (Handle, error) {
	cmd := prepare(command, dir, env)
	f, err := pty.StartWithSize(cmd, l.size)
	if err != nil {
		return nil, err
	}
	return &cmdHandle{cmd: cmd, out: f}, nil
}

// DefaultLauncher returns the pty launcher on platforms that have one.
func DefaultLauncher() Launcher { return NewPTYLauncher() }
