//go:build windows

package process

// NewPTYLauncher falls back to pipes; Windows has no pty here.
func NewPTYLauncher() Launcher { return NewPipeLauncher() }

// DefaultLauncher returns the pipe launcher.
func DefaultLauncher() Launcher { return NewPipeLauncher() }
