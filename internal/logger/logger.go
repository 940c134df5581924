package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the application's structured logger.
type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool
	TimeStamps bool
	Source     bool
	// Path, when set, sends log records to a rotated file instead of stderr.
	Path string
	// Tee keeps stderr output alongside Path.
	Tee bool
}

// FileConfig controls the per-project terminal transcripts written next to
// the application log. Files are Dir/<project>.terminal.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string // base directory for logs
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Config is the unified logging configuration.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// NewSlogger builds the application logger. Output goes to stderr unless
// Slog.Path is set; with Tee it goes to both. Color is only used on stderr
// and only when stderr is a terminal.
func (c Config) NewSlogger() *slog.Logger {
	stderr := c
	stderr.Slog.Color = c.Slog.Color && isTerminal(os.Stderr)
	if c.Slog.Path == "" {
		return slog.New(stderr.handler(os.Stderr))
	}
	file := c
	file.Slog.Color = false
	fh := file.handler(c.File.rotating(c.Slog.Path))
	if !c.Slog.Tee {
		return slog.New(fh)
	}
	return slog.New(slogmulti.Fanout(stderr.handler(os.Stderr), fh))
}

// NewSloggerTo builds the application logger writing to w.
func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	return slog.New(c.handler(w))
}

// NewSloggerMulti fans every record out to each writer.
func (c Config) NewSloggerMulti(ws ...io.Writer) *slog.Logger {
	hs := make([]slog.Handler, 0, len(ws))
	for _, w := range ws {
		hs = append(hs, c.handler(w))
	}
	return slog.New(slogmulti.Fanout(hs...))
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     c.Slog.Level.slog(),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return h
}

// TerminalWriter returns a rotated writer receiving the raw terminal output
// of every command run for project, or nil when no Dir is configured.
func (c FileConfig) TerminalWriter(project string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.terminal.log", SafeName(project))))
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeName maps a project name onto a single path element.
func SafeName(project string) string {
	s := unsafeName.ReplaceAllString(strings.TrimSpace(project), "-")
	s = strings.Trim(s, ".-")
	if s == "" {
		return "default"
	}
	return s
}

// ParseLevel accepts debug, info, warn and error; anything else is info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
