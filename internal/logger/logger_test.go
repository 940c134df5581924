package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestTerminalWriter_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	w := cfg.TerminalWriter("demo")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "demo.terminal.log")); err != nil {
		t.Fatalf("terminal log not created: %v", err)
	}
}

func TestTerminalWriter_NoDir(t *testing.T) {
	if w := (FileConfig{}).TerminalWriter("demo"); w != nil {
		t.Fatalf("expected nil writer without Dir")
	}
}

func TestTerminalWriter_Defaults(t *testing.T) {
	w := (FileConfig{Dir: t.TempDir()}).TerminalWriter("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestTerminalWriter_Overrides(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := cfg.TerminalWriter("n").(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"demo":          "demo",
		"My Project":    "My-Project",
		"../../etc":     "etc",
		"":              "default",
		"a/b":           "a-b",
		"weird*name?.x": "weird-name-.x",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != LevelDebug || ParseLevel("warning") != LevelWarn || ParseLevel("bogus") != LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}

func TestNewSloggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatJSON}}.NewSloggerTo(&buf)
	l.Debug("hidden")
	l.Info("shown", "pid", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["msg"] != "shown" || m["pid"] != float64(7) {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["time"]; ok {
		t.Fatalf("time should be dropped when TimeStamps is false")
	}
}

func TestNewSloggerTo_Color(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}.NewSloggerTo(&buf)
	l.With("project", "demo").Warn("careful")
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "careful") || !strings.Contains(out, "project=demo") {
		t.Fatalf("unexpected colored output: %q", out)
	}
}

func TestNewSloggerMulti(t *testing.T) {
	var a, b bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatJSON}}.NewSloggerMulti(&a, &b)
	l.Debug("hidden")
	l.Info("both", "n", 1)
	for _, buf := range []*bytes.Buffer{&a, &b} {
		if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"both"`) {
			t.Fatalf("unexpected fanout output: %q", buf.String())
		}
	}
}

func TestNewSlogger_FileWithoutColorCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mender.log")
	l := Config{Slog: SlogConfig{Level: LevelInfo, Color: true, Path: path}}.NewSlogger()
	l.Info("to-file", "project", "demo")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to-file") || strings.Contains(string(data), "\x1b[") {
		t.Fatalf("unexpected file output: %q", data)
	}
}
