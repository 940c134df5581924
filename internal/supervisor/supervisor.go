package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/history"
	"github.com/loykin/mender/internal/logger"
	"github.com/loykin/mender/internal/metrics"
	"github.com/loykin/mender/internal/process"
	"github.com/loykin/mender/internal/state"
)

const (
	DefaultChunkSize    = 4096
	DefaultDrainTimeout = 2 * time.Second
)

// States is the part of the state manager the supervisor writes to.
type States interface {
	Latest(ctx context.Context, project string) (state.Snapshot, bool, error)
	UpdateLatest(ctx context.Context, project string, s state.Snapshot) error
}

// Outcome is the result of one spawned command. Output holds everything
// the command wrote, or the start error text when it never ran.
type Outcome struct {
	Output   string
	Failed   bool
	ExitCode int
	PID      int
	Err      error
}

type Config struct {
	Launcher process.Launcher
	Registry *process.Registry
	States   States
	Sink     events.Sink
	History  []history.Sink
	Logger   *slog.Logger
	// Terminal tees raw output into per-project rotated files when Dir is set.
	Terminal logger.FileConfig
	// Env replaces the inherited environment when non-empty.
	Env          []string
	ChunkSize    int
	DrainTimeout time.Duration
}

// Supervisor runs one shell command at a time per caller, streaming its
// output into the caller's latest snapshot.
type Supervisor struct {
	launcher process.Launcher
	registry *process.Registry
	states   States
	sink     events.Sink
	history  []history.Sink
	logger   *slog.Logger
	terminal logger.FileConfig
	env      []string
	chunk    int
	drain    time.Duration

	mu   sync.Mutex
	tees map[string]io.WriteCloser
}

func New(cfg Config) *Supervisor {
	s := &Supervisor{
		launcher: cfg.Launcher,
		registry: cfg.Registry,
		states:   cfg.States,
		sink:     cfg.Sink,
		history:  append([]history.Sink(nil), cfg.History...),
		logger:   cfg.Logger,
		terminal: cfg.Terminal,
		env:      cfg.Env,
		chunk:    cfg.ChunkSize,
		drain:    cfg.DrainTimeout,
		tees:     make(map[string]io.WriteCloser),
	}
	if s.launcher == nil {
		s.launcher = process.DefaultLauncher()
	}
	if s.sink == nil {
		s.sink = events.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = process.NewRegistry(s.sink, s.logger)
	}
	if s.chunk <= 0 {
		s.chunk = DefaultChunkSize
	}
	if s.drain <= 0 {
		s.drain = DefaultDrainTimeout
	}
	return s
}

func (s *Supervisor) Registry() *process.Registry { return s.registry }

// Spawn runs command in dir and blocks until it exits. Every chunk of
// output replaces the project's latest snapshot with one showing the whole
// output so far. A start failure is returned as a failed Outcome.
//
// Cancelling ctx terminates the command through the registry.
func (s *Supervisor) Spawn(ctx context.Context, project, dir, command string) Outcome {
	log := s.logger.With("project", project, "command", command)
	started := time.Now()

	h, err := s.launcher.Start(command, dir, s.env)
	if err != nil {
		metrics.ObserveCommand("spawn_error", 0)
		log.Error("command failed to start", "dir", dir, "error", err)
		return Outcome{Output: err.Error(), Failed: true, ExitCode: -1, Err: fmt.Errorf("start %q: %w", command, err)}
	}
	pid := h.PID()
	log = log.With("pid", pid)

	s.registry.Add(pid, project, command, h)
	metrics.IncCommandStart(s.launcher.Name())
	s.sink.Emit(events.New(events.ProcessStarted, project, map[string]any{"command": command, "pid": pid}))
	rec := history.Record{
		RunID:     RunID(ctx),
		Project:   project,
		PID:       pid,
		Command:   command,
		StartedAt: started,
		Running:   true,
	}
	s.recordHistory(ctx, history.EventStart, rec)
	log.Info("command started", "launcher", s.launcher.Name())

	base := state.NewSnapshot()
	if latest, ok, err := s.states.Latest(ctx, project); err != nil {
		log.Warn("read latest snapshot", "error", err)
	} else if ok {
		base = latest
	}

	outCh := make(chan string, 1)
	go func() { outCh <- s.stream(ctx, project, command, base, h.Output(), log) }()

	stop := context.AfterFunc(ctx, func() {
		log.Warn("context done, terminating command")
		_ = s.registry.Terminate(pid)
	})
	werr := h.Wait()
	stop()

	var output string
	select {
	case output = <-outCh:
	case <-time.After(s.drain):
		// a background child may still hold the stream open
		log.Warn("output stream still open after exit, closing")
		_ = h.Close()
		output = <-outCh
	}
	_ = h.Close()

	code := process.ExitCode(werr)
	failed := werr != nil
	if s.registry.Remove(pid) {
		s.sink.Emit(events.New(events.ProcessFinished, project, map[string]any{"pid": pid, "exit_code": code}))
	}

	result := "success"
	if failed {
		result = "failure"
	}
	elapsed := time.Since(started)
	metrics.ObserveCommand(result, elapsed.Seconds())
	metrics.AddOutputBytes(len(output))

	rec.Running = false
	rec.StoppedAt = time.Now()
	rec.ExitCode = code
	rec.OutputBytes = len(output)
	if werr != nil {
		rec.Error = werr.Error()
	}
	s.recordHistory(context.WithoutCancel(ctx), history.EventStop, rec)

	log.Info("command finished", "exit_code", code, "duration", elapsed, "output_bytes", len(output))
	return Outcome{Output: output, Failed: failed, ExitCode: code, PID: pid, Err: werr}
}

// stream reads r until it fails and returns everything read. Any read
// error, including EIO from a pty whose child has exited, ends the stream.
func (s *Supervisor) stream(ctx context.Context, project, command string, base state.Snapshot, r io.Reader, log *slog.Logger) string {
	var out strings.Builder
	tee := s.tee(project)
	buf := make([]byte, s.chunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			out.Write(chunk)
			if tee != nil {
				if _, werr := tee.Write(chunk); werr != nil {
					log.Warn("terminal log write failed", "error", werr)
				}
			}
			output := out.String()
			snap := base.WithTerminal(command, output, RunningMonologue(command, output))
			if uerr := s.states.UpdateLatest(context.WithoutCancel(ctx), project, snap); uerr != nil {
				log.Error("update latest snapshot", "error", uerr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("output stream closed", "error", err)
			}
			return out.String()
		}
	}
}

// RunningMonologue describes a command in progress with the last line it printed.
func RunningMonologue(command, output string) string {
	last := strings.TrimSpace(output)
	if i := strings.LastIndexAny(last, "\r\n"); i >= 0 {
		last = strings.TrimSpace(last[i+1:])
	}
	if last == "" {
		return fmt.Sprintf("Running the command '%s'...", command)
	}
	return fmt.Sprintf("Running the command '%s': %s", command, last)
}

func (s *Supervisor) tee(project string) io.WriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.tees[project]; ok {
		return w
	}
	w := s.terminal.TerminalWriter(project)
	if w == nil {
		return nil
	}
	s.tees[project] = w
	return w
}

func (s *Supervisor) recordHistory(ctx context.Context, typ history.EventType, rec history.Record) {
	if len(s.history) == 0 {
		return
	}
	history.Fanout(ctx, s.logger, s.history, history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec})
}

// Close flushes and closes the terminal log files.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for p, w := range s.tees {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close terminal log %s: %w", p, err))
		}
		delete(s.tees, p)
	}
	return errors.Join(errs...)
}

type runIDKey struct{}

// WithRunID tags ctx so history records can be grouped by orchestrator run.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the id set by WithRunID, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
