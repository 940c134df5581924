package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/metrics"
)

// ErrUnknownPID is returned by Terminate for a pid the registry does not track.
var ErrUnknownPID = errors.New("unknown pid")

// Terminator is the part of a Handle the registry needs.
type Terminator interface {
	Terminate() error
}

// Info describes a live command.
type Info struct {
	PID       int       `json:"pid"`
	Project   string    `json:"project"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	Info
	handle Terminator
}

// Registry tracks live commands by pid so they can be terminated from
// outside the goroutine that started them. It is constructed once and
// shared explicitly.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry
	sink    events.Sink
	logger  *slog.Logger
}

func NewRegistry(sink events.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{entries: make(map[int]*entry), sink: sink, logger: logger}
}

// Add records a started command. A pid already present is overwritten.
func (r *Registry) Add(pid int, project, command string, h Terminator) {
	r.mu.Lock()
	r.entries[pid] = &entry{
		Info:   Info{PID: pid, Project: project, Command: command, StartedAt: time.Now()},
		handle: h,
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetLiveProcesses(n)
}

// Remove drops pid and reports whether this call removed it. Exactly one of
// Remove and Terminate observes true for a given entry.
func (r *Registry) Remove(pid int) bool {
	r.mu.Lock()
	_, ok := r.entries[pid]
	delete(r.entries, pid)
	n := len(r.entries)
	r.mu.Unlock()
	if ok {
		metrics.SetLiveProcesses(n)
	}
	return ok
}

func (r *Registry) Get(pid int) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return Info{}, false
	}
	return e.Info, true
}

// List returns live commands ordered by pid. An empty project lists all.
func (r *Registry) List(project string) []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		if project == "" || e.Project == project {
			out = append(out, e.Info)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Terminate signals the process group of a tracked pid, removes it and
// emits process-finished. An unknown pid emits process-kill-error and
// leaves the registry untouched. Any caller may terminate any pid.
func (r *Registry) Terminate(pid int) error {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		metrics.IncTermination("unknown")
		r.logger.Warn("terminate: unknown pid", "pid", pid)
		r.sink.Emit(events.New(events.ProcessKillError, "", map[string]any{
			"pid":   pid,
			"error": ErrUnknownPID.Error(),
		}))
		return fmt.Errorf("terminate %d: %w", pid, ErrUnknownPID)
	}
	metrics.SetLiveProcesses(n)

	if err := e.handle.Terminate(); err != nil {
		metrics.IncTermination("error")
		r.logger.Error("terminate failed", "pid", pid, "project", e.Project, "error", err)
		r.sink.Emit(events.New(events.ProcessKillError, e.Project, map[string]any{
			"pid":   pid,
			"error": err.Error(),
		}))
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	metrics.IncTermination("killed")
	r.logger.Info("terminated", "pid", pid, "project", e.Project, "command", e.Command)
	r.sink.Emit(events.New(events.ProcessFinished, e.Project, map[string]any{
		"pid":     pid,
		"command": "killed",
	}))
	return nil
}
