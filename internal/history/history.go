package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Record describes one spawned command. StoppedAt is zero and Running is
// true for start events.
type Record struct {
	RunID       string    `json:"run_id"`
	Project     string    `json:"project"`
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	Running     bool      `json:"running"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
	OutputBytes int       `json:"output_bytes"`
}

// Key identifies the record across its start and stop events.
func (r Record) Key() string {
	return fmt.Sprintf("%s:%s:%d", r.Project, r.RunID, r.PID)
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends e to every sink, logging failures. History is auxiliary:
// a failing sink never affects the command it records.
func Fanout(ctx context.Context, logger *slog.Logger, sinks []Sink, e Event) {
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil && logger != nil {
			logger.Warn("history sink failed", "type", e.Type, "pid", e.Record.PID, "error", err)
		}
	}
}
