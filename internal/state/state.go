package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/store"
)

// ErrEmptyProject is returned by mutations called without a project name.
var ErrEmptyProject = errors.New("state: empty project name")

// Manager owns each project's append-only snapshot stack.
//
// Only the last element of a stack is ever modified in place; earlier
// elements are immutable and the stack shrinks only through Delete.
// Every mutation persists the whole stack and broadcasts it as one
// agent-state event.
//
// Mutations of the same project are read-modify-write with no lock held
// across them: concurrent writers to one project race and the last write
// wins. Different projects never contend.
type Manager struct {
	st     store.Store
	sink   events.Sink
	logger *slog.Logger
}

func New(st store.Store, sink events.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{st: st, sink: sink, logger: logger}
}

// Stack returns a copy of the project's stack; nil when the project is unknown.
func (m *Manager) Stack(ctx context.Context, project string) ([]Snapshot, error) {
	if strings.TrimSpace(project) == "" {
		return nil, nil
	}
	return m.load(ctx, project)
}

// Latest returns the last snapshot. ok is false for an empty project name,
// an unknown project, or an empty stack.
func (m *Manager) Latest(ctx context.Context, project string) (Snapshot, bool, error) {
	stack, err := m.Stack(ctx, project)
	if err != nil || len(stack) == 0 {
		return Snapshot{}, false, err
	}
	return stack[len(stack)-1], true, nil
}

// Next returns a fresh snapshot that carries the latest token usage forward,
// so the accumulated count never drops when a new element is appended.
func (m *Manager) Next(ctx context.Context, project string) Snapshot {
	s := NewSnapshot()
	if latest, ok, err := m.Latest(ctx, project); err == nil && ok {
		s.TokenUsage = latest.TokenUsage
	}
	return s
}

// Append pushes s onto the project's stack, creating it if absent.
func (m *Manager) Append(ctx context.Context, project string, s Snapshot) error {
	if strings.TrimSpace(project) == "" {
		return ErrEmptyProject
	}
	stack, err := m.load(ctx, project)
	if err != nil {
		return err
	}
	stack = append(stack, s)
	return m.save(ctx, project, stack)
}

// UpdateLatest replaces the last element, or creates a one-element stack.
func (m *Manager) UpdateLatest(ctx context.Context, project string, s Snapshot) error {
	return m.mutateLast(ctx, project, &s, func(last *Snapshot) { *last = s })
}

func (m *Manager) SetActive(ctx context.Context, project string, active bool) error {
	return m.mutateLast(ctx, project, nil, func(last *Snapshot) { last.AgentIsActive = active })
}

// SetCompleted flags the latest snapshot; marking it completed also
// replaces its monologue with the completion notice.
func (m *Manager) SetCompleted(ctx context.Context, project string, completed bool) error {
	return m.mutateLast(ctx, project, nil, func(last *Snapshot) {
		if completed {
			last.InternalMonologue = Str(CompletedMonologue)
		}
		last.Completed = completed
	})
}

func (m *Manager) AddTokenUsage(ctx context.Context, project string, n int) error {
	return m.mutateLast(ctx, project, nil, func(last *Snapshot) { last.TokenUsage += n })
}

// IsActive reports the latest agent_is_active flag; ok is false when the
// project has no state. The flag is advisory and never locks anything.
func (m *Manager) IsActive(ctx context.Context, project string) (active, ok bool, err error) {
	s, ok, err := m.Latest(ctx, project)
	return s.AgentIsActive, ok, err
}

// TokenUsage returns the latest accumulated token count, 0 when unknown.
func (m *Manager) TokenUsage(ctx context.Context, project string) (int, error) {
	s, _, err := m.Latest(ctx, project)
	return s.TokenUsage, err
}

// Delete removes the project's whole stack. Used for project teardown only.
func (m *Manager) Delete(ctx context.Context, project string) error {
	if strings.TrimSpace(project) == "" {
		return ErrEmptyProject
	}
	if err := m.st.DeleteStack(ctx, project); err != nil {
		return fmt.Errorf("delete state %q: %w", project, err)
	}
	m.sink.Emit(events.New(events.AgentState, project, []Snapshot{}))
	return nil
}

// Projects lists projects that currently have a stack.
func (m *Manager) Projects(ctx context.Context) ([]string, error) {
	return m.st.Projects(ctx)
}

// mutateLast applies fn to the last element. When the stack is empty it is
// seeded with seed, or NewSnapshot when seed is nil, before fn runs.
func (m *Manager) mutateLast(ctx context.Context, project string, seed *Snapshot, fn func(*Snapshot)) error {
	if strings.TrimSpace(project) == "" {
		return ErrEmptyProject
	}
	stack, err := m.load(ctx, project)
	if err != nil {
		return err
	}
	if len(stack) == 0 {
		first := NewSnapshot()
		if seed != nil {
			first = *seed
		}
		stack = []Snapshot{first}
	}
	fn(&stack[len(stack)-1])
	return m.save(ctx, project, stack)
}

func (m *Manager) load(ctx context.Context, project string) ([]Snapshot, error) {
	row, err := m.st.LoadStack(ctx, project)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", project, err)
	}
	var stack []Snapshot
	if err := json.Unmarshal(row.StackJSON, &stack); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", project, err)
	}
	return stack, nil
}

func (m *Manager) save(ctx context.Context, project string, stack []Snapshot) error {
	b, err := json.Marshal(stack)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", project, err)
	}
	if err := m.st.SaveStack(ctx, project, b); err != nil {
		return fmt.Errorf("save state %q: %w", project, err)
	}
	// The broadcast carries the full stack on every mutation, so streaming
	// output of n bytes costs O(n^2) over a command's lifetime.
	m.sink.Emit(events.New(events.AgentState, project, stack))
	return nil
}
