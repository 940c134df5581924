package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a project has no persisted row.
var ErrNotFound = errors.New("store: project not found")

// Row is the persisted form of one project's agent state: the project name
// and the JSON-encoded snapshot stack. The stack is opaque at this layer.
type Row struct {
	Project   string
	StackJSON []byte
	UpdatedAt time.Time
}

// Message is one line of a project's visible transcript.
type Message struct {
	ID        int64     `json:"id"`
	Project   string    `json:"project"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists agent state rows and transcript messages.
// One row per project; SaveStack overwrites the row wholesale.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	LoadStack(ctx context.Context, project string) (Row, error)
	SaveStack(ctx context.Context, project string, stack []byte) error
	DeleteStack(ctx context.Context, project string) error
	Projects(ctx context.Context) ([]string, error)
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	Messages(ctx context.Context, project string, limit int) ([]Message, error)
	Close() error
}
