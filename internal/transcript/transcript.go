package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/mender/internal/store"
)

// Authors of transcript lines.
const (
	AuthorAgent = "agent"
	AuthorUser  = "user"
)

// Logger appends human-readable lines to a project's visible transcript.
type Logger struct {
	st     store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{st: st, logger: logger}
}

// LogMessage records text as said by the agent.
func (l *Logger) LogMessage(ctx context.Context, project, text string) error {
	return l.append(ctx, project, AuthorAgent, text)
}

// LogUserMessage records text as said by the user.
func (l *Logger) LogUserMessage(ctx context.Context, project, text string) error {
	return l.append(ctx, project, AuthorUser, text)
}

func (l *Logger) append(ctx context.Context, project, author, text string) error {
	if strings.TrimSpace(project) == "" {
		return fmt.Errorf("transcript: empty project name")
	}
	_, err := l.st.AppendMessage(ctx, store.Message{
		Project:   project,
		Author:    author,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	l.logger.Debug("transcript line", "project", project, "author", author)
	return nil
}

// Messages returns the last limit lines in chronological order; limit <= 0
// uses the store's default window.
func (l *Logger) Messages(ctx context.Context, project string, limit int) ([]store.Message, error) {
	return l.st.Messages(ctx, project, limit)
}

// Conversation flattens the transcript into "author: text" lines for prompts.
func (l *Logger) Conversation(ctx context.Context, project string, limit int) ([]string, error) {
	msgs, err := l.Messages(ctx, project, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Author+": "+m.Text)
	}
	return out, nil
}
