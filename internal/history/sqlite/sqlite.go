package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/mender/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			project TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			command TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			exit_code INTEGER NOT NULL,
			error TEXT NULL,
			output_bytes INTEGER NOT NULL,
			uniq TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_command_history_project ON command_history(project);`,
		`CREATE INDEX IF NOT EXISTS idx_command_history_uniq ON command_history(uniq);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var stopped any
	if !rec.StoppedAt.IsZero() {
		stopped = rec.StoppedAt.UTC()
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history(occurred_at, event, project, run_id, pid, command, started_at, stopped_at, exit_code, error, output_bytes, uniq)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Project, rec.RunID, rec.PID, rec.Command,
		rec.StartedAt.UTC(), stopped, rec.ExitCode, errText, rec.OutputBytes, rec.Key())
	return err
}

// Count returns how many events were recorded for project.
func (s *Sink) Count(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_history WHERE project = ?`, project).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
