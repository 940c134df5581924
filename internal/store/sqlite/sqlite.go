package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/mender/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_state(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL UNIQUE,
			state_stack_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS project_messages(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_messages_project ON project_messages(project);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) LoadStack(ctx context.Context, project string) (store.Row, error) {
	var (
		r     store.Row
		stack string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project, state_stack_json, updated_at
		FROM agent_state
		WHERE project=?;`, project).Scan(&r.Project, &stack, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, err
	}
	r.StackJSON = []byte(stack)
	return r, nil
}

func (s *DB) SaveStack(ctx context.Context, project string, stack []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state(project, state_stack_json, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			state_stack_json=excluded.state_stack_json,
			updated_at=excluded.updated_at;`,
		project, string(stack), time.Now().UTC())
	return err
}

func (s *DB) DeleteStack(ctx context.Context, project string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE project=?;`, project)
	return err
}

func (s *DB) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project FROM agent_state ORDER BY project;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO project_messages(project, author, text, created_at)
		VALUES(?, ?, ?, ?);`,
		msg.Project, msg.Author, msg.Text, msg.CreatedAt.UTC())
	if err != nil {
		return store.Message{}, err
	}
	msg.ID, _ = res.LastInsertId()
	return msg, nil
}

func (s *DB) Messages(ctx context.Context, project string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, author, text, created_at FROM (
			SELECT id, project, author, text, created_at
			FROM project_messages
			WHERE project=?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;`, project, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	out := make([]store.Message, 0)
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Project, &m.Author, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
