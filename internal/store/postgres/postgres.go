package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/mender/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_state(
			id BIGSERIAL PRIMARY KEY,
			project TEXT NOT NULL UNIQUE,
			state_stack_json TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS project_messages(
			id BIGSERIAL PRIMARY KEY,
			project TEXT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_messages_project ON project_messages(project);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) LoadStack(ctx context.Context, project string) (store.Row, error) {
	var (
		r     store.Row
		stack string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT project, state_stack_json, updated_at
		FROM agent_state
		WHERE project=$1;`, project).Scan(&r.Project, &stack, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, store.ErrNotFound
	}
	if err != nil {
		return store.Row{}, err
	}
	r.StackJSON = []byte(stack)
	return r, nil
}

func (p *DB) SaveStack(ctx context.Context, project string, stack []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_state(project, state_stack_json, updated_at)
		VALUES($1,$2,$3)
		ON CONFLICT(project) DO UPDATE SET
			state_stack_json=EXCLUDED.state_stack_json,
			updated_at=EXCLUDED.updated_at;`,
		project, string(stack), time.Now().UTC())
	return err
}

func (p *DB) DeleteStack(ctx context.Context, project string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM agent_state WHERE project=$1;`, project)
	return err
}

func (p *DB) Projects(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT project FROM agent_state ORDER BY project;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *DB) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO project_messages(project, author, text, created_at)
		VALUES($1,$2,$3,$4)
		RETURNING id;`,
		msg.Project, msg.Author, msg.Text, msg.CreatedAt.UTC()).Scan(&msg.ID)
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

func (p *DB) Messages(ctx context.Context, project string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project, author, text, created_at FROM (
			SELECT id, project, author, text, created_at
			FROM project_messages
			WHERE project=$1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC;`, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
