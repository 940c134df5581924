package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/mender/internal/store"
)

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteStackRoundTrip(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	if _, err := db.LoadStack(ctx, "demo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.SaveStack(ctx, "demo", []byte(`[{"step":1}]`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.SaveStack(ctx, "demo", []byte(`[{"step":1},{"step":2}]`)); err != nil {
		t.Fatalf("save overwrite: %v", err)
	}
	row, err := db.LoadStack(ctx, "demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(row.StackJSON) != `[{"step":1},{"step":2}]` {
		t.Fatalf("unexpected stack: %s", row.StackJSON)
	}
	if row.Project != "demo" || row.UpdatedAt.IsZero() {
		t.Fatalf("unexpected row: %+v", row)
	}

	projects, err := db.Projects(ctx)
	if err != nil || len(projects) != 1 || projects[0] != "demo" {
		t.Fatalf("projects: %v %v", projects, err)
	}

	if err := db.DeleteStack(ctx, "demo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.LoadStack(ctx, "demo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteMessagesOrderAndLimit(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()
	for _, txt := range []string{"one", "two", "three"} {
		if _, err := db.AppendMessage(ctx, store.Message{Project: "p", Author: "agent", Text: txt}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_, _ = db.AppendMessage(ctx, store.Message{Project: "other", Author: "agent", Text: "x"})

	all, err := db.Messages(ctx, "p", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(all) != 3 || all[0].Text != "one" || all[2].Text != "three" {
		t.Fatalf("unexpected messages: %+v", all)
	}
	last2, err := db.Messages(ctx, "p", 2)
	if err != nil {
		t.Fatalf("messages limit: %v", err)
	}
	if len(last2) != 2 || last2[0].Text != "two" || last2[1].Text != "three" {
		t.Fatalf("unexpected limited messages: %+v", last2)
	}
}

func TestSQLiteFileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.SaveStack(ctx, "persisted", []byte(`[]`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db2.Close() }()
	if _, err := db2.LoadStack(ctx, "persisted"); err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
