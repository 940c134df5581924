package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mender/internal/history"
)

func TestSQLiteSink_StartStop(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	rec := history.Record{
		RunID:     "run-1",
		Project:   "demo",
		PID:       12345,
		Command:   "go test ./...",
		StartedAt: time.Now().Add(-time.Minute).UTC(),
		Running:   true,
	}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}))

	rec.Running = false
	rec.StoppedAt = time.Now().UTC()
	rec.ExitCode = 1
	rec.Error = "exit status 1"
	rec.OutputBytes = 128
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: rec.StoppedAt, Record: rec}))

	n, err := sink.Count(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.Count(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	err = sink.Send(context.Background(), history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Project: "p", PID: 1, Command: "ls", StartedAt: time.Now().UTC()},
	})
	assert.NoError(t, err)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
