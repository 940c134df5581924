package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/loykin/mender/internal/events"
	"github.com/loykin/mender/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *events.Recorder) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	rec := &events.Recorder{}
	return New(db, rec, nil), rec
}

func TestNewSnapshotDefaults(t *testing.T) {
	s := NewSnapshot()
	assert.Nil(t, s.InternalMonologue)
	assert.Nil(t, s.TerminalSession.Command)
	assert.Nil(t, s.BrowserSession.URL)
	assert.True(t, s.AgentIsActive)
	assert.False(t, s.Completed)
	assert.Equal(t, 0, s.TokenUsage)
	assert.NotEmpty(t, s.Timestamp)
}

func TestAppendThenLatestRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	want := NewSnapshot().WithTerminal("go test ./...", "ok\n", "running tests")
	want.Step = Str("3")
	want.Message = Str("hello")
	want.BrowserSession.URL = Str("http://localhost:3000")
	want.TokenUsage = 42
	want.Completed = true
	require.NoError(t, m.Append(ctx, "proj", want))

	got, ok, err := m.Latest(ctx, "proj")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLatestNoneForUnknownOrEmptyProject(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, ok, err := m.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.Latest(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Append(ctx, " ", NewSnapshot()), ErrEmptyProject)
}

func TestOnlyLastElementIsMutated(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first := NewSnapshot().WithTerminal("a", "out-a", "first")
	require.NoError(t, m.Append(ctx, "p", first))
	require.NoError(t, m.Append(ctx, "p", NewSnapshot().WithTerminal("b", "", "second")))

	require.NoError(t, m.UpdateLatest(ctx, "p", NewSnapshot().WithTerminal("b", "out-b", "second updated")))
	require.NoError(t, m.SetActive(ctx, "p", false))
	require.NoError(t, m.SetCompleted(ctx, "p", true))
	require.NoError(t, m.AddTokenUsage(ctx, "p", 7))

	stack, err := m.Stack(ctx, "p")
	require.NoError(t, err)
	require.Len(t, stack, 2)
	assert.Equal(t, first, stack[0], "elements before the last must never change")
	last := stack[1]
	assert.Equal(t, "second updated", Deref(last.InternalMonologue))
	assert.Equal(t, "out-b", Deref(last.TerminalSession.Output))
	assert.False(t, last.AgentIsActive)
	assert.True(t, last.Completed)
	assert.Equal(t, 7, last.TokenUsage)
}

func TestStackLengthNeverDecreases(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	prev := 0
	check := func() {
		stack, err := m.Stack(ctx, "p")
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(stack), prev)
		prev = len(stack)
	}
	ops := []func() error{
		func() error { return m.SetActive(ctx, "p", true) },
		func() error { return m.Append(ctx, "p", NewSnapshot()) },
		func() error { return m.UpdateLatest(ctx, "p", NewSnapshot()) },
		func() error { return m.AddTokenUsage(ctx, "p", 3) },
		func() error { return m.Append(ctx, "p", NewSnapshot()) },
		func() error { return m.SetCompleted(ctx, "p", true) },
	}
	for _, op := range ops {
		require.NoError(t, op())
		check()
	}
	assert.Equal(t, 3, prev)

	require.NoError(t, m.Delete(ctx, "p"))
	stack, err := m.Stack(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, stack)
}

func TestSetActiveTrueThenFalseLeavesOneInactiveElement(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetActive(ctx, "fresh", true))
	require.NoError(t, m.SetActive(ctx, "fresh", false))

	stack, err := m.Stack(ctx, "fresh")
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.False(t, stack[0].AgentIsActive)

	active, ok, err := m.IsActive(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, active)
}

func TestEveryMutationBroadcastsFullStackOnce(t *testing.T) {
	m, rec := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "p", NewSnapshot()))
	require.NoError(t, m.Append(ctx, "p", NewSnapshot()))
	require.NoError(t, m.UpdateLatest(ctx, "p", NewSnapshot()))
	require.NoError(t, m.AddTokenUsage(ctx, "p", 1))

	evs := rec.Named(events.AgentState)
	require.Len(t, evs, 4)
	for i, e := range evs {
		assert.Equal(t, "p", e.Project)
		stack, ok := e.Data.([]Snapshot)
		require.True(t, ok, "event %d payload type %T", i, e.Data)
		want := 2
		if i == 0 {
			want = 1
		}
		assert.Len(t, stack, want)
	}
}

func TestTokenUsageAccumulatesAndNextCarriesIt(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddTokenUsage(ctx, "p", 10))
	require.NoError(t, m.AddTokenUsage(ctx, "p", 5))
	n, err := m.TokenUsage(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	require.NoError(t, m.Append(ctx, "p", m.Next(ctx, "p")))
	n, err = m.TokenUsage(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	n, err = m.TokenUsage(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentProjectsAreIndependent(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	const projects, perProject = 4, 10
	var wg sync.WaitGroup
	for i := 0; i < projects; i++ {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for j := 0; j < perProject; j++ {
				assert.NoError(t, m.Append(ctx, p, NewSnapshot()))
			}
		}(fmt.Sprintf("proj-%d", i))
	}
	wg.Wait()

	for i := 0; i < projects; i++ {
		stack, err := m.Stack(ctx, fmt.Sprintf("proj-%d", i))
		require.NoError(t, err)
		assert.Len(t, stack, perProject)
	}
}

// Same-project writers are not serialized: appends may be lost to a
// last-write-wins race, but the stack is never corrupted.
func TestSameProjectWritersRaceLastWriteWins(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Append(ctx, "shared", NewSnapshot()))
		}()
	}
	wg.Wait()

	stack, err := m.Stack(ctx, "shared")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(stack), 1)
	assert.LessOrEqual(t, len(stack), writers)
}
