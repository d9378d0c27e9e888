package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/husainf4l/balsanagent/internal/domain"
)

func registries(t *testing.T) map[string]Registry {
	t.Helper()

	sqlite, err := NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"sqlite": sqlite,
	}
}

func TestGetUnknownSession(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)

			history, err := reg.History(context.Background(), "nope")
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestCreateAndAppend(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := reg.Create(ctx, "")
			require.NoError(t, err)
			require.NotEmpty(t, created.SessionID)

			// Creating the same id again must not reset history.
			require.NoError(t, reg.AppendTurn(ctx, created.SessionID,
				domain.Turn{Role: "user", Content: "hello"},
				domain.Turn{Role: "assistant", Content: "hi there"}))
			again, err := reg.Create(ctx, created.SessionID)
			require.NoError(t, err)
			assert.Equal(t, created.SessionID, again.SessionID)

			history, err := reg.History(ctx, created.SessionID)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, "user", history[0].Role)
			assert.Equal(t, "hello", history[0].Content)
			assert.Equal(t, "assistant", history[1].Role)
		})
	}
}

func TestAppendCreatesSession(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.AppendTurn(ctx, "fresh", domain.Turn{Role: "user", Content: "hi"}))

			session, err := reg.Get(ctx, "fresh")
			require.NoError(t, err)
			assert.Len(t, session.Turns, 1)
		})
	}
}

func TestClearReplacesIdentifier(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.AppendTurn(ctx, "old", domain.Turn{Role: "user", Content: "hi"}))

			newID, err := reg.Clear(ctx, "old")
			require.NoError(t, err)
			assert.NotEqual(t, "old", newID)

			_, err = reg.Get(ctx, "old")
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)

			history, err := reg.History(ctx, newID)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestConcurrentAppendsKeepOrderPerSession(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const sessions = 4
			const turnsEach = 25

			var wg sync.WaitGroup
			for s := 0; s < sessions; s++ {
				wg.Add(1)
				go func(s int) {
					defer wg.Done()
					id := fmt.Sprintf("s%d", s)
					for i := 0; i < turnsEach; i++ {
						err := reg.AppendTurn(ctx, id,
							domain.Turn{Role: "user", Content: fmt.Sprintf("u%d", i)},
							domain.Turn{Role: "assistant", Content: fmt.Sprintf("a%d", i)})
						assert.NoError(t, err)
					}
				}(s)
			}
			wg.Wait()

			for s := 0; s < sessions; s++ {
				history, err := reg.History(ctx, fmt.Sprintf("s%d", s))
				require.NoError(t, err)
				require.Len(t, history, 2*turnsEach)
				for i := 0; i < turnsEach; i++ {
					assert.Equal(t, fmt.Sprintf("u%d", i), history[2*i].Content)
					assert.Equal(t, fmt.Sprintf("a%d", i), history[2*i+1].Content)
				}
			}
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.AppendTurn(ctx, "s1", domain.Turn{Role: "user", Content: "hi"}))
	session, err := reg.Get(ctx, "s1")
	require.NoError(t, err)

	// Mutating the returned snapshot must not leak into the registry.
	session.Turns[0].Content = "tampered"
	fresh, err := reg.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", fresh.Turns[0].Content)
}
