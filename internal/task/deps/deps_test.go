package deps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskforge/internal/task"
)

func withDeps(t *testing.T, id string, deps ...string) *task.Task {
	t.Helper()
	tk, err := task.New(task.Config{ID: id, Body: func(context.Context) error { return nil }, Dependencies: deps})
	require.NoError(t, err)
	return tk
}

func TestSatisfied(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	free := withDeps(t, "free")
	require.True(t, tr.Satisfied(free))
	require.Equal(t, task.StateScheduled, free.State())

	gated := withDeps(t, "gated", "a", "b")
	require.False(t, tr.Satisfied(gated))
	require.Equal(t, task.StateWaitingForDependencies, gated.State())
	require.Equal(t, []string{"a", "b"}, tr.Missing(gated))

	tr.MarkCompleted("a")
	require.False(t, tr.Satisfied(gated))
	require.Equal(t, []string{"b"}, tr.Missing(gated))

	tr.MarkCompleted("b")
	require.True(t, tr.Satisfied(gated))

	tr.MarkIncomplete("a")
	require.False(t, tr.Completed("a"))
	require.False(t, tr.Satisfied(gated))

	tr.Remove("b")
	require.Zero(t, tr.Len())
	tr.MarkCompleted("c")
	tr.Clear()
	require.False(t, tr.Completed("c"))
}

func TestDetectCycle(t *testing.T) {
	t.Parallel()

	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": nil,
		"d": {"new"},
	}
	lookup := func(id string) ([]string, bool) {
		d, ok := graph[id]
		return d, ok
	}

	require.NoError(t, DetectCycle("new", []string{"a", "unknown"}, lookup))

	err := DetectCycle("new", []string{"d"}, lookup)
	require.ErrorIs(t, err, ErrCycle)
	require.Contains(t, err.Error(), "new -> d -> new")

	graph["c"] = []string{"a"}
	err = DetectCycle("new", []string{"a"}, lookup)
	require.ErrorIs(t, err, ErrCycle)
	require.Contains(t, err.Error(), "a -> b -> c -> a")
}
