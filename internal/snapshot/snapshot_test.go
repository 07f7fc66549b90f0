package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonhq/mason/internal/executor"
	"github.com/masonhq/mason/internal/workspace"
)

// contentRunner fakes py_compile: a file whose content contains the
// word BROKEN fails the syntax check.
type contentRunner struct{}

func (contentRunner) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	target := cmd.Args[len(cmd.Args)-1]
	data, err := os.ReadFile(filepath.Join(cmd.Dir, target))
	if err != nil {
		return executor.Result{ExitCode: 1, Stderr: "can't open file"}, nil
	}
	if strings.Contains(string(data), "BROKEN") {
		return executor.Result{
			ExitCode: 1,
			Stderr:   "File \"" + target + "\", line 1\nSyntaxError: invalid syntax",
		}, nil
	}
	return executor.Result{ExitCode: 0}, nil
}

func TestTakeCapturesOnlyValidFiles(t *testing.T) {
	ws := workspace.New(t.TempDir(), contentRunner{}, "python3")
	require.NoError(t, ws.WriteFile("a.py", "x = 1\n"))
	require.NoError(t, ws.WriteFile("b.py", "BROKEN(\n"))

	snap, err := Take(context.Background(), ws, NewArena(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, snap.Paths())
}

func TestRestoreRegressedRevertsBrokenRetry(t *testing.T) {
	ws := workspace.New(t.TempDir(), contentRunner{}, "python3")
	good := "def add(a, b):\n    return a + b\n"
	require.NoError(t, ws.WriteFile("a.py", good))

	snap, err := Take(context.Background(), ws, NewArena(), 2)
	require.NoError(t, err)

	// Retry build breaks the file.
	require.NoError(t, ws.WriteFile("a.py", "def add(a, b BROKEN\n"))

	restored, err := snap.RestoreRegressed(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, restored)

	content, err := ws.ReadFile("a.py")
	require.NoError(t, err)
	assert.Equal(t, good, content)
}

func TestRestoreRegressedKeepsValidChanges(t *testing.T) {
	ws := workspace.New(t.TempDir(), contentRunner{}, "python3")
	require.NoError(t, ws.WriteFile("a.py", "x = 1\n"))

	snap, err := Take(context.Background(), ws, NewArena(), 2)
	require.NoError(t, err)

	improved := "x = 2\n"
	require.NoError(t, ws.WriteFile("a.py", improved))

	restored, err := snap.RestoreRegressed(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, restored)

	content, err := ws.ReadFile("a.py")
	require.NoError(t, err)
	assert.Equal(t, improved, content)
}

func TestRestoreRegressedRevertsDeletedFile(t *testing.T) {
	ws := workspace.New(t.TempDir(), contentRunner{}, "python3")
	require.NoError(t, ws.WriteFile("a.py", "x = 1\n"))

	snap, err := Take(context.Background(), ws, NewArena(), 2)
	require.NoError(t, err)
	require.NoError(t, os.Remove(ws.Path("a.py")))

	restored, err := snap.RestoreRegressed(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, restored)
	assert.True(t, ws.Exists("a.py"))
}

func TestArenaDiscardDropsOldIterations(t *testing.T) {
	arena := NewArena()
	arena.Record("a.py", 1, "v1")
	arena.Record("a.py", 2, "v2")

	arena.Discard(2)

	_, ok := arena.Get("a.py", 1)
	assert.False(t, ok)
	v2, ok := arena.Get("a.py", 2)
	assert.True(t, ok)
	assert.Equal(t, "v2", v2)
}
