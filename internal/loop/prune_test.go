package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonhq/mason/internal/config"
	"github.com/masonhq/mason/internal/db"
)

func TestPruneRunsKeepsNewestAndRunning(t *testing.T) {
	masonDir := t.TempDir()
	conn, err := db.Open(filepath.Join(masonDir, "mason.db"))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	store := db.NewStore(conn)
	runsDir := filepath.Join(masonDir, "runs")

	ctx := context.Background()
	ids := []string{"run-a", "run-b", "run-c", "run-d"}
	for _, id := range ids {
		dir := filepath.Join(runsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, store.CreateRun(ctx, id, "t1", "goal", dir))
	}
	// run-d finished, run-a..c stay "running" except run-a which finished.
	require.NoError(t, store.UpdateRun(ctx, "run-a", db.Update{Status: "success"}, nil))
	require.NoError(t, store.UpdateRun(ctx, "run-b", db.Update{Status: "stuck"}, nil))
	require.NoError(t, store.UpdateRun(ctx, "run-c", db.Update{Status: "running", Iteration: 2}, nil))
	require.NoError(t, store.UpdateRun(ctx, "run-d", db.Update{Status: "exhausted"}, nil))

	res, err := PruneRuns(ctx, conn, runsDir, config.RetentionPolicy{KeepLast: 1}, false)
	require.NoError(t, err)

	// The newest run and the running run survive; the rest go.
	assert.Equal(t, 4, res.Considered)
	assert.Equal(t, 4, res.Kept+res.Deleted)
	assert.LessOrEqual(t, res.Kept, 2)
	_, err = os.Stat(filepath.Join(runsDir, "run-c"))
	assert.NoError(t, err, "running run dir must survive")

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	kept := make(map[string]bool)
	for _, r := range runs {
		kept[r.RunID] = true
	}
	assert.True(t, kept["run-c"], "running run must survive")
}

func TestPruneRunsDryRunDeletesNothing(t *testing.T) {
	masonDir := t.TempDir()
	conn, err := db.Open(filepath.Join(masonDir, "mason.db"))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	store := db.NewStore(conn)
	runsDir := filepath.Join(masonDir, "runs")

	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b"} {
		dir := filepath.Join(runsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, store.CreateRun(ctx, id, "t1", "goal", dir))
		require.NoError(t, store.UpdateRun(ctx, id, db.Update{Status: "success"}, nil))
	}

	res, err := PruneRuns(ctx, conn, runsDir, config.RetentionPolicy{KeepLast: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	runs, err := store.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "dry run must not delete records")
}

func TestPruneRunsNoPolicyIsNoop(t *testing.T) {
	masonDir := t.TempDir()
	conn, err := db.Open(filepath.Join(masonDir, "mason.db"))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	res, err := PruneRuns(context.Background(), conn, filepath.Join(masonDir, "runs"), config.RetentionPolicy{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Considered)
}
