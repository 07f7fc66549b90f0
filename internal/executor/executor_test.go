package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunTimeoutIsAnOutcome(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Command{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunRespectsWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	res, err := Local{}.Run(context.Background(), Command{
		Name: "pwd",
		Dir:  dir,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
	assert.Equal(t, 0, res.ExitCode)
}
