package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/opflow-labs/opflow/internal/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	r := command.NewRunner()

	result, err := r.Run(context.Background(), "sh", []string{"-c", "echo hello"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestRun_NonZeroExit(t *testing.T) {
	r := command.NewRunner()

	result, err := r.Run(context.Background(), "sh", []string{"-c", "echo oops >&2; exit 3"}, "", nil)
	require.NoError(t, err, "a completed process with a non-zero exit is not a run error")
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Error(t, result.Error)
}

func TestRun_CommandNotFound(t *testing.T) {
	r := command.NewRunner()

	result, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil, "", nil)
	require.Error(t, err)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRun_WorkingDir(t *testing.T) {
	r := command.NewRunner()

	dir := t.TempDir()
	result, err := r.Run(context.Background(), "pwd", nil, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", result.Stdout)
}

func TestRun_EnvironmentAppended(t *testing.T) {
	r := command.NewRunner()

	result, err := r.Run(context.Background(), "sh", []string{"-c", "echo $OPFLOW_EXTRA:$HOME"}, "", []string{"OPFLOW_EXTRA=yes"})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "yes:")
	assert.NotEqual(t, "yes:\n", result.Stdout, "parent environment must be preserved")
}

func TestLookPath(t *testing.T) {
	r := command.NewRunner()

	assert.NoError(t, r.LookPath("sh"))
	assert.Error(t, r.LookPath("definitely-not-a-real-binary-xyz"))
}

func TestRun_ContextCancellation(t *testing.T) {
	r := command.NewRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := r.Run(ctx, "sleep", []string{"10"}, "", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, result.ExitCode)
	assert.Less(t, elapsed, 5*time.Second, "cancellation must kill the process promptly")
}
