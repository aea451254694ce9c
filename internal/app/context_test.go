package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"taskgrid/internal/app"
	"taskgrid/internal/config"
	"taskgrid/internal/engine"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	rt, err := app.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer rt.Close()
	require.Equal(t, config.Default().Concurrency.MaxRetries, rt.Config.Concurrency.MaxRetries)

	_, err = rt.Engine.CreateTask(context.Background(), engine.TaskCreateOptions{TaskName: "smoke", ActorID: "tester"})
	require.NoError(t, err)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("soft_delete:\n  cascade: false\n"), 0o644))
	rt, err := app.Open(context.Background(), dir)
	require.NoError(t, err)
	defer rt.Close()
	require.False(t, rt.Config.SoftDelete.Cascade)
	require.True(t, rt.Config.Aggregation.AutoRollup)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("concurrency:\n  max_retries: -1\n"), 0o644))
	_, err := app.Open(context.Background(), dir)
	require.Error(t, err)
}
