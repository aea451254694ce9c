package taskgridsdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/server"
	taskgridsdk "taskgrid/sdk/go"
)

func newClient(t *testing.T) *taskgridsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default()),
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret"},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.SignToken("sdk-secret", "sdk", nil, 0)
	require.NoError(t, err)
	c := taskgridsdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	task, err := c.CreateTask(ctx, "Nightly", "")
	require.NoError(t, err)
	require.Equal(t, "sdk", task.CreateBy)
	child, err := c.CreateTask(ctx, "Nightly part", task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, *child.ParentID)

	unit, err := c.CreateUnit(ctx, task.ID, "Extract")
	require.NoError(t, err)
	target, err := c.CreateTarget(ctx, unit.ID, "db-1", "host", "10.0.0.5")
	require.NoError(t, err)
	target, err = c.ExecuteTarget(ctx, target.ID, target.ConcurrencyStamp)
	require.NoError(t, err)
	target, err = c.CompleteTarget(ctx, target.ID, target.ConcurrencyStamp, "failed", "timeout")
	require.NoError(t, err)
	require.Equal(t, "timeout", target.TaskStatus)

	agent, err := c.RegisterAgent(ctx, "Runner", "worker", "runner-1")
	require.NoError(t, err)
	created, err := c.AssignTaskAgent(ctx, task.ID, agent.ID)
	require.NoError(t, err)
	require.True(t, created)
	eligible, err := c.EligibleAgents(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, eligible, 1)

	page, err := c.TasksPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)

	counts, err := c.DeleteTask(ctx, task.ID, "", true)
	require.NoError(t, err)
	require.Equal(t, taskgridsdk.DeleteCounts{Tasks: 2, Units: 1, Targets: 1, Assignments: 1}, counts)

	evts, err := c.Events(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.GetTask(ctx, "7b0d6f1e-8f52-4c44-a7ad-0b1f2f4f6c10")
	var apiErr *taskgridsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 404, apiErr.StatusCode)
	require.Equal(t, "not_found", apiErr.Code)

	task, err := c.CreateTask(ctx, "Once", "")
	require.NoError(t, err)
	_, err = c.SetTaskState(ctx, task.ID, "stale", "running")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "concurrency_conflict", apiErr.Code)

	c.BearerToken = ""
	_, err = c.CreateTask(ctx, "anon", "")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 401, apiErr.StatusCode)
}
