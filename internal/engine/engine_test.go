package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/repo"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// clock hands out strictly increasing times, one second apart.
type clock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	DB     *sql.DB
	Clock  *clock
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	eng := engine.New(conn, cfg)
	clk := &clock{cur: epoch}
	eng.Now = clk.Now
	return testEnv{Engine: eng, Ctx: context.Background(), DB: conn, Clock: clk}
}

func (env testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.DB.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func (env testEnv) task(t *testing.T, name string, partition int) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: name, Partition: partition, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task %q: %v", name, err)
	}
	return task
}

func (env testEnv) unit(t *testing.T, taskID uuid.UUID, name string) domain.TaskUnit {
	t.Helper()
	u, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{TaskID: taskID, UnitName: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create unit %q: %v", name, err)
	}
	return u
}

func (env testEnv) target(t *testing.T, unitID uuid.UUID, name string) domain.TaskTarget {
	t.Helper()
	tg, err := env.Engine.CreateTarget(env.Ctx, engine.TargetCreateOptions{
		UnitID: unitID, TargetName: name, TargetType: "host", TargetID: "host-" + name, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create target %q: %v", name, err)
	}
	return tg
}

func (env testEnv) agent(t *testing.T, code string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{AgentName: "Agent " + code, AgentType: "worker", AgentCode: code, ActorID: "tester"})
	if err != nil {
		t.Fatalf("register agent %q: %v", code, err)
	}
	return a
}

func TestCreateDecomposeThenDelete(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Nightly Sync", 0)
	u1 := env.unit(t, task.ID, "extract")
	u2 := env.unit(t, task.ID, "load")
	env.target(t, u1.ID, "a")
	env.target(t, u1.ID, "b")
	env.target(t, u2.ID, "c")
	ag := env.agent(t, "w-1")
	_, err := env.Engine.AssignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: ag.ID, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.AssignUnitAgent(env.Ctx, engine.AssignOptions{OwnerID: u1.ID, AgentID: ag.ID, ActorID: "tester"})
	require.NoError(t, err)

	counts, err := env.Engine.DeleteTask(env.Ctx, engine.DeleteOptions{ID: task.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, repo.DeleteCounts{Tasks: 1, Units: 2, Targets: 3, Assignment: 2}, counts)

	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM tasks WHERE id=?`, task.ID))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_units WHERE task_id=?`, task.ID))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_targets`))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_agents`))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_unit_agents`))

	// the agent itself survives
	_, err = env.Engine.GetAgent(env.Ctx, ag.ID, false)
	require.NoError(t, err)
}

func TestDeleteTaskRemovesChildTasks(t *testing.T) {
	env := newTestEnv(t)
	root := env.task(t, "root", 0)
	child, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "child", ParentID: &root.ID, ActorID: "tester"})
	require.NoError(t, err)
	grandchild, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "grandchild", ParentID: &child.ID, ActorID: "tester"})
	require.NoError(t, err)
	env.target(t, env.unit(t, grandchild.ID, "deep").ID, "leaf")
	other := env.task(t, "unrelated", 0)

	counts, err := env.Engine.DeleteTask(env.Ctx, engine.DeleteOptions{ID: root.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, 3, counts.Tasks)
	require.Equal(t, 1, counts.Units)
	require.Equal(t, 1, counts.Targets)
	require.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM tasks`))

	_, err = env.Engine.GetTask(env.Ctx, other.ID, false)
	require.NoError(t, err)
}

func TestParentCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a", 0)
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "b", ParentID: &a.ID, ActorID: "tester"})
	require.NoError(t, err)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, Stamp: a.ConcurrencyStamp, ParentID: &b.ID, ActorID: "tester"})
	require.ErrorIs(t, err, domain.ErrCycle)

	missing := uuid.New()
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "orphan", ParentID: &missing, ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrForeignKeyViolation)
}

func TestDuplicateNameRejected(t *testing.T) {
	env := newTestEnv(t)
	first := env.task(t, "Nightly Sync", 0)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "  nightly   SYNC ", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrDuplicateName)

	// renaming onto a taken name fails too
	second := env.task(t, "Weekly Sync", 0)
	name := "NIGHTLY sync"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: second.ID, Stamp: second.ConcurrencyStamp, TaskName: &name, ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrDuplicateName)

	// a soft-deleted holder frees the name
	_, err = env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: first.ID, Stamp: first.ConcurrencyStamp, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "nightly sync", ActorID: "tester"})
	require.NoError(t, err)
}

func TestUnitNamesUniquePerTask(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, "one", 0)
	t2 := env.task(t, "two", 0)
	env.unit(t, t1.ID, "Extract")
	_, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{TaskID: t1.ID, UnitName: "extract", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrDuplicateName)
	env.unit(t, t2.ID, "extract")
}

func TestStaleWriteRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "stamped", 0)
	read := task.ConcurrencyStamp

	desc := "first writer"
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Stamp: read, Description: &desc, ActorID: "alice"})
	require.NoError(t, err)
	require.NotEqual(t, read, updated.ConcurrencyStamp)
	require.Equal(t, "alice", updated.ModifyBy)
	require.True(t, updated.UpdatedAt.After(task.UpdatedAt))

	desc = "second writer"
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Stamp: read, Description: &desc, ActorID: "bob"})
	require.ErrorIs(t, err, repo.ErrConcurrencyConflict)

	again, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Stamp: updated.ConcurrencyStamp, Description: &desc, ActorID: "bob"})
	require.NoError(t, err)
	require.NotEqual(t, updated.ConcurrencyStamp, again.ConcurrencyStamp)

	stored, err := env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, "second writer", stored.Description)
	require.Equal(t, again.ConcurrencyStamp, stored.ConcurrencyStamp)
}

func TestPartitionChangeRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "pinned", 7)
	other := 8
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, Partition: &other, ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrImmutableField)

	same := 7
	desc := "still 7"
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, Partition: &same, Description: &desc, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, 7, updated.Partition)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "negative", Partition: -1, ActorID: "tester"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskLifecycleTimes(t *testing.T) {
	env := newTestEnv(t)
	planned := epoch.Add(48 * time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TaskName: "lifecycle", StartTime: &planned, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, planned, task.StartTime)
	require.Equal(t, domain.TaskPending, task.TaskState)
	require.Nil(t, task.EndTime)

	_, err = env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, State: "completed", ActorID: "tester"})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	running, err := env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, State: "running", ActorID: "tester"})
	require.NoError(t, err)
	require.NotEqual(t, planned, running.StartTime)
	require.Nil(t, running.EndTime)

	failed, err := env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: running.ConcurrencyStamp, State: "failed", ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, failed.EndTime)

	retried, err := env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: failed.ConcurrencyStamp, State: "pending", ActorID: "tester"})
	require.NoError(t, err)
	require.Nil(t, retried.EndTime)

	cancelled, err := env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: retried.ConcurrencyStamp, State: "cancelled", ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, cancelled.EndTime)

	_, err = env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: cancelled.ConcurrencyStamp, State: "running", ActorID: "tester"})
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "cancelled", te.From)

	_, err = env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: task.ID, Stamp: cancelled.ConcurrencyStamp, State: "finished", ActorID: "tester"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSoftDeleteVisibility(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "visible", 0)
	u := env.unit(t, task.ID, "u")
	tg := env.target(t, u.ID, "t")

	_, err := env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: task.ID, ActorID: "carol"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	counts, err := env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, ActorID: "carol"})
	require.NoError(t, err)
	require.Equal(t, 1, counts.Tasks)
	require.Equal(t, 1, counts.Units)
	require.Equal(t, 1, counts.Targets)

	_, err = env.Engine.GetTask(env.Ctx, task.ID, false)
	require.ErrorIs(t, err, repo.ErrNotFound)
	removed, err := env.Engine.GetTask(env.Ctx, task.ID, true)
	require.NoError(t, err)
	require.NotNil(t, removed.DeletedAt)
	require.Equal(t, "carol", *removed.RemoveBy)
	require.NotEqual(t, task.ConcurrencyStamp, removed.ConcurrencyStamp)

	list, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	require.NoError(t, err)
	require.Empty(t, list)
	list, err = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ListFilter: repo.ListFilter{IncludeRemoved: true}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	gotUnit, err := env.Engine.GetUnit(env.Ctx, u.ID, true)
	require.NoError(t, err)
	require.NotNil(t, gotUnit.DeletedAt)
	gotTarget, err := env.Engine.GetTarget(env.Ctx, tg.ID, true)
	require.NoError(t, err)
	require.NotNil(t, gotTarget.DeletedAt)

	// rows are retained
	require.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM task_targets`))

	// a removed parent refuses new children
	_, err = env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{TaskID: task.ID, UnitName: "late", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrForeignKeyViolation)
}

func TestSoftDeleteWithoutCascade(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.SoftDelete.Cascade = false })
	task := env.task(t, "shallow", 0)
	u := env.unit(t, task.ID, "stays")

	counts, err := env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, repo.DeleteCounts{Tasks: 1}, counts)

	live, err := env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Nil(t, live.DeletedAt)
}

func TestUnitRemoveAndDelete(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "units", 0)
	doomed := env.unit(t, task.ID, "doomed")
	removed := env.unit(t, task.ID, "removed")
	env.target(t, doomed.ID, "a")
	env.target(t, doomed.ID, "b")
	kept := env.target(t, removed.ID, "c")
	a := env.agent(t, "unit-runner")
	_, err := env.Engine.AssignUnitAgent(env.Ctx, engine.AssignOptions{OwnerID: doomed.ID, AgentID: a.ID, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.AssignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: a.ID, ActorID: "tester"})
	require.NoError(t, err)

	c, err := env.Engine.RemoveUnit(env.Ctx, engine.DeleteOptions{ID: removed.ID, Stamp: removed.ConcurrencyStamp, ActorID: "remover"})
	require.NoError(t, err)
	require.Equal(t, repo.DeleteCounts{Units: 1, Targets: 1}, c)
	_, err = env.Engine.GetTarget(env.Ctx, kept.ID, false)
	require.ErrorIs(t, err, repo.ErrNotFound)
	gone, err := env.Engine.GetTarget(env.Ctx, kept.ID, true)
	require.NoError(t, err)
	require.NotNil(t, gone.DeletedAt)
	require.NotNil(t, gone.RemoveBy)
	require.Equal(t, "remover", *gone.RemoveBy)

	c, err = env.Engine.DeleteUnit(env.Ctx, engine.DeleteOptions{ID: doomed.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, repo.DeleteCounts{Units: 1, Targets: 2, Assignment: 1}, c)
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_targets WHERE task_unit_id=?`, doomed.ID.String()))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_unit_agents`))
	require.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM task_agents`))

	_, err = env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	_, err = env.Engine.GetAgent(env.Ctx, a.ID, false)
	require.NoError(t, err)
	_, err = env.Engine.GetUnit(env.Ctx, doomed.ID, true)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateUnderMissingParent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{TaskID: uuid.New(), UnitName: "x", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrForeignKeyViolation)
	_, err = env.Engine.CreateTarget(env.Ctx, engine.TargetCreateOptions{UnitID: uuid.New(), TargetName: "x", TargetType: "host", TargetID: "h", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrForeignKeyViolation)
	_, err = env.Engine.AssignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: env.task(t, "t", 0).ID, AgentID: uuid.New(), ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrForeignKeyViolation)
}

func TestTargetResultsRollUp(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "rollup", 0)
	u := env.unit(t, task.ID, "unit")
	t1 := env.target(t, u.ID, "one")
	t2 := env.target(t, u.ID, "two")

	exec, err := env.Engine.ExecuteTarget(env.Ctx, engine.TargetAttemptOptions{ID: t1.ID, Stamp: t1.ConcurrencyStamp, ActorID: "runner"})
	require.NoError(t, err)
	require.Equal(t, domain.TargetExecuting, exec.TargetState)
	require.NotNil(t, exec.ExecuteTime)
	firstAttempt := *exec.ExecuteTime

	gotUnit, err := env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.UnitRunning, gotUnit.TaskUnitState)
	require.NotNil(t, gotUnit.StartTime)
	gotTask, err := env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, gotTask.TaskState)

	done, err := env.Engine.CompleteTarget(env.Ctx, engine.TargetResultOptions{ID: t1.ID, Stamp: exec.ConcurrencyStamp, State: "succeeded", ActorID: "runner"})
	require.NoError(t, err)
	require.Equal(t, firstAttempt, *done.ExecuteTime)
	require.Equal(t, domain.StatusOK, done.TaskStatus)

	// no retry once a result is recorded
	_, err = env.Engine.ExecuteTarget(env.Ctx, engine.TargetAttemptOptions{ID: t1.ID, Stamp: done.ConcurrencyStamp, ActorID: "runner"})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	direct, err := env.Engine.CompleteTarget(env.Ctx, engine.TargetResultOptions{ID: t2.ID, Stamp: t2.ConcurrencyStamp, State: "succeeded", Status: "ok", ActorID: "runner"})
	require.NoError(t, err)
	require.NotNil(t, direct.ExecuteTime)

	gotUnit, err = env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.UnitCompleted, gotUnit.TaskUnitState)
	require.NotNil(t, gotUnit.EndTime)
	gotTask, err = env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, gotTask.TaskState)
	require.NotNil(t, gotTask.EndTime)

	progress, err := env.Engine.UnitProgress(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, 2, progress.Total)
	require.Equal(t, 2, progress.ByState["succeeded"])
}

func TestRollupWalksThroughRunning(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "straight", 0)
	u := env.unit(t, task.ID, "unit")
	tg := env.target(t, u.ID, "one")

	_, err := env.Engine.CompleteTarget(env.Ctx, engine.TargetResultOptions{ID: tg.ID, Stamp: tg.ConcurrencyStamp, State: "succeeded", ActorID: "runner"})
	require.NoError(t, err)

	gotUnit, err := env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.UnitCompleted, gotUnit.TaskUnitState)
	require.NotNil(t, gotUnit.StartTime)
	require.NotNil(t, gotUnit.EndTime)
	require.False(t, gotUnit.EndTime.Before(*gotUnit.StartTime))

	gotTask, err := env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, gotTask.TaskState)
	require.NotNil(t, gotTask.EndTime)
	require.True(t, gotTask.StartTime.After(task.StartTime))
	require.NoError(t, domain.CheckTaskTransition(domain.TaskRunning, gotTask.TaskState))

	var steps string
	err = env.DB.QueryRow(`SELECT payload_json FROM events WHERE type='task.rollup' AND entity_id=?`, task.ID.String()).Scan(&steps)
	require.NoError(t, err)
	require.Contains(t, steps, `"steps":["running","completed"]`)
}

func TestRollupKeepsManualCancel(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "manual", 0)
	u := env.unit(t, task.ID, "unit")
	tg := env.target(t, u.ID, "one")

	cancelled, err := env.Engine.SetUnitState(env.Ctx, engine.StateOptions{ID: u.ID, Stamp: u.ConcurrencyStamp, State: "cancelled", ActorID: "tester"})
	require.NoError(t, err)
	require.NotNil(t, cancelled.EndTime)

	// all units cancelled rolls the task to cancelled
	gotTask, err := env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCancelled, gotTask.TaskState)

	_, err = env.Engine.CompleteTarget(env.Ctx, engine.TargetResultOptions{ID: tg.ID, Stamp: tg.ConcurrencyStamp, State: "failed", Status: "timeout", ActorID: "runner"})
	require.NoError(t, err)

	gotUnit, err := env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.UnitCancelled, gotUnit.TaskUnitState)
	require.Equal(t, cancelled.ConcurrencyStamp, gotUnit.ConcurrencyStamp)
}

func TestRollupWithoutAuto(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Aggregation.AutoRollup = false })
	task := env.task(t, "explicit", 0)
	u := env.unit(t, task.ID, "unit")
	tg := env.target(t, u.ID, "one")
	_, err := env.Engine.CompleteTarget(env.Ctx, engine.TargetResultOptions{ID: tg.ID, Stamp: tg.ConcurrencyStamp, State: "failed", ActorID: "runner"})
	require.NoError(t, err)

	gotUnit, err := env.Engine.GetUnit(env.Ctx, u.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.UnitPending, gotUnit.TaskUnitState)

	rolled, moved, err := env.Engine.RollupUnit(env.Ctx, u.ID, "tester")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, domain.UnitFailed, rolled.TaskUnitState)

	rolledTask, moved, err := env.Engine.RollupTask(env.Ctx, task.ID, "tester")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, domain.TaskFailed, rolledTask.TaskState)

	_, moved, err = env.Engine.RollupTask(env.Ctx, task.ID, "tester")
	require.NoError(t, err)
	require.False(t, moved)
}

func TestEligibleAgents(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "staffed", 0)
	u := env.unit(t, task.ID, "unit")
	a, b, c := env.agent(t, "a"), env.agent(t, "b"), env.agent(t, "c")

	assign := func(unit bool, owner, agent uuid.UUID) {
		opts := engine.AssignOptions{OwnerID: owner, AgentID: agent, ActorID: "tester"}
		var err error
		if unit {
			_, err = env.Engine.AssignUnitAgent(env.Ctx, opts)
		} else {
			_, err = env.Engine.AssignTaskAgent(env.Ctx, opts)
		}
		require.NoError(t, err)
	}

	// only the task level has assignments
	assign(false, task.ID, b.ID)
	assign(false, task.ID, c.ID)
	got, err := env.Engine.EligibleAgents(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assign(true, u.ID, a.ID)
	assign(true, u.ID, b.ID)
	got, err = env.Engine.EligibleAgents(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.ID, got[0].ID)

	// idempotent assign
	created, err := env.Engine.AssignUnitAgent(env.Ctx, engine.AssignOptions{OwnerID: u.ID, AgentID: b.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, env.Engine.RemoveAgent(env.Ctx, engine.DeleteOptions{ID: b.ID, Stamp: b.ConcurrencyStamp, ActorID: "tester"}))
	got, err = env.Engine.EligibleAgents(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, env.Engine.UnassignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: c.ID, ActorID: "tester"}))
	err = env.Engine.UnassignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: c.ID, ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAgentRegistry(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "runner-1")
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{AgentName: "dup", AgentType: "worker", AgentCode: "runner-1", ActorID: "tester"})
	require.ErrorIs(t, err, repo.ErrDuplicateName)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.AgentCreateOptions{AgentName: "  ", AgentType: "worker", AgentCode: "x", ActorID: "tester"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	byCode, err := env.Engine.AgentByCode(env.Ctx, "runner-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, byCode.ID)

	code := "runner-2"
	updated, err := env.Engine.UpdateAgent(env.Ctx, engine.AgentUpdateOptions{ID: a.ID, Stamp: a.ConcurrencyStamp, AgentCode: &code, ActorID: "tester"})
	require.NoError(t, err)
	require.Equal(t, "runner-2", updated.AgentCode)

	// cache was invalidated by the write
	_, err = env.Engine.AgentByCode(env.Ctx, "runner-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	task := env.task(t, "assigned", 0)
	_, err = env.Engine.AssignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: a.ID, ActorID: "tester"})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteAgent(env.Ctx, engine.DeleteOptions{ID: a.ID, ActorID: "tester"}))
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_agents`))
	_, err = env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)

	list, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{AgentType: "worker"})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAgentByCodeSeesOtherWriters(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "c-1")
	warm, err := env.Engine.AgentByCode(env.Ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, warm.ID)

	// a second engine on the same database, as a CLI next to a running server
	other := engine.New(env.DB, config.Default())
	name := "Renamed"
	renamed, err := other.UpdateAgent(env.Ctx, engine.AgentUpdateOptions{ID: a.ID, Stamp: a.ConcurrencyStamp, AgentName: &name, ActorID: "cli"})
	require.NoError(t, err)

	got, err := env.Engine.AgentByCode(env.Ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.AgentName)
	require.Equal(t, renamed.ConcurrencyStamp, got.ConcurrencyStamp)

	require.NoError(t, other.RemoveAgent(env.Ctx, engine.DeleteOptions{ID: a.ID, Stamp: renamed.ConcurrencyStamp, ActorID: "cli"}))
	_, err = env.Engine.AgentByCode(env.Ctx, "c-1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestScanPartitions(t *testing.T) {
	env := newTestEnv(t)
	for i, p := range []int{0, 1, 2, 2} {
		env.task(t, "task-"+string(rune('a'+i)), p)
	}
	tasks, err := env.Engine.ListTasksInPartitions(env.Ctx, []int{2, 0}, repo.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, 2, tasks[0].Partition)
	require.Equal(t, 2, tasks[1].Partition)
	require.Equal(t, 0, tasks[2].Partition)

	boom := errors.New("boom")
	err = env.Engine.ScanPartitions(env.Ctx, []int{0, 1}, func(ctx context.Context, p int) error {
		if p == 1 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)

	var ran atomic.Int32
	err = env.Engine.ScanPartitions(env.Ctx, []int{1, -1}, func(context.Context, int) error {
		ran.Add(1)
		return nil
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Zero(t, ran.Load())
}

func TestPurgeRemovesOldSoftDeletes(t *testing.T) {
	env := newTestEnv(t)
	old := env.task(t, "old", 0)
	env.unit(t, old.ID, "u")
	keep := env.task(t, "keep", 0)
	_, err := env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: old.ID, Stamp: old.ConcurrencyStamp, ActorID: "tester"})
	require.NoError(t, err)

	n, err := env.Engine.Purge(env.Ctx, time.Hour, "janitor")
	require.NoError(t, err)
	require.Zero(t, n)

	env.Clock.Advance(2 * time.Hour)
	n, err = env.Engine.Purge(env.Ctx, time.Hour, "janitor")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = env.Engine.GetTask(env.Ctx, old.ID, true)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM task_units`))
	_, err = env.Engine.GetTask(env.Ctx, keep.ID, false)
	require.NoError(t, err)
}

func TestPurgeDrainsEveryBatch(t *testing.T) {
	env := newTestEnv(t)
	engine.SetPurgeBatch(t, 2)
	const n = 7
	for i := 0; i < n; i++ {
		task := env.task(t, fmt.Sprintf("old-%d", i), 0)
		_, err := env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: task.ID, Stamp: task.ConcurrencyStamp, ActorID: "tester"})
		require.NoError(t, err)
	}
	env.Clock.Advance(2 * time.Hour)

	// two purgers on one workspace race for the same rows
	other := engine.New(env.DB, config.Default())
	other.Now = env.Clock.Now
	var wg sync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)
	for i, eng := range []engine.Engine{env.Engine, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i], errs[i] = eng.Purge(env.Ctx, time.Hour, "janitor")
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, n, counts[0]+counts[1])
	require.Zero(t, env.count(t, `SELECT COUNT(*) FROM tasks`))
}

func TestTaskProgress(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "progress", 0)
	u1 := env.unit(t, task.ID, "one")
	env.unit(t, task.ID, "two")
	_, err := env.Engine.SetUnitState(env.Ctx, engine.StateOptions{ID: u1.ID, Stamp: u1.ConcurrencyStamp, State: "running", ActorID: "tester"})
	require.NoError(t, err)

	p, err := env.Engine.TaskProgress(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, p.Total)
	require.Equal(t, 1, p.ByState["running"])
	require.Equal(t, 1, p.ByState["pending"])

	gotTask, err := env.Engine.GetTask(env.Ctx, task.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, gotTask.TaskState)
}

func TestTaskSummary(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "idle", 0)
	busy := env.task(t, "busy", 1)
	gone := env.task(t, "gone", 1)
	_, err := env.Engine.SetTaskState(env.Ctx, engine.StateOptions{ID: busy.ID, Stamp: busy.ConcurrencyStamp, State: "running", ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.RemoveTask(env.Ctx, engine.DeleteOptions{ID: gone.ID, Stamp: gone.ConcurrencyStamp, ActorID: "tester"})
	require.NoError(t, err)

	all, err := env.Engine.TaskSummary(env.Ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, all.Total)
	require.Equal(t, map[string]int{"pending": 1, "running": 1}, all.ByState)

	one := 1
	p1, err := env.Engine.TaskSummary(env.Ctx, &one)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"running": 1}, p1.ByState)
}

func TestRemoveAgentReportsDanglingAssignments(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "linked")
	task := env.task(t, "owner", 0)
	u := env.unit(t, task.ID, "unit")
	_, err := env.Engine.AssignTaskAgent(env.Ctx, engine.AssignOptions{OwnerID: task.ID, AgentID: a.ID, ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.AssignUnitAgent(env.Ctx, engine.AssignOptions{OwnerID: u.ID, AgentID: a.ID, ActorID: "tester"})
	require.NoError(t, err)

	require.NoError(t, env.Engine.RemoveAgent(env.Ctx, engine.DeleteOptions{ID: a.ID, Stamp: a.ConcurrencyStamp, ActorID: "tester"}))
	var payload string
	err = env.DB.QueryRow(`SELECT payload_json FROM events WHERE type='agent.removed' AND entity_id=?`, a.ID.String()).Scan(&payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"dangling_assignments":2}`, payload)

	eligible, err := env.Engine.EligibleAgents(env.Ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, eligible)
}
