package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taskgrid/internal/domain"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Nightly Sync":       "nightly sync",
		"  nightly   SYNC  ": "nightly sync",
		"ＮＩＧＨＴＬＹ Sync":     "nightly sync",
		"nightly\tsync\n":    "nightly sync",
	}
	for in, want := range cases {
		require.Equal(t, want, domain.NormalizeName(in), "input %q", in)
	}
}

func TestTaskTransitions(t *testing.T) {
	allowed := [][2]domain.TaskState{
		{domain.TaskPending, domain.TaskRunning},
		{domain.TaskPending, domain.TaskCancelled},
		{domain.TaskRunning, domain.TaskPaused},
		{domain.TaskRunning, domain.TaskCompleted},
		{domain.TaskRunning, domain.TaskFailed},
		{domain.TaskPaused, domain.TaskRunning},
		{domain.TaskFailed, domain.TaskPending},
	}
	for _, tr := range allowed {
		require.NoError(t, domain.CheckTaskTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	refused := [][2]domain.TaskState{
		{domain.TaskPending, domain.TaskCompleted},
		{domain.TaskCompleted, domain.TaskRunning},
		{domain.TaskCancelled, domain.TaskPending},
		{domain.TaskPaused, domain.TaskCompleted},
		{domain.TaskRunning, domain.TaskRunning},
	}
	for _, tr := range refused {
		err := domain.CheckTaskTransition(tr[0], tr[1])
		require.Error(t, err)
		require.True(t, errors.Is(err, domain.ErrInvalidStateTransition))
	}
}

func TestTargetTransitions(t *testing.T) {
	require.NoError(t, domain.CheckTargetTransition(domain.TargetPending, domain.TargetExecuting))
	require.NoError(t, domain.CheckTargetTransition(domain.TargetExecuting, domain.TargetFailed))
	require.NoError(t, domain.CheckTargetTransition(domain.TargetPending, domain.TargetSkipped))
	require.ErrorIs(t, domain.CheckTargetTransition(domain.TargetSucceeded, domain.TargetExecuting), domain.ErrInvalidStateTransition)
	require.ErrorIs(t, domain.CheckTargetTransition(domain.TargetExecuting, domain.TargetSkipped), domain.ErrInvalidStateTransition)
}

func TestLifecyclePaths(t *testing.T) {
	require.Equal(t, []domain.TaskState{domain.TaskRunning, domain.TaskCompleted}, domain.TaskPath(domain.TaskPending, domain.TaskCompleted))
	require.Equal(t, []domain.TaskState{domain.TaskCancelled}, domain.TaskPath(domain.TaskPending, domain.TaskCancelled))
	require.Equal(t, []domain.TaskState{domain.TaskRunning, domain.TaskFailed}, domain.TaskPath(domain.TaskPaused, domain.TaskFailed))
	require.Empty(t, domain.TaskPath(domain.TaskCompleted, domain.TaskRunning))
	require.Equal(t, []domain.TaskUnitState{domain.UnitRunning, domain.UnitFailed}, domain.UnitPath(domain.UnitPending, domain.UnitFailed))

	// every step of a path is itself a legal move
	from := domain.TaskPending
	for _, step := range domain.TaskPath(from, domain.TaskPaused) {
		require.NoError(t, domain.CheckTaskTransition(from, step))
		from = step
	}
	require.Equal(t, domain.TaskPaused, from)
}

func TestParseRejectsUnknownValues(t *testing.T) {
	s, err := domain.ParseTaskState(" Running ")
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, s)

	_, err = domain.ParseTaskState("done")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = domain.ParseTaskShip("vessel")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = domain.ParseTaskStatus("")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDeriveUnitState(t *testing.T) {
	_, ok := domain.DeriveUnitState(nil)
	require.False(t, ok)

	tests := []struct {
		in   []domain.TargetState
		want domain.TaskUnitState
	}{
		{[]domain.TargetState{domain.TargetPending, domain.TargetPending}, domain.UnitPending},
		{[]domain.TargetState{domain.TargetPending, domain.TargetExecuting}, domain.UnitRunning},
		{[]domain.TargetState{domain.TargetSucceeded, domain.TargetPending}, domain.UnitRunning},
		{[]domain.TargetState{domain.TargetSucceeded, domain.TargetSkipped}, domain.UnitCompleted},
		{[]domain.TargetState{domain.TargetSucceeded, domain.TargetFailed}, domain.UnitFailed},
		{[]domain.TargetState{domain.TargetExecuting, domain.TargetFailed}, domain.UnitRunning},
	}
	for _, tc := range tests {
		got, ok := domain.DeriveUnitState(tc.in)
		require.True(t, ok)
		require.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestDeriveTaskState(t *testing.T) {
	tests := []struct {
		in   []domain.TaskUnitState
		want domain.TaskState
	}{
		{[]domain.TaskUnitState{domain.UnitCompleted, domain.UnitCompleted}, domain.TaskCompleted},
		{[]domain.TaskUnitState{domain.UnitCompleted, domain.UnitCancelled}, domain.TaskCompleted},
		{[]domain.TaskUnitState{domain.UnitCancelled}, domain.TaskCancelled},
		{[]domain.TaskUnitState{domain.UnitCompleted, domain.UnitFailed, domain.UnitRunning}, domain.TaskFailed},
		{[]domain.TaskUnitState{domain.UnitPending, domain.UnitRunning}, domain.TaskRunning},
		{[]domain.TaskUnitState{domain.UnitPending, domain.UnitPaused}, domain.TaskPaused},
		{[]domain.TaskUnitState{domain.UnitPending, domain.UnitCompleted}, domain.TaskRunning},
		{[]domain.TaskUnitState{domain.UnitPending}, domain.TaskPending},
	}
	for _, tc := range tests {
		got, ok := domain.DeriveTaskState(tc.in)
		require.True(t, ok)
		require.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestAdjacencyPostOrder(t *testing.T) {
	root, a, b, a1 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	adj := domain.Adjacency{}
	adj.Add(root, a)
	adj.Add(root, b)
	adj.Add(a, a1)
	// a stray back edge must not loop
	adj.Add(a1, root)

	order := adj.PostOrder(root)
	require.Equal(t, []uuid.UUID{a1, a, b, root}, order)
}

func TestAuditStamps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := domain.NewAudit(now, "alice", 3)
	first := a.ConcurrencyStamp
	require.NotEmpty(t, first)
	require.Equal(t, 3, a.Partition)
	require.False(t, a.Removed())

	a.Touch(now.Add(time.Minute), "bob")
	require.NotEqual(t, first, a.ConcurrencyStamp)
	require.Equal(t, "bob", a.ModifyBy)

	a.MarkRemoved(now.Add(2*time.Minute), "carol")
	require.True(t, a.Removed())
	require.Equal(t, "carol", *a.RemoveBy)
}
