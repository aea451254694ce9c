package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

// retryConflicts re-runs fn while it loses the stamp race, up to
// concurrency.max_retries extra attempts.
func (e Engine) retryConflicts(kind string, id uuid.UUID, fn func() error) error {
	attempts := e.cfg().Concurrency.MaxRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, repo.ErrConcurrencyConflict) {
			return err
		}
		metrics.Conflict(kind)
		e.log().WithFields(logrus.Fields{"entity": kind, "id": id, "attempt": i + 1}).Debug("roll-up lost stamp race, re-reading")
	}
	e.log().WithFields(logrus.Fields{"entity": kind, "id": id}).Warn("roll-up gave up after conflicts")
	return err
}

// holdsManualState reports whether roll-up must leave the current state alone:
// terminal states always, paused unless children reached a terminal result.
func holdsManualState(current string, terminal bool, derived string, derivedTerminal bool) bool {
	if terminal {
		return true
	}
	if current == derived || derived == "pending" {
		return true
	}
	return current == "paused" && !derivedTerminal
}

// RollupUnit derives a unit's state from its live targets and stores it when it moved.
func (e Engine) RollupUnit(ctx context.Context, id uuid.UUID, actorID string) (u domain.TaskUnit, moved bool, err error) {
	err = e.retryConflicts(events.KindUnit, id, func() error {
		var err error
		u, moved, err = e.rollupUnitOnce(ctx, id, actorID)
		return err
	})
	return u, moved, err
}

func (e Engine) rollupUnitOnce(ctx context.Context, id uuid.UUID, actorID string) (domain.TaskUnit, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskUnit{}, false, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUnitTx(ctx, tx, id)
	if err != nil {
		return domain.TaskUnit{}, false, err
	}
	states, err := e.Repo.TargetStatesTx(ctx, tx, id)
	if err != nil {
		return u, false, err
	}
	derived, ok := domain.DeriveUnitState(states)
	if !ok || holdsManualState(string(u.TaskUnitState), u.TaskUnitState.Terminal(), string(derived), derived.Terminal()) {
		return u, false, nil
	}
	steps := domain.UnitPath(u.TaskUnitState, derived)
	if len(steps) == 0 {
		return u, false, nil
	}
	from, stamp := u.TaskUnitState, u.ConcurrencyStamp
	now := e.now()
	for _, step := range steps {
		if err := domain.CheckUnitTransition(u.TaskUnitState, step); err != nil {
			return u, false, err
		}
		applyUnitState(&u, step, now)
	}
	u.Touch(now, actorID)
	if err := e.Repo.UpdateUnitTx(ctx, tx, u, stamp); err != nil {
		return u, false, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.rollup", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: actorID, Partition: u.Partition},
		events.EventPayload{"from": from, "to": derived, "steps": steps, "targets": len(states)}); err != nil {
		return u, false, err
	}
	if err := tx.Commit(); err != nil {
		return u, false, err
	}
	for _, step := range steps {
		metrics.Transition(events.KindUnit, string(step))
	}
	return u, true, nil
}

// RollupTask derives a task's state from its live units and stores it when it moved.
func (e Engine) RollupTask(ctx context.Context, id uuid.UUID, actorID string) (t domain.Task, moved bool, err error) {
	err = e.retryConflicts(events.KindTask, id, func() error {
		var err error
		t, moved, err = e.rollupTaskOnce(ctx, id, actorID)
		return err
	})
	return t, moved, err
}

func (e Engine) rollupTaskOnce(ctx context.Context, id uuid.UUID, actorID string) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, false, err
	}
	states, err := e.Repo.UnitStatesTx(ctx, tx, id)
	if err != nil {
		return t, false, err
	}
	derived, ok := domain.DeriveTaskState(states)
	if !ok || holdsManualState(string(t.TaskState), t.TaskState.Terminal(), string(derived), derived.Terminal()) {
		return t, false, nil
	}
	steps := domain.TaskPath(t.TaskState, derived)
	if len(steps) == 0 {
		return t, false, nil
	}
	from, stamp := t.TaskState, t.ConcurrencyStamp
	now := e.now()
	for _, step := range steps {
		if err := domain.CheckTaskTransition(t.TaskState, step); err != nil {
			return t, false, err
		}
		applyTaskState(&t, step, now)
	}
	t.Touch(now, actorID)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t, stamp); err != nil {
		return t, false, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.rollup", EntityKind: events.KindTask, EntityID: t.ID.String(), ActorID: actorID, Partition: t.Partition},
		events.EventPayload{"from": from, "to": derived, "steps": steps, "units": len(states)}); err != nil {
		return t, false, err
	}
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	for _, step := range steps {
		metrics.Transition(events.KindTask, string(step))
	}
	return t, true, nil
}
