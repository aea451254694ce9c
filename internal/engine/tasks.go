package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          uuid.UUID
	ParentID    *uuid.UUID
	TaskName    string `validate:"required"`
	TaskCode    string
	DesignCode  string
	TaskShip    string
	TaskMode    string
	Description string
	StartTime   *time.Time
	Partition   int    `validate:"gte=0"`
	ActorID     string `validate:"required"`
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (t domain.Task, err error) {
	ctx, span := e.span(ctx, "CreateTask", attribute.Int("partition", opts.Partition))
	defer finish(span, events.KindTask, &err)
	if err := e.check(opts); err != nil {
		return domain.Task{}, err
	}
	if opts.TaskShip == "" {
		opts.TaskShip = string(domain.ShipUser)
	}
	if opts.TaskMode == "" {
		opts.TaskMode = string(domain.ModeImmediate)
	}
	ship, err := domain.ParseTaskShip(opts.TaskShip)
	if err != nil {
		return domain.Task{}, err
	}
	mode, err := domain.ParseTaskMode(opts.TaskMode)
	if err != nil {
		return domain.Task{}, err
	}
	name, err := trimmed("task_name", opts.TaskName)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	t = domain.Task{
		ID:                 newID(opts.ID),
		ParentID:           opts.ParentID,
		TaskName:           name,
		NormalizedTaskName: domain.NormalizeName(name),
		TaskCode:           opts.TaskCode,
		DesignCode:         opts.DesignCode,
		TaskShip:           ship,
		TaskMode:           mode,
		TaskState:          domain.TaskPending,
		Description:        opts.Description,
		StartTime:          now,
		Audit:              domain.NewAudit(now, opts.ActorID, opts.Partition),
	}
	if opts.StartTime != nil {
		t.StartTime = opts.StartTime.UTC()
	}
	if t.ParentID != nil && *t.ParentID == t.ID {
		return domain.Task{}, domain.ErrCycle
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if t.ParentID != nil {
		if err := e.Repo.RequireLiveTx(ctx, tx, "tasks", *t.ParentID); err != nil {
			return domain.Task{}, err
		}
	}
	taken, err := e.Repo.TaskNameTaken(ctx, tx, t.NormalizedTaskName, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if taken {
		return domain.Task{}, fmt.Errorf("task name %q: %w", t.TaskName, repo.ErrDuplicateName)
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{"task_name": t.TaskName, "task_mode": t.TaskMode, "task_ship": t.TaskShip}
	if t.ParentID != nil {
		payload["parent_id"] = t.ParentID.String()
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.created", EntityKind: events.KindTask, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition}, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.Mutation(events.KindTask, "create")
	e.log().WithFields(logrus.Fields{"entity": events.KindTask, "id": t.ID, "partition": t.Partition, "actor": opts.ActorID}).Debug("task created")
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id, includeRemoved)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

type TaskUpdateOptions struct {
	ID          uuid.UUID `validate:"required"`
	Stamp       string    `validate:"required"`
	TaskName    *string
	TaskCode    *string
	DesignCode  *string
	TaskShip    *string
	TaskMode    *string
	Description *string
	StartTime   *time.Time
	ParentID    *uuid.UUID
	ClearParent bool
	Partition   *int
	ActorID     string `validate:"required"`
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (t domain.Task, err error) {
	ctx, span := e.span(ctx, "UpdateTask", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTask, &err)
	if err := e.check(opts); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := presented(events.KindTask, t.ID, opts.Stamp, t.ConcurrencyStamp); err != nil {
		return domain.Task{}, err
	}
	if err := immutablePartition(opts.Partition, t.Partition); err != nil {
		return domain.Task{}, err
	}
	changed := events.EventPayload{}
	if opts.TaskName != nil {
		name, err := trimmed("task_name", *opts.TaskName)
		if err != nil {
			return domain.Task{}, err
		}
		t.TaskName = name
		t.NormalizedTaskName = domain.NormalizeName(name)
		taken, err := e.Repo.TaskNameTaken(ctx, tx, t.NormalizedTaskName, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if taken {
			return domain.Task{}, fmt.Errorf("task name %q: %w", name, repo.ErrDuplicateName)
		}
		changed["task_name"] = name
	}
	if opts.TaskShip != nil {
		if t.TaskShip, err = domain.ParseTaskShip(*opts.TaskShip); err != nil {
			return domain.Task{}, err
		}
		changed["task_ship"] = t.TaskShip
	}
	if opts.TaskMode != nil {
		if t.TaskMode, err = domain.ParseTaskMode(*opts.TaskMode); err != nil {
			return domain.Task{}, err
		}
		changed["task_mode"] = t.TaskMode
	}
	if opts.TaskCode != nil {
		t.TaskCode = *opts.TaskCode
		changed["task_code"] = t.TaskCode
	}
	if opts.DesignCode != nil {
		t.DesignCode = *opts.DesignCode
		changed["design_code"] = t.DesignCode
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	if opts.StartTime != nil {
		t.StartTime = opts.StartTime.UTC()
		changed["start_time"] = t.StartTime
	}
	switch {
	case opts.ClearParent:
		t.ParentID = nil
		changed["parent_id"] = nil
	case opts.ParentID != nil:
		if err := e.ensureNoCycle(ctx, tx, *opts.ParentID, t.ID); err != nil {
			return domain.Task{}, err
		}
		t.ParentID = opts.ParentID
		changed["parent_id"] = opts.ParentID.String()
	}
	t.Touch(e.now(), opts.ActorID)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t, opts.Stamp); err != nil {
		return domain.Task{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.updated", EntityKind: events.KindTask, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition}, changed); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.Mutation(events.KindTask, "update")
	return t, nil
}

// ensureNoCycle refuses a parent that is the task itself or one of its descendants.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID uuid.UUID) error {
	if parentID == childID {
		return domain.ErrCycle
	}
	if err := e.Repo.RequireLiveTx(ctx, tx, "tasks", parentID); err != nil {
		return err
	}
	chain, err := e.Repo.ParentChain(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for _, id := range chain {
		if id == childID {
			return domain.ErrCycle
		}
	}
	return nil
}

// applyTaskState moves t to state and stamps start/end times.
func applyTaskState(t *domain.Task, to domain.TaskState, now time.Time) {
	from := t.TaskState
	t.TaskState = to
	switch {
	case to == domain.TaskRunning && from == domain.TaskPending:
		t.StartTime = now
	case to.Terminal():
		t.EndTime = timePtr(now)
	case to == domain.TaskPending:
		t.EndTime = nil
	}
}

func (e Engine) SetTaskState(ctx context.Context, opts StateOptions) (t domain.Task, err error) {
	ctx, span := e.span(ctx, "SetTaskState", attribute.String("id", opts.ID.String()), attribute.String("to", opts.State))
	defer finish(span, events.KindTask, &err)
	if err := e.check(opts); err != nil {
		return domain.Task{}, err
	}
	to, err := domain.ParseTaskState(opts.State)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := presented(events.KindTask, t.ID, opts.Stamp, t.ConcurrencyStamp); err != nil {
		return domain.Task{}, err
	}
	from := t.TaskState
	if err := domain.CheckTaskTransition(from, to); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	applyTaskState(&t, to, now)
	t.Touch(now, opts.ActorID)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t, opts.Stamp); err != nil {
		return domain.Task{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.state", EntityKind: events.KindTask, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"from": from, "to": to}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.Transition(events.KindTask, string(to))
	e.log().WithFields(logrus.Fields{"entity": events.KindTask, "id": t.ID, "from": from, "to": to, "actor": opts.ActorID}).Debug("task state changed")
	return t, nil
}

// RemoveTask soft-deletes a task. With soft_delete.cascade its live units,
// targets and child tasks are marked removed in the same transaction.
func (e Engine) RemoveTask(ctx context.Context, opts DeleteOptions) (c repo.DeleteCounts, err error) {
	ctx, span := e.span(ctx, "RemoveTask", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTask, &err)
	if err := e.check(opts); err != nil {
		return c, err
	}
	if err := requireStamp(opts.Stamp); err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	rm := e.removal(opts.ActorID)
	if err := e.Repo.SoftDeleteTaskTx(ctx, tx, t.ID, opts.Stamp, rm); err != nil {
		return c, err
	}
	if e.cfg().SoftDelete.Cascade {
		st, err := e.Repo.LoadTaskSubtreeTx(ctx, tx, t.ID)
		if err != nil {
			return c, err
		}
		if c, err = e.Repo.SoftDeleteSubtreeTx(ctx, tx, st, t.ID, rm); err != nil {
			return repo.DeleteCounts{}, err
		}
	}
	c.Tasks++
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.removed", EntityKind: events.KindTask, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"cascade": e.cfg().SoftDelete.Cascade, "tasks": c.Tasks, "units": c.Units, "targets": c.Targets}); err != nil {
		return repo.DeleteCounts{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.DeleteCounts{}, err
	}
	metrics.Mutation(events.KindTask, "remove")
	return c, nil
}

// DeleteTask hard-deletes a task subtree (child tasks, units, targets and
// assignment rows) children first. Soft-deleted tasks can be deleted too.
func (e Engine) DeleteTask(ctx context.Context, opts DeleteOptions) (c repo.DeleteCounts, err error) {
	ctx, span := e.span(ctx, "DeleteTask", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTask, &err)
	if err := e.check(opts); err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskAnyTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	if opts.Stamp != "" {
		if err := presented(events.KindTask, t.ID, opts.Stamp, t.ConcurrencyStamp); err != nil {
			return c, err
		}
	}
	st, err := e.Repo.LoadTaskSubtreeTx(ctx, tx, t.ID)
	if err != nil {
		return c, e.cascadeFailed(t.ID, err)
	}
	c, err = e.Repo.HardDeleteTaskSubtreeTx(ctx, tx, st)
	if err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(t.ID, err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "task.deleted", EntityKind: events.KindSubtree, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"task_name": t.TaskName, "tasks": c.Tasks, "units": c.Units, "targets": c.Targets, "assignments": c.Assignment}); err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(t.ID, err)
	}
	metrics.Cascade(true, c.Tasks, c.Units, c.Targets)
	e.log().WithFields(logrus.Fields{"entity": events.KindTask, "id": t.ID, "tasks": c.Tasks, "units": c.Units, "targets": c.Targets, "actor": opts.ActorID}).Info("task subtree deleted")
	return c, nil
}

func (e Engine) cascadeFailed(id uuid.UUID, err error) error {
	metrics.Cascade(false, 0, 0, 0)
	e.log().WithError(err).WithField("id", id).Error("cascade delete rolled back")
	if errors.Is(err, repo.ErrCascadeIncomplete) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", repo.ErrCascadeIncomplete, id, err)
}

// TaskProgress counts a task's live units by state.
func (e Engine) TaskProgress(ctx context.Context, id uuid.UUID) (domain.Progress, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTaskTx(ctx, tx, id); err != nil {
		return domain.Progress{}, err
	}
	states, err := e.Repo.UnitStatesTx(ctx, tx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.CountUnits(states), nil
}

// TaskSummary counts live tasks by state, optionally within one partition.
func (e Engine) TaskSummary(ctx context.Context, partition *int) (domain.Progress, error) {
	byState, err := e.Repo.CountTasksByState(ctx, partition)
	if err != nil {
		return domain.Progress{}, err
	}
	p := domain.Progress{ByState: byState}
	for _, n := range byState {
		p.Total += n
	}
	return p, nil
}
