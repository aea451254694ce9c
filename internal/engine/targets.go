package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

type TargetCreateOptions struct {
	ID          uuid.UUID
	UnitID      uuid.UUID `validate:"required"`
	TargetName  string    `validate:"required"`
	TargetCode  string
	DesignCode  string
	TargetType  string `validate:"required"`
	TargetID    string `validate:"required"`
	Description string
	Partition   int    `validate:"gte=0"`
	ActorID     string `validate:"required"`
}

func (e Engine) CreateTarget(ctx context.Context, opts TargetCreateOptions) (t domain.TaskTarget, err error) {
	ctx, span := e.span(ctx, "CreateTarget", attribute.String("unit_id", opts.UnitID.String()))
	defer finish(span, events.KindTarget, &err)
	if err := e.check(opts); err != nil {
		return domain.TaskTarget{}, err
	}
	t = domain.TaskTarget{
		ID:          newID(opts.ID),
		TaskUnitID:  opts.UnitID,
		TargetCode:  opts.TargetCode,
		DesignCode:  opts.DesignCode,
		TargetState: domain.TargetPending,
		TaskStatus:  domain.StatusNone,
		Description: opts.Description,
		Audit:       domain.NewAudit(e.now(), opts.ActorID, opts.Partition),
	}
	if t.TargetName, err = trimmed("target_name", opts.TargetName); err != nil {
		return domain.TaskTarget{}, err
	}
	if t.TargetType, err = trimmed("target_type", opts.TargetType); err != nil {
		return domain.TaskTarget{}, err
	}
	if t.TargetID, err = trimmed("target_id", opts.TargetID); err != nil {
		return domain.TaskTarget{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RequireLiveTx(ctx, tx, "task_units", t.TaskUnitID); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := e.Repo.InsertTargetTx(ctx, tx, t); err != nil {
		return domain.TaskTarget{}, fmt.Errorf("insert task target: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "target.created", EntityKind: events.KindTarget, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"task_unit_id": t.TaskUnitID.String(), "target_type": t.TargetType, "target_id": t.TargetID}); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskTarget{}, err
	}
	metrics.Mutation(events.KindTarget, "create")
	return t, nil
}

func (e Engine) GetTarget(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.TaskTarget, error) {
	return e.Repo.GetTarget(ctx, id, includeRemoved)
}

func (e Engine) ListTargets(ctx context.Context, f repo.TargetFilters) ([]domain.TaskTarget, error) {
	return e.Repo.ListTargets(ctx, f)
}

type TargetUpdateOptions struct {
	ID          uuid.UUID `validate:"required"`
	Stamp       string    `validate:"required"`
	TargetName  *string
	TargetCode  *string
	DesignCode  *string
	TargetType  *string
	TargetID    *string
	Description *string
	Partition   *int
	ActorID     string `validate:"required"`
}

func (e Engine) UpdateTarget(ctx context.Context, opts TargetUpdateOptions) (t domain.TaskTarget, err error) {
	ctx, span := e.span(ctx, "UpdateTarget", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTarget, &err)
	if err := e.check(opts); err != nil {
		return domain.TaskTarget{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTargetTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	if err := presented(events.KindTarget, t.ID, opts.Stamp, t.ConcurrencyStamp); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := immutablePartition(opts.Partition, t.Partition); err != nil {
		return domain.TaskTarget{}, err
	}
	changed := events.EventPayload{}
	if opts.TargetName != nil {
		if t.TargetName, err = trimmed("target_name", *opts.TargetName); err != nil {
			return domain.TaskTarget{}, err
		}
		changed["target_name"] = t.TargetName
	}
	if opts.TargetType != nil {
		if t.TargetType, err = trimmed("target_type", *opts.TargetType); err != nil {
			return domain.TaskTarget{}, err
		}
		changed["target_type"] = t.TargetType
	}
	if opts.TargetID != nil {
		if t.TargetID, err = trimmed("target_id", *opts.TargetID); err != nil {
			return domain.TaskTarget{}, err
		}
		changed["target_id"] = t.TargetID
	}
	if opts.TargetCode != nil {
		t.TargetCode = *opts.TargetCode
		changed["target_code"] = t.TargetCode
	}
	if opts.DesignCode != nil {
		t.DesignCode = *opts.DesignCode
		changed["design_code"] = t.DesignCode
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	t.Touch(e.now(), opts.ActorID)
	if err := e.Repo.UpdateTargetTx(ctx, tx, t, opts.Stamp); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "target.updated", EntityKind: events.KindTarget, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition}, changed); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskTarget{}, err
	}
	metrics.Mutation(events.KindTarget, "update")
	return t, nil
}

type TargetAttemptOptions struct {
	ID      uuid.UUID `validate:"required"`
	Stamp   string    `validate:"required"`
	ActorID string    `validate:"required"`
}

// ExecuteTarget records the first attempt: pending -> executing and ExecuteTime.
func (e Engine) ExecuteTarget(ctx context.Context, opts TargetAttemptOptions) (domain.TaskTarget, error) {
	return e.moveTarget(ctx, opts.ID, opts.Stamp, opts.ActorID, domain.TargetExecuting, "")
}

type TargetResultOptions struct {
	ID      uuid.UUID `validate:"required"`
	Stamp   string    `validate:"required"`
	State   string    `validate:"required"`
	Status  string
	ActorID string `validate:"required"`
}

// CompleteTarget records a result. Status defaults from the state:
// succeeded -> ok, failed -> error, skipped -> none.
func (e Engine) CompleteTarget(ctx context.Context, opts TargetResultOptions) (domain.TaskTarget, error) {
	if err := e.check(opts); err != nil {
		return domain.TaskTarget{}, err
	}
	to, err := domain.ParseTargetState(opts.State)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	if !to.Terminal() {
		return domain.TaskTarget{}, fmt.Errorf("%w: result state must be succeeded, failed or skipped", domain.ErrInvalidArgument)
	}
	var status domain.TaskStatus
	if opts.Status != "" {
		if status, err = domain.ParseTaskStatus(opts.Status); err != nil {
			return domain.TaskTarget{}, err
		}
	}
	return e.moveTarget(ctx, opts.ID, opts.Stamp, opts.ActorID, to, status)
}

func defaultStatus(s domain.TargetState) domain.TaskStatus {
	switch s {
	case domain.TargetSucceeded:
		return domain.StatusOK
	case domain.TargetFailed:
		return domain.StatusError
	}
	return domain.StatusNone
}

func (e Engine) moveTarget(ctx context.Context, id uuid.UUID, stamp, actorID string, to domain.TargetState, status domain.TaskStatus) (t domain.TaskTarget, err error) {
	ctx, span := e.span(ctx, "MoveTarget", attribute.String("id", id.String()), attribute.String("to", string(to)))
	defer finish(span, events.KindTarget, &err)
	if err := e.check(TargetAttemptOptions{ID: id, Stamp: stamp, ActorID: actorID}); err != nil {
		return domain.TaskTarget{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTargetTx(ctx, tx, id)
	if err != nil {
		return domain.TaskTarget{}, err
	}
	if err := presented(events.KindTarget, t.ID, stamp, t.ConcurrencyStamp); err != nil {
		return domain.TaskTarget{}, err
	}
	from := t.TargetState
	if err := domain.CheckTargetTransition(from, to); err != nil {
		return domain.TaskTarget{}, err
	}
	now := e.now()
	t.TargetState = to
	if to != domain.TargetSkipped && t.ExecuteTime == nil {
		t.ExecuteTime = timePtr(now)
	}
	if to.Terminal() {
		if status == "" {
			status = defaultStatus(to)
		}
		t.TaskStatus = status
	}
	t.Touch(now, actorID)
	if err := e.Repo.UpdateTargetTx(ctx, tx, t, stamp); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "target.state", EntityKind: events.KindTarget, EntityID: t.ID.String(), ActorID: actorID, Partition: t.Partition},
		events.EventPayload{"from": from, "to": to, "task_status": t.TaskStatus}); err != nil {
		return domain.TaskTarget{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskTarget{}, err
	}
	metrics.Transition(events.KindTarget, string(to))
	e.log().WithFields(logrus.Fields{"entity": events.KindTarget, "id": t.ID, "from": from, "to": to, "actor": actorID}).Debug("target state changed")
	if e.cfg().Aggregation.AutoRollup {
		e.rollupFromTarget(ctx, t.TaskUnitID, actorID)
	}
	return t, nil
}

// rollupFromTarget propagates a target result to its unit and then its task.
// Roll-up failures are logged; the target write has already committed.
func (e Engine) rollupFromTarget(ctx context.Context, unitID uuid.UUID, actorID string) {
	u, _, err := e.RollupUnit(ctx, unitID, actorID)
	if err != nil {
		e.log().WithError(err).WithField("unit_id", unitID).Warn("unit roll-up failed")
		return
	}
	if _, _, err := e.RollupTask(ctx, u.TaskID, actorID); err != nil {
		e.log().WithError(err).WithField("task_id", u.TaskID).Warn("task roll-up failed")
	}
}

func (e Engine) RemoveTarget(ctx context.Context, opts DeleteOptions) (err error) {
	ctx, span := e.span(ctx, "RemoveTarget", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTarget, &err)
	if err := e.check(opts); err != nil {
		return err
	}
	if err := requireStamp(opts.Stamp); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTargetTx(ctx, tx, opts.ID)
	if err != nil {
		return err
	}
	if err := e.Repo.SoftDeleteTargetTx(ctx, tx, t.ID, opts.Stamp, e.removal(opts.ActorID)); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "target.removed", EntityKind: events.KindTarget, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"task_unit_id": t.TaskUnitID.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.Mutation(events.KindTarget, "remove")
	return nil
}

func (e Engine) DeleteTarget(ctx context.Context, opts DeleteOptions) (err error) {
	ctx, span := e.span(ctx, "DeleteTarget", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindTarget, &err)
	if err := e.check(opts); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTargetAnyTx(ctx, tx, opts.ID)
	if err != nil {
		return err
	}
	if opts.Stamp != "" {
		if err := presented(events.KindTarget, t.ID, opts.Stamp, t.ConcurrencyStamp); err != nil {
			return err
		}
	}
	if err := e.Repo.HardDeleteTargetTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "target.deleted", EntityKind: events.KindTarget, EntityID: t.ID.String(), ActorID: opts.ActorID, Partition: t.Partition},
		events.EventPayload{"task_unit_id": t.TaskUnitID.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.Mutation(events.KindTarget, "delete")
	return nil
}
