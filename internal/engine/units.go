package engine

import (
	"context"
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

type UnitCreateOptions struct {
	ID           uuid.UUID
	TaskID       uuid.UUID `validate:"required"`
	UnitName     string    `validate:"required"`
	UnitCode     string
	DesignCode   string
	TaskUnitMode string
	Description  string
	Partition    int    `validate:"gte=0"`
	ActorID      string `validate:"required"`
}

func (e Engine) CreateUnit(ctx context.Context, opts UnitCreateOptions) (u domain.TaskUnit, err error) {
	ctx, span := e.span(ctx, "CreateUnit", attribute.String("task_id", opts.TaskID.String()))
	defer finish(span, events.KindUnit, &err)
	if err := e.check(opts); err != nil {
		return domain.TaskUnit{}, err
	}
	if opts.TaskUnitMode == "" {
		opts.TaskUnitMode = string(domain.UnitSequential)
	}
	mode, err := domain.ParseTaskUnitMode(opts.TaskUnitMode)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	name, err := trimmed("unit_name", opts.UnitName)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	u = domain.TaskUnit{
		ID:                 newID(opts.ID),
		TaskID:             opts.TaskID,
		UnitName:           name,
		NormalizedUnitName: domain.NormalizeName(name),
		UnitCode:           opts.UnitCode,
		DesignCode:         opts.DesignCode,
		TaskUnitState:      domain.UnitPending,
		TaskUnitMode:       mode,
		Description:        opts.Description,
		Audit:              domain.NewAudit(e.now(), opts.ActorID, opts.Partition),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RequireLiveTx(ctx, tx, "tasks", u.TaskID); err != nil {
		return domain.TaskUnit{}, err
	}
	taken, err := e.Repo.UnitNameTaken(ctx, tx, u.TaskID, u.NormalizedUnitName, u.ID)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	if taken {
		return domain.TaskUnit{}, fmt.Errorf("unit name %q in task %s: %w", u.UnitName, u.TaskID, repo.ErrDuplicateName)
	}
	if err := e.Repo.InsertUnitTx(ctx, tx, u); err != nil {
		return domain.TaskUnit{}, fmt.Errorf("insert task unit: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.created", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: opts.ActorID, Partition: u.Partition},
		events.EventPayload{"task_id": u.TaskID.String(), "unit_name": u.UnitName, "task_unit_mode": u.TaskUnitMode}); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskUnit{}, err
	}
	metrics.Mutation(events.KindUnit, "create")
	e.log().WithFields(logrus.Fields{"entity": events.KindUnit, "id": u.ID, "task_id": u.TaskID, "partition": u.Partition, "actor": opts.ActorID}).Debug("task unit created")
	return u, nil
}

func (e Engine) GetUnit(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.TaskUnit, error) {
	return e.Repo.GetUnit(ctx, id, includeRemoved)
}

func (e Engine) ListUnits(ctx context.Context, f repo.UnitFilters) ([]domain.TaskUnit, error) {
	return e.Repo.ListUnits(ctx, f)
}

type UnitUpdateOptions struct {
	ID           uuid.UUID `validate:"required"`
	Stamp        string    `validate:"required"`
	UnitName     *string
	UnitCode     *string
	DesignCode   *string
	TaskUnitMode *string
	Description  *string
	Partition    *int
	ActorID      string `validate:"required"`
}

func (e Engine) UpdateUnit(ctx context.Context, opts UnitUpdateOptions) (u domain.TaskUnit, err error) {
	ctx, span := e.span(ctx, "UpdateUnit", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindUnit, &err)
	if err := e.check(opts); err != nil {
		return domain.TaskUnit{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	defer tx.Rollback()
	u, err = e.Repo.GetUnitTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	if err := presented(events.KindUnit, u.ID, opts.Stamp, u.ConcurrencyStamp); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := immutablePartition(opts.Partition, u.Partition); err != nil {
		return domain.TaskUnit{}, err
	}
	changed := events.EventPayload{}
	if opts.UnitName != nil {
		name, err := trimmed("unit_name", *opts.UnitName)
		if err != nil {
			return domain.TaskUnit{}, err
		}
		u.UnitName = name
		u.NormalizedUnitName = domain.NormalizeName(name)
		taken, err := e.Repo.UnitNameTaken(ctx, tx, u.TaskID, u.NormalizedUnitName, u.ID)
		if err != nil {
			return domain.TaskUnit{}, err
		}
		if taken {
			return domain.TaskUnit{}, fmt.Errorf("unit name %q in task %s: %w", name, u.TaskID, repo.ErrDuplicateName)
		}
		changed["unit_name"] = name
	}
	if opts.TaskUnitMode != nil {
		if u.TaskUnitMode, err = domain.ParseTaskUnitMode(*opts.TaskUnitMode); err != nil {
			return domain.TaskUnit{}, err
		}
		changed["task_unit_mode"] = u.TaskUnitMode
	}
	if opts.UnitCode != nil {
		u.UnitCode = *opts.UnitCode
		changed["unit_code"] = u.UnitCode
	}
	if opts.DesignCode != nil {
		u.DesignCode = *opts.DesignCode
		changed["design_code"] = u.DesignCode
	}
	if opts.Description != nil {
		u.Description = *opts.Description
		changed["description"] = u.Description
	}
	u.Touch(e.now(), opts.ActorID)
	if err := e.Repo.UpdateUnitTx(ctx, tx, u, opts.Stamp); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.updated", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: opts.ActorID, Partition: u.Partition}, changed); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskUnit{}, err
	}
	metrics.Mutation(events.KindUnit, "update")
	return u, nil
}

func applyUnitState(u *domain.TaskUnit, to domain.TaskUnitState, now time.Time) {
	from := u.TaskUnitState
	u.TaskUnitState = to
	switch {
	case to == domain.UnitRunning && (from == domain.UnitPending || u.StartTime == nil):
		u.StartTime = timePtr(now)
	case to.Terminal():
		u.EndTime = timePtr(now)
	case to == domain.UnitPending:
		u.EndTime = nil
	}
}

// SetUnitState moves a unit through the lifecycle; the owning task is rolled
// up afterwards when aggregation.auto_rollup is on.
func (e Engine) SetUnitState(ctx context.Context, opts StateOptions) (u domain.TaskUnit, err error) {
	ctx, span := e.span(ctx, "SetUnitState", attribute.String("id", opts.ID.String()), attribute.String("to", opts.State))
	defer finish(span, events.KindUnit, &err)
	if err := e.check(opts); err != nil {
		return domain.TaskUnit{}, err
	}
	to, err := domain.ParseTaskUnitState(opts.State)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	defer tx.Rollback()
	u, err = e.Repo.GetUnitTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.TaskUnit{}, err
	}
	if err := presented(events.KindUnit, u.ID, opts.Stamp, u.ConcurrencyStamp); err != nil {
		return domain.TaskUnit{}, err
	}
	from := u.TaskUnitState
	if err := domain.CheckUnitTransition(from, to); err != nil {
		return domain.TaskUnit{}, err
	}
	now := e.now()
	applyUnitState(&u, to, now)
	u.Touch(now, opts.ActorID)
	if err := e.Repo.UpdateUnitTx(ctx, tx, u, opts.Stamp); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.state", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: opts.ActorID, Partition: u.Partition},
		events.EventPayload{"from": from, "to": to}); err != nil {
		return domain.TaskUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskUnit{}, err
	}
	metrics.Transition(events.KindUnit, string(to))
	if e.cfg().Aggregation.AutoRollup {
		if _, _, err := e.RollupTask(ctx, u.TaskID, opts.ActorID); err != nil {
			e.log().WithError(err).WithField("task_id", u.TaskID).Warn("task roll-up failed")
		}
	}
	return u, nil
}

// RemoveUnit soft-deletes a unit and, with soft_delete.cascade, its live targets.
func (e Engine) RemoveUnit(ctx context.Context, opts DeleteOptions) (c repo.DeleteCounts, err error) {
	ctx, span := e.span(ctx, "RemoveUnit", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindUnit, &err)
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
	u, err := e.Repo.GetUnitTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	rm := e.removal(opts.ActorID)
	if err := e.Repo.SoftDeleteUnitTx(ctx, tx, u.ID, opts.Stamp, rm); err != nil {
		return c, err
	}
	if e.cfg().SoftDelete.Cascade {
		st, err := e.Repo.LoadUnitSubtreeTx(ctx, tx, u)
		if err != nil {
			return c, err
		}
		if c, err = e.Repo.SoftDeleteSubtreeTx(ctx, tx, st, u.ID, rm); err != nil {
			return repo.DeleteCounts{}, err
		}
	}
	c.Units++
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.removed", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: opts.ActorID, Partition: u.Partition},
		events.EventPayload{"task_id": u.TaskID.String(), "targets": c.Targets}); err != nil {
		return repo.DeleteCounts{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.DeleteCounts{}, err
	}
	metrics.Mutation(events.KindUnit, "remove")
	return c, nil
}

// DeleteUnit hard-deletes a unit with its targets and assignment rows.
func (e Engine) DeleteUnit(ctx context.Context, opts DeleteOptions) (c repo.DeleteCounts, err error) {
	ctx, span := e.span(ctx, "DeleteUnit", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindUnit, &err)
	if err := e.check(opts); err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUnitAnyTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	if opts.Stamp != "" {
		if err := presented(events.KindUnit, u.ID, opts.Stamp, u.ConcurrencyStamp); err != nil {
			return c, err
		}
	}
	st, err := e.Repo.LoadUnitSubtreeTx(ctx, tx, u)
	if err != nil {
		return c, e.cascadeFailed(u.ID, err)
	}
	if c, err = e.Repo.HardDeleteUnitSubtreeTx(ctx, tx, st); err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(u.ID, err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "unit.deleted", EntityKind: events.KindUnit, EntityID: u.ID.String(), ActorID: opts.ActorID, Partition: u.Partition},
		events.EventPayload{"task_id": u.TaskID.String(), "targets": c.Targets, "assignments": c.Assignment}); err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(u.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return repo.DeleteCounts{}, e.cascadeFailed(u.ID, err)
	}
	metrics.Cascade(true, 0, c.Units, c.Targets)
	return c, nil
}

// UnitProgress counts a unit's live targets by state.
func (e Engine) UnitProgress(ctx context.Context, id uuid.UUID) (domain.Progress, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUnitTx(ctx, tx, id); err != nil {
		return domain.Progress{}, err
	}
	states, err := e.Repo.TargetStatesTx(ctx, tx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.CountTargets(states), nil
}
