package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
)

type AssignOptions struct {
	// OwnerID is a task id or a unit id depending on the call.
	OwnerID uuid.UUID `validate:"required"`
	AgentID uuid.UUID `validate:"required"`
	ActorID string    `validate:"required"`
}

// AssignTaskAgent links an agent to a task. Assigning twice is a no-op.
func (e Engine) AssignTaskAgent(ctx context.Context, opts AssignOptions) (bool, error) {
	return e.assign(ctx, opts, events.KindTask)
}

func (e Engine) AssignUnitAgent(ctx context.Context, opts AssignOptions) (bool, error) {
	return e.assign(ctx, opts, events.KindUnit)
}

func (e Engine) UnassignTaskAgent(ctx context.Context, opts AssignOptions) error {
	return e.unassign(ctx, opts, events.KindTask)
}

func (e Engine) UnassignUnitAgent(ctx context.Context, opts AssignOptions) error {
	return e.unassign(ctx, opts, events.KindUnit)
}

func (e Engine) assign(ctx context.Context, opts AssignOptions, kind string) (created bool, err error) {
	ctx, span := e.span(ctx, "Assign."+kind)
	defer finish(span, kind, &err)
	if err := e.check(opts); err != nil {
		return false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if kind == events.KindTask {
		created, err = e.Repo.AssignTaskAgentTx(ctx, tx, opts.OwnerID, opts.AgentID, e.now(), opts.ActorID)
	} else {
		created, err = e.Repo.AssignUnitAgentTx(ctx, tx, opts.OwnerID, opts.AgentID, e.now(), opts.ActorID)
	}
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: kindPrefix(kind) + ".agent_assigned", EntityKind: kind, EntityID: opts.OwnerID.String(), ActorID: opts.ActorID},
		events.EventPayload{"agent_id": opts.AgentID.String()}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	metrics.Mutation(kind+"_agent", "assign")
	e.log().WithFields(logrus.Fields{"entity": kind, "id": opts.OwnerID, "agent_id": opts.AgentID, "actor": opts.ActorID}).Debug("agent assigned")
	return true, nil
}

func (e Engine) unassign(ctx context.Context, opts AssignOptions, kind string) (err error) {
	ctx, span := e.span(ctx, "Unassign."+kind)
	defer finish(span, kind, &err)
	if err := e.check(opts); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if kind == events.KindTask {
		err = e.Repo.UnassignTaskAgentTx(ctx, tx, opts.OwnerID, opts.AgentID)
	} else {
		err = e.Repo.UnassignUnitAgentTx(ctx, tx, opts.OwnerID, opts.AgentID)
	}
	if err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: kindPrefix(kind) + ".agent_unassigned", EntityKind: kind, EntityID: opts.OwnerID.String(), ActorID: opts.ActorID},
		events.EventPayload{"agent_id": opts.AgentID.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.Mutation(kind+"_agent", "unassign")
	return nil
}

func kindPrefix(kind string) string {
	if kind == events.KindUnit {
		return "unit"
	}
	return "task"
}

func (e Engine) TaskAgents(ctx context.Context, taskID uuid.UUID, includeRemoved bool) ([]domain.Agent, error) {
	return e.Repo.ListTaskAgents(ctx, taskID, includeRemoved)
}

func (e Engine) UnitAgents(ctx context.Context, unitID uuid.UUID, includeRemoved bool) ([]domain.Agent, error) {
	return e.Repo.ListUnitAgents(ctx, unitID, includeRemoved)
}

// EligibleAgents resolves who may work a unit: agents assigned at both the
// unit and its task, or the one level that has assignments when the other is
// empty. Soft-deleted agents never qualify.
func (e Engine) EligibleAgents(ctx context.Context, unitID uuid.UUID) ([]domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUnitTx(ctx, tx, unitID)
	if err != nil {
		return nil, err
	}
	unitLevel, err := e.Repo.ListUnitAgentsTx(ctx, tx, u.ID)
	if err != nil {
		return nil, err
	}
	taskLevel, err := e.Repo.ListTaskAgentsTx(ctx, tx, u.TaskID)
	if err != nil {
		return nil, err
	}
	return intersectAgents(unitLevel, taskLevel), nil
}

func intersectAgents(unitLevel, taskLevel []domain.Agent) []domain.Agent {
	switch {
	case len(unitLevel) == 0:
		return taskLevel
	case len(taskLevel) == 0:
		return unitLevel
	}
	onTask := make(map[uuid.UUID]bool, len(taskLevel))
	for _, a := range taskLevel {
		onTask[a.ID] = true
	}
	res := []domain.Agent{}
	for _, a := range unitLevel {
		if onTask[a.ID] {
			res = append(res, a)
		}
	}
	return res
}
