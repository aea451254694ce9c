package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

type AgentCreateOptions struct {
	ID        uuid.UUID
	AgentName string `validate:"required"`
	AgentType string `validate:"required"`
	AgentCode string `validate:"required"`
	Partition int    `validate:"gte=0"`
	ActorID   string `validate:"required"`
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentCreateOptions) (a domain.Agent, err error) {
	ctx, span := e.span(ctx, "RegisterAgent", attribute.Int("partition", opts.Partition))
	defer finish(span, events.KindAgent, &err)
	if err := e.check(opts); err != nil {
		return domain.Agent{}, err
	}
	a = domain.Agent{ID: newID(opts.ID)}
	if a.AgentName, err = trimmed("agent_name", opts.AgentName); err != nil {
		return domain.Agent{}, err
	}
	if a.AgentType, err = trimmed("agent_type", opts.AgentType); err != nil {
		return domain.Agent{}, err
	}
	if a.AgentCode, err = trimmed("agent_code", opts.AgentCode); err != nil {
		return domain.Agent{}, err
	}
	a.Audit = domain.NewAudit(e.now(), opts.ActorID, opts.Partition)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	taken, err := e.Repo.AgentCodeTaken(ctx, tx, a.AgentCode, a.ID)
	if err != nil {
		return domain.Agent{}, err
	}
	if taken {
		return domain.Agent{}, fmt.Errorf("agent code %q: %w", a.AgentCode, repo.ErrDuplicateName)
	}
	if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "agent.registered", EntityKind: events.KindAgent, EntityID: a.ID.String(), ActorID: opts.ActorID, Partition: a.Partition},
		events.EventPayload{"agent_code": a.AgentCode, "agent_type": a.AgentType}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.forgetAgents()
	metrics.Mutation(events.KindAgent, "create")
	e.log().WithFields(logrus.Fields{"entity": events.KindAgent, "id": a.ID, "partition": a.Partition, "actor": opts.ActorID}).Debug("agent registered")
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, id, includeRemoved)
}

// AgentByCode resolves a live agent by its code. A cached copy is served only
// while the stored row still has the same id and stamp; the workspace may be
// written by other processes.
func (e Engine) AgentByCode(ctx context.Context, code string) (domain.Agent, error) {
	if e.agents != nil {
		if a, ok := e.agents.Get(code); ok {
			id, stamp, err := e.Repo.AgentCodeStamp(ctx, code)
			if err != nil {
				e.agents.Remove(code)
				return domain.Agent{}, err
			}
			if id == a.ID && stamp == a.ConcurrencyStamp {
				return a, nil
			}
			e.agents.Remove(code)
		}
	}
	a, err := e.Repo.GetAgentByCode(ctx, code)
	if err != nil {
		return domain.Agent{}, err
	}
	if e.agents != nil {
		e.agents.Add(code, a)
	}
	return a, nil
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, f)
}

func (e Engine) forgetAgents() {
	if e.agents != nil {
		e.agents.Purge()
	}
}

type AgentUpdateOptions struct {
	ID        uuid.UUID `validate:"required"`
	Stamp     string    `validate:"required"`
	AgentName *string
	AgentType *string
	AgentCode *string
	Partition *int
	ActorID   string `validate:"required"`
}

func (e Engine) UpdateAgent(ctx context.Context, opts AgentUpdateOptions) (a domain.Agent, err error) {
	ctx, span := e.span(ctx, "UpdateAgent", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindAgent, &err)
	if err := e.check(opts); err != nil {
		return domain.Agent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetAgentTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := presented(events.KindAgent, a.ID, opts.Stamp, a.ConcurrencyStamp); err != nil {
		return domain.Agent{}, err
	}
	if err := immutablePartition(opts.Partition, a.Partition); err != nil {
		return domain.Agent{}, err
	}
	changed := map[string]any{}
	if opts.AgentName != nil {
		if a.AgentName, err = trimmed("agent_name", *opts.AgentName); err != nil {
			return domain.Agent{}, err
		}
		changed["agent_name"] = a.AgentName
	}
	if opts.AgentType != nil {
		if a.AgentType, err = trimmed("agent_type", *opts.AgentType); err != nil {
			return domain.Agent{}, err
		}
		changed["agent_type"] = a.AgentType
	}
	if opts.AgentCode != nil {
		if a.AgentCode, err = trimmed("agent_code", *opts.AgentCode); err != nil {
			return domain.Agent{}, err
		}
		taken, err := e.Repo.AgentCodeTaken(ctx, tx, a.AgentCode, a.ID)
		if err != nil {
			return domain.Agent{}, err
		}
		if taken {
			return domain.Agent{}, fmt.Errorf("agent code %q: %w", a.AgentCode, repo.ErrDuplicateName)
		}
		changed["agent_code"] = a.AgentCode
	}
	a.Touch(e.now(), opts.ActorID)
	if err := e.Repo.UpdateAgentTx(ctx, tx, a, opts.Stamp); err != nil {
		return domain.Agent{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "agent.updated", EntityKind: events.KindAgent, EntityID: a.ID.String(), ActorID: opts.ActorID, Partition: a.Partition},
		events.EventPayload(changed)); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.forgetAgents()
	metrics.Mutation(events.KindAgent, "update")
	return a, nil
}

// RemoveAgent soft-deletes an agent. Its assignment rows stay but no longer resolve.
func (e Engine) RemoveAgent(ctx context.Context, opts DeleteOptions) (err error) {
	ctx, span := e.span(ctx, "RemoveAgent", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindAgent, &err)
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
	a, err := e.Repo.GetAgentTx(ctx, tx, opts.ID)
	if err != nil {
		return err
	}
	if err := e.Repo.SoftDeleteAgentTx(ctx, tx, a.ID, opts.Stamp, e.removal(opts.ActorID)); err != nil {
		return err
	}
	links, err := e.Repo.CountAssignmentsTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "agent.removed", EntityKind: events.KindAgent, EntityID: a.ID.String(), ActorID: opts.ActorID, Partition: a.Partition},
		events.EventPayload{"dangling_assignments": links}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.forgetAgents()
	metrics.Mutation(events.KindAgent, "remove")
	if links > 0 {
		e.log().WithFields(logrus.Fields{"entity": events.KindAgent, "id": a.ID, "assignments": links}).Info("removed agent still has assignment rows")
	}
	return nil
}

// DeleteAgent hard-deletes an agent, removed or not, along with its assignment rows.
func (e Engine) DeleteAgent(ctx context.Context, opts DeleteOptions) (err error) {
	ctx, span := e.span(ctx, "DeleteAgent", attribute.String("id", opts.ID.String()))
	defer finish(span, events.KindAgent, &err)
	if err := e.check(opts); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentAnyTx(ctx, tx, opts.ID)
	if err != nil {
		return err
	}
	if opts.Stamp != "" {
		if err := presented(events.KindAgent, a.ID, opts.Stamp, a.ConcurrencyStamp); err != nil {
			return err
		}
	}
	if err := e.Repo.HardDeleteAgentTx(ctx, tx, a.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: agent %s: %v", repo.ErrCascadeIncomplete, a.ID, err)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{Type: "agent.deleted", EntityKind: events.KindAgent, EntityID: a.ID.String(), ActorID: opts.ActorID, Partition: a.Partition},
		events.EventPayload{"agent_code": a.AgentCode}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.forgetAgents()
	metrics.Mutation(events.KindAgent, "delete")
	e.log().WithFields(logrus.Fields{"entity": events.KindAgent, "id": a.ID, "actor": opts.ActorID}).Info("agent deleted")
	return nil
}
