package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

// AssignTaskAgentTx links an agent to a task. Both sides must be live; repeating is a no-op.
func (r Repo) AssignTaskAgentTx(ctx context.Context, tx *sql.Tx, taskID, agentID uuid.UUID, at time.Time, actorID string) (bool, error) {
	if err := requireLive(ctx, tx, "tasks", taskID); err != nil {
		return false, err
	}
	if err := requireLive(ctx, tx, "agents", agentID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO task_agents(task_id,agent_id,created_at,create_by) VALUES (?,?,?,?) ON CONFLICT(task_id,agent_id) DO NOTHING`,
		taskID, agentID, FormatTime(at), actorID)
	if err != nil {
		return false, translate(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) UnassignTaskAgentTx(ctx context.Context, tx *sql.Tx, taskID, agentID uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_agents WHERE task_id=? AND agent_id=?`, taskID, agentID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s agent %s: %w", taskID, agentID, ErrNotFound)
	}
	return nil
}

func (r Repo) AssignUnitAgentTx(ctx context.Context, tx *sql.Tx, unitID, agentID uuid.UUID, at time.Time, actorID string) (bool, error) {
	if err := requireLive(ctx, tx, "task_units", unitID); err != nil {
		return false, err
	}
	if err := requireLive(ctx, tx, "agents", agentID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO task_unit_agents(task_unit_id,agent_id,created_at,create_by) VALUES (?,?,?,?) ON CONFLICT(task_unit_id,agent_id) DO NOTHING`,
		unitID, agentID, FormatTime(at), actorID)
	if err != nil {
		return false, translate(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) UnassignUnitAgentTx(ctx context.Context, tx *sql.Tx, unitID, agentID uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_unit_agents WHERE task_unit_id=? AND agent_id=?`, unitID, agentID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task unit %s agent %s: %w", unitID, agentID, ErrNotFound)
	}
	return nil
}

// requireLive fails with ErrForeignKeyViolation when the referenced row is missing or removed.
func requireLive(ctx context.Context, q dbtx, table string, id uuid.UUID) error {
	ok, err := liveExists(ctx, q, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s missing or removed: %w", table, id, ErrForeignKeyViolation)
	}
	return nil
}

// RequireLiveTx exposes the reference check to callers creating child rows.
func (r Repo) RequireLiveTx(ctx context.Context, tx *sql.Tx, table string, id uuid.UUID) error {
	return requireLive(ctx, tx, table, id)
}

const liveAgentJoin = `SELECT ` + agentColumnsQualified + ` FROM agents a JOIN %s j ON j.agent_id=a.id WHERE j.%s=?`

const agentColumnsQualified = `a.id,a.agent_name,a.agent_type,a.agent_code,a.created_at,a.updated_at,a.deleted_at,a.create_by,a.modify_by,a.remove_by,a.concurrency_stamp,a.partition_key`

func (r Repo) listJoinedAgents(ctx context.Context, q dbtx, join, key string, id uuid.UUID, includeRemoved bool) ([]domain.Agent, error) {
	query := fmt.Sprintf(liveAgentJoin, join, key)
	if !includeRemoved {
		query += ` AND a.deleted_at IS NULL`
	}
	query += ` ORDER BY a.created_at, a.id`
	return collectAgents(ctx, q, query, id)
}

func (r Repo) ListTaskAgents(ctx context.Context, taskID uuid.UUID, includeRemoved bool) ([]domain.Agent, error) {
	return r.listJoinedAgents(ctx, r.DB, "task_agents", "task_id", taskID, includeRemoved)
}

func (r Repo) ListUnitAgents(ctx context.Context, unitID uuid.UUID, includeRemoved bool) ([]domain.Agent, error) {
	return r.listJoinedAgents(ctx, r.DB, "task_unit_agents", "task_unit_id", unitID, includeRemoved)
}

func (r Repo) ListTaskAgentsTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) ([]domain.Agent, error) {
	return r.listJoinedAgents(ctx, tx, "task_agents", "task_id", taskID, false)
}

func (r Repo) ListUnitAgentsTx(ctx context.Context, tx *sql.Tx, unitID uuid.UUID) ([]domain.Agent, error) {
	return r.listJoinedAgents(ctx, tx, "task_unit_agents", "task_unit_id", unitID, false)
}

// CountAssignmentsTx reports how many link rows name the agent.
func (r Repo) CountAssignmentsTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM task_agents WHERE agent_id=?) + (SELECT COUNT(*) FROM task_unit_agents WHERE agent_id=?)`,
		agentID, agentID).Scan(&n)
	return n, err
}
