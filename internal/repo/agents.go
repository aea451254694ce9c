package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

const auditColumns = `created_at,updated_at,deleted_at,create_by,modify_by,remove_by,concurrency_stamp,partition_key`

const agentColumns = `id,agent_name,agent_type,agent_code,` + auditColumns

// auditDest collects the raw audit columns of one row.
type auditDest struct {
	createdAt, updatedAt string
	deletedAt, removeBy  sql.NullString
	a                    *domain.Audit
}

func newAuditDest(a *domain.Audit) *auditDest { return &auditDest{a: a} }

func (d *auditDest) targets() []any {
	return []any{&d.createdAt, &d.updatedAt, &d.deletedAt, &d.a.CreateBy, &d.a.ModifyBy, &d.removeBy, &d.a.ConcurrencyStamp, &d.a.Partition}
}

func (d *auditDest) finish() error {
	var err error
	if d.a.CreatedAt, err = parseTime(d.createdAt); err != nil {
		return err
	}
	if d.a.UpdatedAt, err = parseTime(d.updatedAt); err != nil {
		return err
	}
	if d.a.DeletedAt, err = parseNullTime(d.deletedAt); err != nil {
		return err
	}
	if d.removeBy.Valid {
		d.a.RemoveBy = &d.removeBy.String
	}
	return nil
}

func auditArgs(a domain.Audit) []any {
	return []any{FormatTime(a.CreatedAt), FormatTime(a.UpdatedAt), nullTime(a.DeletedAt), a.CreateBy, a.ModifyBy, nullableStringPtr(a.RemoveBy), a.ConcurrencyStamp, a.Partition}
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	ad := newAuditDest(&a.Audit)
	dest := append([]any{&a.ID, &a.AgentName, &a.AgentType, &a.AgentCode}, ad.targets()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	return a, ad.finish()
}

func insertAgent(ctx context.Context, q dbtx, a domain.Agent) error {
	args := append([]any{a.ID, a.AgentName, a.AgentType, a.AgentCode}, auditArgs(a.Audit)...)
	_, err := q.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return translate(err)
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	return insertAgent(ctx, tx, a)
}

func getAgent(ctx context.Context, q dbtx, id uuid.UUID, includeRemoved bool) (domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=?`
	if !includeRemoved {
		query += ` AND deleted_at IS NULL`
	}
	a, err := scanAgent(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.Agent, error) {
	return getAgent(ctx, r.DB, id, includeRemoved)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Agent, error) {
	return getAgent(ctx, tx, id, false)
}

// GetAgentAnyTx also returns soft-deleted rows.
func (r Repo) GetAgentAnyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Agent, error) {
	return getAgent(ctx, tx, id, true)
}

// GetAgentByCode returns the live agent holding code.
func (r Repo) GetAgentByCode(ctx context.Context, code string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_code=? AND deleted_at IS NULL`, code))
	if errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("agent code %q: %w", code, ErrNotFound)
	}
	return a, err
}

// AgentCodeStamp returns the stamp of the live agent holding code, so a
// cached copy can be checked against writes made by other processes.
func (r Repo) AgentCodeStamp(ctx context.Context, code string) (uuid.UUID, string, error) {
	var id, stamp string
	err := r.DB.QueryRowContext(ctx, `SELECT id, concurrency_stamp FROM agents WHERE agent_code=? AND deleted_at IS NULL`, code).Scan(&id, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, "", fmt.Errorf("agent code %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, "", err
	}
	parsed, err := uuid.Parse(id)
	return parsed, stamp, err
}

// AgentCodeTaken reports whether a live agent other than exclude holds code.
func (r Repo) AgentCodeTaken(ctx context.Context, tx *sql.Tx, code string, exclude uuid.UUID) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE agent_code=? AND id<>? AND deleted_at IS NULL`, code, exclude).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type AgentFilters struct {
	ListFilter
	AgentType string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type=?")
		args = append(args, f.AgentType)
	}
	query, args := listQuery(agentColumns, "agents", clauses, args, f.ListFilter)
	return collectAgents(ctx, r.DB, query, args...)
}

func collectAgents(ctx context.Context, q dbtx, query string, args ...any) ([]domain.Agent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgentTx writes a's mutable columns if the row still carries stamp.
func (r Repo) UpdateAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent, stamp string) error {
	return updateStamped(ctx, tx, "agents", a.ID, stamp,
		`agent_name=?, agent_type=?, agent_code=?, updated_at=?, modify_by=?, concurrency_stamp=?`,
		a.AgentName, a.AgentType, a.AgentCode, FormatTime(a.UpdatedAt), a.ModifyBy, a.ConcurrencyStamp)
}

func (r Repo) SoftDeleteAgentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, stamp string, rm Removal) error {
	return softDelete(ctx, tx, "agents", id, stamp, rm)
}

// HardDeleteAgentTx removes the agent and every assignment row naming it.
func (r Repo) HardDeleteAgentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_unit_agents WHERE agent_id=?`, id); err != nil {
		return translate(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_agents WHERE agent_id=?`, id); err != nil {
		return translate(err)
	}
	n, err := deleteByID(ctx, tx, "agents", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}
