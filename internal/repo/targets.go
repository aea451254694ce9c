package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

const targetColumns = `id,task_unit_id,target_name,target_code,design_code,target_type,target_ref,target_state,task_status,description,execute_time,` + auditColumns

func scanTarget(row scanner) (domain.TaskTarget, error) {
	var t domain.TaskTarget
	var exec sql.NullString
	ad := newAuditDest(&t.Audit)
	dest := append([]any{&t.ID, &t.TaskUnitID, &t.TargetName, &t.TargetCode, &t.DesignCode, &t.TargetType, &t.TargetID,
		&t.TargetState, &t.TaskStatus, &t.Description, &exec}, ad.targets()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.ExecuteTime, err = parseNullTime(exec); err != nil {
		return t, err
	}
	return t, ad.finish()
}

func (r Repo) InsertTargetTx(ctx context.Context, tx *sql.Tx, t domain.TaskTarget) error {
	args := append([]any{t.ID, t.TaskUnitID, t.TargetName, t.TargetCode, t.DesignCode, t.TargetType, t.TargetID,
		t.TargetState, t.TaskStatus, t.Description, nullTime(t.ExecuteTime)}, auditArgs(t.Audit)...)
	_, err := tx.ExecContext(ctx, `INSERT INTO task_targets(`+targetColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return translate(err)
}

func getTarget(ctx context.Context, q dbtx, id uuid.UUID, includeRemoved bool) (domain.TaskTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM task_targets WHERE id=?`
	if !includeRemoved {
		query += ` AND deleted_at IS NULL`
	}
	t, err := scanTarget(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return t, fmt.Errorf("task target %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r Repo) GetTarget(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.TaskTarget, error) {
	return getTarget(ctx, r.DB, id, includeRemoved)
}

func (r Repo) GetTargetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.TaskTarget, error) {
	return getTarget(ctx, tx, id, false)
}

// GetTargetAnyTx also returns soft-deleted rows.
func (r Repo) GetTargetAnyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.TaskTarget, error) {
	return getTarget(ctx, tx, id, true)
}

type TargetFilters struct {
	ListFilter
	UnitID     string
	State      string
	TargetType string
}

func (r Repo) ListTargets(ctx context.Context, f TargetFilters) ([]domain.TaskTarget, error) {
	var clauses []string
	var args []any
	if f.UnitID != "" {
		clauses = append(clauses, "task_unit_id=?")
		args = append(args, f.UnitID)
	}
	if f.State != "" {
		clauses = append(clauses, "target_state=?")
		args = append(args, f.State)
	}
	if f.TargetType != "" {
		clauses = append(clauses, "target_type=?")
		args = append(args, f.TargetType)
	}
	query, args := listQuery(targetColumns, "task_targets", clauses, args, f.ListFilter)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TargetStatesTx returns the states of a unit's live targets.
func (r Repo) TargetStatesTx(ctx context.Context, tx *sql.Tx, unitID uuid.UUID) ([]domain.TargetState, error) {
	rows, err := tx.QueryContext(ctx, `SELECT target_state FROM task_targets WHERE task_unit_id=? AND deleted_at IS NULL ORDER BY created_at, id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TargetState
	for rows.Next() {
		var s domain.TargetState
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTargetTx(ctx context.Context, tx *sql.Tx, t domain.TaskTarget, stamp string) error {
	return updateStamped(ctx, tx, "task_targets", t.ID, stamp,
		`target_name=?, target_code=?, design_code=?, target_type=?, target_ref=?, target_state=?, task_status=?, description=?, execute_time=?, updated_at=?, modify_by=?, concurrency_stamp=?, partition_key=?`,
		t.TargetName, t.TargetCode, t.DesignCode, t.TargetType, t.TargetID, t.TargetState, t.TaskStatus, t.Description,
		nullTime(t.ExecuteTime), FormatTime(t.UpdatedAt), t.ModifyBy, t.ConcurrencyStamp, t.Partition)
}

func (r Repo) SoftDeleteTargetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, stamp string, rm Removal) error {
	return softDelete(ctx, tx, "task_targets", id, stamp, rm)
}

func (r Repo) HardDeleteTargetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	n, err := deleteByID(ctx, tx, "task_targets", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task target %s: %w", id, ErrNotFound)
	}
	return nil
}
