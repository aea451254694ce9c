package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

const unitColumns = `id,task_id,unit_name,normalized_unit_name,unit_code,design_code,task_unit_state,task_unit_mode,description,start_time,end_time,` + auditColumns

func scanUnit(row scanner) (domain.TaskUnit, error) {
	var u domain.TaskUnit
	var start, end sql.NullString
	ad := newAuditDest(&u.Audit)
	dest := append([]any{&u.ID, &u.TaskID, &u.UnitName, &u.NormalizedUnitName, &u.UnitCode, &u.DesignCode,
		&u.TaskUnitState, &u.TaskUnitMode, &u.Description, &start, &end}, ad.targets()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, err
	}
	var err error
	if u.StartTime, err = parseNullTime(start); err != nil {
		return u, err
	}
	if u.EndTime, err = parseNullTime(end); err != nil {
		return u, err
	}
	return u, ad.finish()
}

func (r Repo) InsertUnitTx(ctx context.Context, tx *sql.Tx, u domain.TaskUnit) error {
	args := append([]any{u.ID, u.TaskID, u.UnitName, u.NormalizedUnitName, u.UnitCode, u.DesignCode,
		u.TaskUnitState, u.TaskUnitMode, u.Description, nullTime(u.StartTime), nullTime(u.EndTime)}, auditArgs(u.Audit)...)
	_, err := tx.ExecContext(ctx, `INSERT INTO task_units(`+unitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return translate(err)
}

func getUnit(ctx context.Context, q dbtx, id uuid.UUID, includeRemoved bool) (domain.TaskUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM task_units WHERE id=?`
	if !includeRemoved {
		query += ` AND deleted_at IS NULL`
	}
	u, err := scanUnit(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return u, fmt.Errorf("task unit %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (r Repo) GetUnit(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.TaskUnit, error) {
	return getUnit(ctx, r.DB, id, includeRemoved)
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.TaskUnit, error) {
	return getUnit(ctx, tx, id, false)
}

// GetUnitAnyTx also returns soft-deleted rows.
func (r Repo) GetUnitAnyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.TaskUnit, error) {
	return getUnit(ctx, tx, id, true)
}

// UnitNameTaken checks name uniqueness within one task.
func (r Repo) UnitNameTaken(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, normalized string, exclude uuid.UUID) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_units WHERE task_id=? AND normalized_unit_name=? AND id<>? AND deleted_at IS NULL`,
		taskID, normalized, exclude).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type UnitFilters struct {
	ListFilter
	TaskID string
	State  string
	Mode   string
}

func (r Repo) ListUnits(ctx context.Context, f UnitFilters) ([]domain.TaskUnit, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.State != "" {
		clauses = append(clauses, "task_unit_state=?")
		args = append(args, f.State)
	}
	if f.Mode != "" {
		clauses = append(clauses, "task_unit_mode=?")
		args = append(args, f.Mode)
	}
	query, args := listQuery(unitColumns, "task_units", clauses, args, f.ListFilter)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UnitStatesTx returns the states of a task's live units in creation order.
func (r Repo) UnitStatesTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) ([]domain.TaskUnitState, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_unit_state FROM task_units WHERE task_id=? AND deleted_at IS NULL ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskUnitState
	for rows.Next() {
		var s domain.TaskUnitState
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUnitTx(ctx context.Context, tx *sql.Tx, u domain.TaskUnit, stamp string) error {
	return updateStamped(ctx, tx, "task_units", u.ID, stamp,
		`unit_name=?, normalized_unit_name=?, unit_code=?, design_code=?, task_unit_state=?, task_unit_mode=?, description=?, start_time=?, end_time=?, updated_at=?, modify_by=?, concurrency_stamp=?, partition_key=?`,
		u.UnitName, u.NormalizedUnitName, u.UnitCode, u.DesignCode, u.TaskUnitState, u.TaskUnitMode, u.Description,
		nullTime(u.StartTime), nullTime(u.EndTime), FormatTime(u.UpdatedAt), u.ModifyBy, u.ConcurrencyStamp, u.Partition)
}

func (r Repo) SoftDeleteUnitTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, stamp string, rm Removal) error {
	return softDelete(ctx, tx, "task_units", id, stamp, rm)
}
