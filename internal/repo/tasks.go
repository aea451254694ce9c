package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

const taskColumns = `id,parent_id,task_name,normalized_task_name,task_code,design_code,task_ship,task_mode,task_state,description,start_time,end_time,` + auditColumns

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var parentID uuid.NullUUID
	var start string
	var end sql.NullString
	ad := newAuditDest(&t.Audit)
	dest := append([]any{&t.ID, &parentID, &t.TaskName, &t.NormalizedTaskName, &t.TaskCode, &t.DesignCode,
		&t.TaskShip, &t.TaskMode, &t.TaskState, &t.Description, &start, &end}, ad.targets()...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	if parentID.Valid {
		p := parentID.UUID
		t.ParentID = &p
	}
	var err error
	if t.StartTime, err = parseTime(start); err != nil {
		return t, err
	}
	if t.EndTime, err = parseNullTime(end); err != nil {
		return t, err
	}
	return t, ad.finish()
}

func parentArg(p *uuid.UUID) any {
	if p == nil {
		return nil
	}
	return *p
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args := append([]any{t.ID, parentArg(t.ParentID), t.TaskName, t.NormalizedTaskName, t.TaskCode, t.DesignCode,
		t.TaskShip, t.TaskMode, t.TaskState, t.Description, FormatTime(t.StartTime), nullTime(t.EndTime)}, auditArgs(t.Audit)...)
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return translate(err)
}

func getTask(ctx context.Context, q dbtx, id uuid.UUID, includeRemoved bool) (domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id=?`
	if !includeRemoved {
		query += ` AND deleted_at IS NULL`
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id uuid.UUID, includeRemoved bool) (domain.Task, error) {
	return getTask(ctx, r.DB, id, includeRemoved)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Task, error) {
	return getTask(ctx, tx, id, false)
}

// GetTaskAnyTx also returns soft-deleted rows.
func (r Repo) GetTaskAnyTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Task, error) {
	return getTask(ctx, tx, id, true)
}

// TaskNameTaken reports whether a live task other than exclude already uses the normalized name.
func (r Repo) TaskNameTaken(ctx context.Context, tx *sql.Tx, normalized string, exclude uuid.UUID) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE normalized_task_name=? AND id<>? AND deleted_at IS NULL`, normalized, exclude).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type TaskFilters struct {
	ListFilter
	State    string
	Mode     string
	Ship     string
	ParentID string
	// RootsOnly keeps tasks without a parent.
	RootsOnly bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "task_state=?")
		args = append(args, f.State)
	}
	if f.Mode != "" {
		clauses = append(clauses, "task_mode=?")
		args = append(args, f.Mode)
	}
	if f.Ship != "" {
		clauses = append(clauses, "task_ship=?")
		args = append(args, f.Ship)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.RootsOnly {
		clauses = append(clauses, "parent_id IS NULL")
	}
	query, args := listQuery(taskColumns, "tasks", clauses, args, f.ListFilter)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskTx writes t's mutable columns if the row still carries stamp.
// partition_key is written back unchanged so the store trigger can refuse a change.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, stamp string) error {
	return updateStamped(ctx, tx, "tasks", t.ID, stamp,
		`parent_id=?, task_name=?, normalized_task_name=?, task_code=?, design_code=?, task_ship=?, task_mode=?, task_state=?, description=?, start_time=?, end_time=?, updated_at=?, modify_by=?, concurrency_stamp=?, partition_key=?`,
		parentArg(t.ParentID), t.TaskName, t.NormalizedTaskName, t.TaskCode, t.DesignCode, t.TaskShip, t.TaskMode, t.TaskState,
		t.Description, FormatTime(t.StartTime), nullTime(t.EndTime), FormatTime(t.UpdatedAt), t.ModifyBy, t.ConcurrencyStamp, t.Partition)
}

func (r Repo) SoftDeleteTaskTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, stamp string, rm Removal) error {
	return softDelete(ctx, tx, "tasks", id, stamp, rm)
}

// ParentChain walks ParentID links upward from id, nearest first.
func (r Repo) ParentChain(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]uuid.UUID, error) {
	var chain []uuid.UUID
	seen := map[uuid.UUID]bool{}
	cur := id
	for {
		var parent uuid.NullUUID
		err := tx.QueryRowContext(ctx, `SELECT parent_id FROM tasks WHERE id=?`, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !parent.Valid) {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		if seen[parent.UUID] {
			return chain, domain.ErrCycle
		}
		seen[parent.UUID] = true
		chain = append(chain, parent.UUID)
		cur = parent.UUID
	}
}

// SoftDeletedBefore lists tasks removed before cutoff, oldest first.
func (r Repo) SoftDeletedBefore(ctx context.Context, cutoff string, limit int) ([]uuid.UUID, error) {
	return queryIDs(ctx, r.DB, `SELECT id FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ? ORDER BY deleted_at ASC LIMIT ?`, cutoff, limit)
}

// CountTasksByState groups live tasks by state.
func (r Repo) CountTasksByState(ctx context.Context, partition *int) (map[string]int, error) {
	query := `SELECT task_state, COUNT(*) FROM tasks WHERE deleted_at IS NULL`
	var args []any
	if partition != nil {
		query += ` AND partition_key=?`
		args = append(args, *partition)
	}
	query += ` GROUP BY task_state`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}
