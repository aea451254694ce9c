package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
)

// DeleteCounts reports how many rows a subtree removal touched.
type DeleteCounts struct {
	Tasks      int `json:"tasks"`
	Units      int `json:"units"`
	Targets    int `json:"targets"`
	Assignment int `json:"assignments"`
}

// LoadTaskSubtreeTx indexes every row below taskID, removed rows included.
func (r Repo) LoadTaskSubtreeTx(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) (domain.Subtree, error) {
	st := domain.NewSubtree()
	tasks := domain.Adjacency{}
	queue := []uuid.UUID{taskID}
	seen := map[uuid.UUID]bool{taskID: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := queryIDs(ctx, tx, `SELECT id FROM tasks WHERE parent_id=? ORDER BY created_at, id`, cur)
		if err != nil {
			return st, err
		}
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			tasks.Add(cur, c)
			queue = append(queue, c)
		}
	}
	st.Tasks = tasks.PostOrder(taskID)
	for _, t := range st.Tasks {
		units, err := queryIDs(ctx, tx, `SELECT id FROM task_units WHERE task_id=? ORDER BY created_at, id`, t)
		if err != nil {
			return st, err
		}
		for _, u := range units {
			st.Units.Add(t, u)
			if err := r.loadTargets(ctx, tx, st, u); err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

// LoadUnitSubtreeTx indexes one unit and its targets.
func (r Repo) LoadUnitSubtreeTx(ctx context.Context, tx *sql.Tx, unit domain.TaskUnit) (domain.Subtree, error) {
	st := domain.NewSubtree()
	st.Units.Add(unit.TaskID, unit.ID)
	return st, r.loadTargets(ctx, tx, st, unit.ID)
}

func (r Repo) loadTargets(ctx context.Context, tx *sql.Tx, st domain.Subtree, unitID uuid.UUID) error {
	targets, err := queryIDs(ctx, tx, `SELECT id FROM task_targets WHERE task_unit_id=? ORDER BY created_at, id`, unitID)
	if err != nil {
		return err
	}
	for _, t := range targets {
		st.Targets.Add(unitID, t)
	}
	return nil
}

// HardDeleteTaskSubtreeTx removes a loaded task subtree children first:
// targets, unit assignments, units, task assignments, tasks.
func (r Repo) HardDeleteTaskSubtreeTx(ctx context.Context, tx *sql.Tx, st domain.Subtree) (DeleteCounts, error) {
	var c DeleteCounts
	units := st.UnitIDs()
	if err := r.deleteUnits(ctx, tx, st, units, &c); err != nil {
		return c, err
	}
	for _, id := range st.Tasks {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_agents WHERE task_id=?`, id)
		if err != nil {
			return c, fmt.Errorf("task %s assignments: %w", id, translate(err))
		}
		n, _ := res.RowsAffected()
		c.Assignment += int(n)
	}
	for _, id := range st.Tasks {
		n, err := deleteByID(ctx, tx, "tasks", id)
		if err != nil {
			return c, fmt.Errorf("task %s: %w", id, err)
		}
		c.Tasks += int(n)
	}
	return c, nil
}

// HardDeleteUnitSubtreeTx removes one unit with its targets and assignment rows.
func (r Repo) HardDeleteUnitSubtreeTx(ctx context.Context, tx *sql.Tx, st domain.Subtree) (DeleteCounts, error) {
	var c DeleteCounts
	err := r.deleteUnits(ctx, tx, st, st.UnitIDs(), &c)
	return c, err
}

func (r Repo) deleteUnits(ctx context.Context, tx *sql.Tx, st domain.Subtree, units []uuid.UUID, c *DeleteCounts) error {
	for _, u := range units {
		for _, t := range st.Targets[u] {
			n, err := deleteByID(ctx, tx, "task_targets", t)
			if err != nil {
				return fmt.Errorf("task target %s: %w", t, err)
			}
			c.Targets += int(n)
		}
	}
	for _, u := range units {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_unit_agents WHERE task_unit_id=?`, u)
		if err != nil {
			return fmt.Errorf("task unit %s assignments: %w", u, translate(err))
		}
		n, _ := res.RowsAffected()
		c.Assignment += int(n)
	}
	for _, u := range units {
		n, err := deleteByID(ctx, tx, "task_units", u)
		if err != nil {
			return fmt.Errorf("task unit %s: %w", u, err)
		}
		c.Units += int(n)
	}
	return nil
}

// SoftDeleteSubtreeTx marks every live descendant removed. The roots themselves
// (st.Tasks' last entry, or the single unit of a unit subtree) are skipped; the
// caller removes them with a stamp check.
func (r Repo) SoftDeleteSubtreeTx(ctx context.Context, tx *sql.Tx, st domain.Subtree, skip uuid.UUID, rm Removal) (DeleteCounts, error) {
	var c DeleteCounts
	mark := func(table string, id uuid.UUID, counter *int) error {
		if id == skip {
			return nil
		}
		row := rm
		row.NewStamp = domain.NewStamp()
		ok, err := softDeleteLive(ctx, tx, table, id, row)
		if err != nil {
			return err
		}
		if ok {
			*counter++
		}
		return nil
	}
	for _, u := range st.UnitIDs() {
		for _, t := range st.Targets[u] {
			if err := mark("task_targets", t, &c.Targets); err != nil {
				return c, err
			}
		}
		if err := mark("task_units", u, &c.Units); err != nil {
			return c, err
		}
	}
	for _, t := range st.Tasks {
		if err := mark("tasks", t, &c.Tasks); err != nil {
			return c, err
		}
	}
	return c, nil
}
