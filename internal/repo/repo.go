package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Repo struct {
	DB *sql.DB
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// timestamps are stored fixed width so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ListFilter carries the options every list shares.
type ListFilter struct {
	Partition      *int
	IncludeRemoved bool
	Limit          int
	// keyset cursor, newest first
	CursorCreatedAt string
	CursorID        string
}

func (f ListFilter) clauses(clauses []string, args []any) ([]string, []any) {
	if !f.IncludeRemoved {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.Partition != nil {
		clauses = append(clauses, "partition_key=?")
		args = append(args, *f.Partition)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	return clauses, args
}

// listQuery assembles a newest-first keyset query over one table.
func listQuery(columns, table string, clauses []string, args []any, f ListFilter) (string, []any) {
	clauses, args = f.clauses(clauses, args)
	query := fmt.Sprintf("SELECT %s FROM %s", columns, table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

// updateStamped runs an optimistic update pinned on id and the stamp the caller read.
func updateStamped(ctx context.Context, q dbtx, table string, id uuid.UUID, stamp, set string, args ...any) error {
	args = append(args, id, stamp)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=? AND concurrency_stamp=? AND deleted_at IS NULL`, table, set), args...)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return missingOrStale(ctx, q, table, id)
}

func missingOrStale(ctx context.Context, q dbtx, table string, id uuid.UUID) error {
	var deleted sql.NullString
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT deleted_at FROM %s WHERE id=?`, table), id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if deleted.Valid {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrConcurrencyConflict)
}

// Removal is the audit data written by a soft delete.
type Removal struct {
	At       time.Time
	By       string
	NewStamp string
}

func softDelete(ctx context.Context, q dbtx, table string, id uuid.UUID, stamp string, rm Removal) error {
	ts := FormatTime(rm.At)
	return updateStamped(ctx, q, table, id, stamp,
		`deleted_at=?, remove_by=?, modify_by=?, updated_at=?, concurrency_stamp=?`,
		ts, rm.By, rm.By, ts, rm.NewStamp)
}

// softDeleteLive marks a row removed without a stamp check; rows already removed are left alone.
func softDeleteLive(ctx context.Context, q dbtx, table string, id uuid.UUID, rm Removal) (bool, error) {
	ts := FormatTime(rm.At)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at=?, remove_by=?, modify_by=?, updated_at=?, concurrency_stamp=? WHERE id=? AND deleted_at IS NULL`, table),
		ts, rm.By, rm.By, ts, rm.NewStamp, id)
	if err != nil {
		return false, translate(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func liveExists(ctx context.Context, q dbtx, table string, id uuid.UUID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=? AND deleted_at IS NULL`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func queryIDs(ctx context.Context, q dbtx, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deleteByID(ctx context.Context, q dbtx, table string, id uuid.UUID) (int64, error) {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), id)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}
