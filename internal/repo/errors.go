package repo

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateName       = errors.New("duplicate name")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrForeignKeyViolation = errors.New("foreign key violation")
	ErrImmutableField      = errors.New("immutable field")
	ErrCascadeIncomplete   = errors.New("cascade delete incomplete")
)

// translate maps SQLite constraint failures onto the store's error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicateName, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %v", ErrForeignKeyViolation, err)
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "partition is immutable"):
		return fmt.Errorf("%w: partition: %v", ErrImmutableField, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicateName, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrForeignKeyViolation, err)
	}
	return err
}
