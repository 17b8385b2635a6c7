package journal

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

func isNoRowsErr(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	// Fallback for drivers that don't surface a typed error (e.g. when the
	// cgo sqlite3 driver is swapped for a pure-Go one).
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
