package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/docpress/docpress/errors"
)

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. The job store relies on this to collapse duplicate creations
// under the same idempotency key.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	// Fallback for errors that lost their driver type through wrapping
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
