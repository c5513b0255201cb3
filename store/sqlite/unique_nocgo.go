//go:build !cgo

package sqlite

import "strings"

// Without cgo go-sqlite3 registers a stub driver and exports no error type,
// so the constraint is recognised by SQLite's message prefix.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
