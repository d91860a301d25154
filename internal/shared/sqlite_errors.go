// Package shared provides helpers used by more than one storage backend.
package shared

import "strings"

// modernc.org/sqlite reports result codes only through the error text.
var sqliteConflictMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
	"database table is locked",
}

// IsSQLiteConflictError reports whether err is a transient lock conflict
// (SQLITE_BUSY or a locked database or table) that is worth retrying.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sqliteConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsSQLiteUniqueViolation reports whether err came from a UNIQUE constraint.
func IsSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
