package store

import (
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// IsConflictTargetMismatch reports whether err says the ON CONFLICT column
// list matches no unique constraint on the table.
func IsConflictTargetMismatch(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == pgInvalidColumnRef {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "on conflict clause does not match") ||
		strings.Contains(msg, "no unique or exclusion constraint matching the on conflict")
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == pgUniqueViolation {
		return true
	}
	if sqliteCode(err)&0xff == sqlite3.SQLITE_CONSTRAINT {
		return strings.Contains(err.Error(), "UNIQUE")
	}
	return false
}

// IsRetryable reports whether the operation may succeed if repeated:
// serialization failures, deadlocks and SQLite busy errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return isSQLiteBusy(err)
}
