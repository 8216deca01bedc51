package core

// Error Codes Reference
//
// Every error shown to an operator (CLI output, HTTP JSON bodies) carries a
// stable code. Typed errors are matched first with errors.Is / errors.As;
// anything else falls through to case-insensitive message patterns.
//
// Pipeline errors:
//
//	STRUCT001 - Raw file does not match its munger (whole file rejected)
//	DICT001   - Jurisdiction dictionary maps one raw value to two names
//	CONS001   - More than one row for one natural key (store corruption)
//	CONS002   - Upsert key columns are not the table's natural key
//	REC001    - Granular vote types do not add up to the reported total
//	EXP001    - Exported results disagree with reference values
//
// File errors:
//
//	FILE001 - File exceeds the size limit
//	FILE002 - File is empty
//	FILE003 - File is not readable in the declared encoding
//	FILE004 - Local path is outside the data directory
//
// Database errors:
//
//	DB001 - Duplicate key
//	DB002 - Unique constraint
//	DB003 - Foreign key
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//
// Load errors:
//
//	LOAD001 - Too many concurrent loads
//	LOAD002 - Munger or jurisdiction unknown or misconfigured
//	LOAD003 - Data file, source file, election or contest not found
//
// ERR000 is the fallback; the original error is in the logs.

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/export"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/rollup"
	"github.com/JonMunkholm/cdf/internal/source"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// UserMessage is the operator-facing form of an error.
type UserMessage struct {
	Message string // what happened
	Action  string // what to do about it
	Code    string // stable reference code
}

var (
	msgStructural = UserMessage{
		Message: "The file does not match its munger",
		Action:  "Check the munger's header rows, separator and column roles against the file",
		Code:    "STRUCT001",
	}
	msgDictionary = UserMessage{
		Message: "The jurisdiction dictionary maps one raw value to two names",
		Action:  "Remove the conflicting dictionary rows",
		Code:    "DICT001",
	}
	msgConsistency = UserMessage{
		Message: "The store holds duplicate rows for one element",
		Action:  "Stop loading and repair the store before continuing",
		Code:    "CONS001",
	}
	msgConflictTarget = UserMessage{
		Message: "An element key does not match the table's unique constraint",
		Action:  "Re-apply the schema; this is a configuration error",
		Code:    "CONS002",
	}
	msgReconcile = UserMessage{
		Message: "Vote-type counts do not add up to the reported totals",
		Action:  "Review the reconciliation mismatches for this jurisdiction",
		Code:    "REC001",
	}
	msgExport = UserMessage{
		Message: "Results disagree with the reference values",
		Action:  "Review the listed discrepancies",
		Code:    "EXP001",
	}
	msgTooLarge = UserMessage{
		Message: "File exceeds the maximum size",
		Action:  "Raise LOAD_MAX_FILE_SIZE or split the file",
		Code:    "FILE001",
	}
	msgEmpty = UserMessage{
		Message: "The file is empty",
		Action:  "Check the source location",
		Code:    "FILE002",
	}
	msgOutsideRoot = UserMessage{
		Message: "The file is outside the data directory",
		Action:  "Place raw files under CDF_DATA_DIR and load them by relative path",
		Code:    "FILE004",
	}
	msgTooMany = UserMessage{
		Message: "The system is busy with other loads",
		Action:  "Please wait a moment and try again",
		Code:    "LOAD001",
	}
	msgNotConfigured = UserMessage{
		Message: "The munger or jurisdiction is unknown or misconfigured",
		Action:  "Check the names and the munger and jurisdiction directories",
		Code:    "LOAD002",
	}
	msgNotFound = UserMessage{
		Message: "The requested record was not found",
		Action:  "Check the id or name",
		Code:    "LOAD003",
	}
)

// typedErrors is checked in order before the message patterns.
var typedErrors = []struct {
	match func(error) bool
	msg   UserMessage
}{
	{func(err error) bool { return errors.Is(err, munger.ErrStructural) }, msgStructural},
	{func(err error) bool { var e *canon.ConflictError; return errors.As(err, &e) }, msgDictionary},
	{func(err error) bool { var e *upsert.ConsistencyError; return errors.As(err, &e) }, msgConsistency},
	{func(err error) bool { return errors.Is(err, upsert.ErrConflictTarget) }, msgConflictTarget},
	{func(err error) bool { var e *rollup.ReconciliationWarning; return errors.As(err, &e) }, msgReconcile},
	{func(err error) bool { var e *export.ExportMismatchError; return errors.As(err, &e) }, msgExport},
	{func(err error) bool { return errors.Is(err, source.ErrTooLarge) }, msgTooLarge},
	{func(err error) bool { return errors.Is(err, source.ErrEmpty) }, msgEmpty},
	{func(err error) bool { return errors.Is(err, source.ErrOutsideRoot) }, msgOutsideRoot},
	{func(err error) bool { return errors.Is(err, ErrTooManyLoads) }, msgTooMany},
	{func(err error) bool {
		return errors.Is(err, ErrUnknownMunger) || errors.Is(err, ErrUnknownJurisdiction) ||
			errors.Is(err, munger.ErrInvalidMunger) || errors.Is(err, ErrOutsideJurisdiction)
	}, msgNotConfigured},
	{func(err error) bool {
		return errors.Is(err, ErrDataFileNotFound) || errors.Is(err, rollup.ErrNotFound) ||
			errors.Is(err, upsert.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
	}, msgNotFound},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps lower-case message fragments to messages. The first
// match wins, so specific patterns come first.
var errorPatterns = []errorPattern{
	// Pipeline
	{pattern: "export mismatch", msg: msgExport},
	{pattern: "structural file error", msg: msgStructural},
	{pattern: "consistency error", msg: msgConsistency},

	// Files
	{pattern: "file too large", msg: msgTooLarge},
	{pattern: "empty file", msg: msgEmpty},
	{pattern: "encoding error", msg: UserMessage{
		Message: "The file is not readable in its declared encoding",
		Action:  "Fix the munger's encoding or re-export the file",
		Code:    "FILE003",
	}},

	// Database constraints
	{pattern: "duplicate key", msg: UserMessage{
		Message: "A record with this key already exists",
		Action:  "Reload with --force to replace the earlier load",
		Code:    "DB001",
	}},
	{pattern: "unique constraint", msg: UserMessage{
		Message: "This value must be unique but already exists",
		Action:  "Check the element definitions for duplicates",
		Code:    "DB002",
	}},
	{pattern: "violates unique", msg: UserMessage{
		Message: "A duplicate value was found",
		Action:  "Check the element definitions for duplicates",
		Code:    "DB002",
	}},
	{pattern: "foreign key", msg: UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Seed the jurisdiction before loading",
		Code:    "DB003",
	}},

	// Database connectivity
	{pattern: "connection refused", msg: UserMessage{
		Message: "Unable to connect to the database",
		Action:  "Please try again in a few moments",
		Code:    "DB004",
	}},
	{pattern: "connection reset", msg: UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB005",
	}},
	{pattern: "timeout", msg: UserMessage{
		Message: "Operation timed out",
		Action:  "Try again later or raise CDF_LOAD_TIMEOUT",
		Code:    "DB006",
	}},
	{pattern: "deadline exceeded", msg: UserMessage{
		Message: "Operation timed out",
		Action:  "Try again later or raise CDF_LOAD_TIMEOUT",
		Code:    "DB006",
	}},
	{pattern: "database is locked", msg: UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}},
	{pattern: "deadlock", msg: UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}},

	// Loads
	{pattern: "too many concurrent loads", msg: msgTooMany},
	{pattern: "unknown munger", msg: msgNotConfigured},
	{pattern: "unknown jurisdiction", msg: msgNotConfigured},
	{pattern: "not found", msg: msgNotFound},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for details",
	Code:    "ERR000",
}

// MapError converts an error to its operator-facing message. Unknown errors
// map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, te := range typedErrors {
		if te.match(err) {
			return te.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its operator-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string { return e.User.Message }

func (e *UserError) Unwrap() error { return e.Technical }

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
