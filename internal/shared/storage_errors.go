// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// ErrVersionConflict is returned by a store when an optimistic write lost a
// race with a concurrent writer of the same record.
var ErrVersionConflict = errors.New("version conflict")

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsPostgresConflictError reports serialization failures and deadlocks,
// which Postgres expects the client to retry.
func IsPostgresConflictError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// IsRetryableConflict reports any storage error that a fresh
// read-modify-write attempt may succeed past.
func IsRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrVersionConflict) || IsSQLiteConflictError(err) || IsPostgresConflictError(err)
}
