// Package repository provides data access layer implementations.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors for repository operations. Every store implementation
// returns these so the service layer can map them without knowing the backend.
var (
	// ErrNoEligibleToken means the user holds no unconsumed token.
	ErrNoEligibleToken = errors.New("no unconsumed eligibility token")

	// ErrDailyLimitReached means a token was already consumed in the day window.
	ErrDailyLimitReached = errors.New("daily spin limit reached")

	// ErrConflict means a concurrent transaction touched the same rows.
	// The operation was not applied and may be retried by the caller.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrInsufficientPoints means a conditional debit was not covered by the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrInvalidRule means a token names a rule the minter does not know.
	ErrInvalidRule = errors.New("unknown token rule")
)

// PostgreSQL error codes the stores translate.
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// pgCode returns the SQLSTATE of err, or "" if err is not a server error.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isConflict reports whether err is a transient concurrency failure.
func isConflict(err error) bool {
	switch pgCode(err) {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

// isUniqueViolation reports whether err violated the named unique index.
// An empty name matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
