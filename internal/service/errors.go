// Package service provides business logic implementations.
package service

import "errors"

// Common errors for rewards operations.
var (
	ErrInvalidUser        = errors.New("user id is required")
	ErrInvalidDelta       = errors.New("ledger delta must be non-zero")
	ErrInvalidPoints      = errors.New("points must be positive")
	ErrInvalidDays        = errors.New("days must not be negative")
	ErrMissingReference   = errors.New("reference is required")
	ErrInsufficientPoints = errors.New("insufficient points")
)
