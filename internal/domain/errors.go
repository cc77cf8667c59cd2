package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrValidation          = errors.New("validation failed")
	ErrAlreadyVoted        = errors.New("already voted on this market")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMarketClosed        = errors.New("market has ended")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")

	// ErrNoVote is returned when an update targets a vote that does not
	// exist. It matches ErrNotFound.
	ErrNoVote = fmt.Errorf("no existing vote: %w", ErrNotFound)
)

// ErrorKind classifies an error for callers that need to react to its
// category rather than its exact identity.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindValidation          ErrorKind = "validation"
	KindConflict            ErrorKind = "conflict"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindMarketClosed        ErrorKind = "market_closed"
	KindRateLimited         ErrorKind = "rate_limited"
	KindInternal            ErrorKind = "internal"
)

// KindOf maps err onto the error taxonomy. Anything unrecognised is
// internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAlreadyVoted), errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrMarketClosed):
		return KindMarketClosed
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// Invalid builds a validation error with the given message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
