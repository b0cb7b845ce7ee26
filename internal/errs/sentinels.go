// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinels across repo/service layers.
var (
	// ErrInvalidArgument indicates malformed, missing or out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthenticated indicates a missing, malformed or badly signed credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTokenExpired indicates a well-formed session token past its expiry.
	// It also matches ErrUnauthenticated with errors.Is.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthenticated)

	// ErrForbidden indicates an authenticated caller that does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionRequired indicates a conditional write without the required precondition.
	ErrPreconditionRequired = errors.New("precondition required")

	// ErrPreconditionFailed indicates optimistic concurrency failure (fingerprint mismatch or existing slot).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrPayloadTooLarge indicates a snapshot over the configured size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnavailable indicates the storage backend could not serve the request.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)

// Unavailable wraps a backend failure so that it matches ErrUnavailable while
// keeping the cause for logs.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Reason returns the human-readable part of an error produced by wrapping a
// sentinel as "sentinel: reason", even when callers added their own prefix.
// It falls back to the sentinel text.
func Reason(err error, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return sentinel.Error()
}
