package storage

import (
	"errors"
	"fmt"
)

// Error kinds shared by every repository implementation. Callers match with
// errors.Is; the HTTP layer translates them to status codes.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness violation.
	ErrDuplicate = errors.New("duplicate")

	// ErrClient indicates the caller supplied invalid or conflicting input.
	ErrClient = errors.New("client error")

	// ErrService indicates an unexpected or transient server-side failure,
	// surfaced after any local retries are exhausted.
	ErrService = errors.New("service error")
)

// NotFoundf returns an ErrNotFound wrapped with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Duplicatef returns an ErrDuplicate wrapped with a formatted message.
func Duplicatef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrDuplicate)...)
}

// Clientf returns an ErrClient wrapped with a formatted message.
func Clientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrClient)...)
}

// Servicef returns an ErrService wrapped with a formatted message.
func Servicef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrService)...)
}

// ServiceWrap wraps cause as an ErrService, preserving the cause chain.
func ServiceWrap(cause error, msg string) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrService, cause)
}
