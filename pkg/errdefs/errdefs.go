// Package errdefs defines the error classes shared by the control plane.
//
// Components wrap one of the sentinels with context using fmt.Errorf("%w: ...")
// and the transport edges (HTTP API, executor channel) classify with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown tasks, stages and executors
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for contract violations (missing executor
	// assignment, disallowed engine, malformed descriptor)
	ErrValidation = errors.New("validation failed")

	// ErrNotConnected is returned when an executor has no writable channel
	ErrNotConnected = errors.New("executor not connected")

	// ErrInternal signals a data-integrity problem such as a secret that
	// cannot be decrypted
	ErrInternal = errors.New("internal error")

	// ErrUnauthenticated is returned for unknown executor tokens
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConflict is returned when a callback is older than the stored state
	ErrConflict = errors.New("conflict")
)

// NotFound wraps ErrNotFound with a formatted message
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Validation wraps ErrValidation with a formatted message
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotConnected wraps ErrNotConnected with a formatted message
func NotConnected(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotConnected, fmt.Sprintf(format, args...))
}

// Internal wraps ErrInternal and the underlying cause
func Internal(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %v", ErrInternal, fmt.Sprintf(format, args...), cause)
}

// Conflict wraps ErrConflict with a formatted message
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is classified as not found
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is classified as a validation failure
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotConnected reports whether err is classified as a connectivity failure
func IsNotConnected(err error) bool { return errors.Is(err, ErrNotConnected) }

// Wire codes carried in channel acknowledgements
const (
	CodeOK              = "ok"
	CodeNotFound        = "not_found"
	CodeValidation      = "validation"
	CodeNotConnected    = "not_connected"
	CodeInternal        = "internal"
	CodeUnauthenticated = "unauthenticated"
	CodeConflict        = "conflict"
)

var codeSentinels = map[string]error{
	CodeNotFound:        ErrNotFound,
	CodeValidation:      ErrValidation,
	CodeNotConnected:    ErrNotConnected,
	CodeInternal:        ErrInternal,
	CodeUnauthenticated: ErrUnauthenticated,
	CodeConflict:        ErrConflict,
}

// Code returns the wire code of err. Unclassified errors are internal.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// FromCode rebuilds a classified error from a wire code and message
func FromCode(code, msg string) error {
	if code == CodeOK || code == "" {
		return nil
	}
	sentinel, ok := codeSentinels[code]
	if !ok {
		sentinel = ErrInternal
	}
	if msg == "" {
		return sentinel
	}
	if strings.HasPrefix(msg, sentinel.Error()) {
		return fmt.Errorf("%w%s", sentinel, strings.TrimPrefix(msg, sentinel.Error()))
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Retryable reports whether resending the same request can succeed. Contract
// violations, unknown ids, stale attempts and bad credentials are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict), errors.Is(err, ErrUnauthenticated):
		return false
	}
	return true
}
