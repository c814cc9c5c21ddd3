package domain

import (
	"errors"
	"fmt"
)

// Error codes reported to clients. Every rejected request maps to exactly
// one of these.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalidInput = "invalid_input"
	CodeRateLimited  = "rate_limited"
	CodeTransient    = "transient"
)

// Error is a typed error carrying a machine-readable code alongside the
// human-readable message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrAlreadyStarted)
// works on both the sentinel and wrapped copies of it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

var (
	// ErrUnauthorized is returned when a credential is missing or invalid.
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "invalid or missing token"}
	// ErrForbidden is returned when an authenticated caller lacks permission.
	ErrForbidden = &Error{Code: CodeForbidden, Message: "operation not permitted"}

	// ErrSessionNotFound indicates no session exists for the given key.
	ErrSessionNotFound = &Error{Code: CodeNotFound, Message: "online test session not found"}
	// ErrTestNotFound indicates the test content could not be loaded.
	ErrTestNotFound = &Error{Code: CodeNotFound, Message: "test not found"}
	// ErrQuestionNotFound indicates a submitted question path is invalid.
	ErrQuestionNotFound = &Error{Code: CodeNotFound, Message: "question not found"}
	// ErrParticipantNotFound indicates the caller never joined the session.
	ErrParticipantNotFound = &Error{Code: CodeNotFound, Message: "participant not found in session"}
	// ErrInvalidCode indicates the join code does not resolve to a session.
	ErrInvalidCode = &Error{Code: CodeNotFound, Message: "invalid join code"}

	// ErrSessionExists indicates a non-terminal session already exists for the test.
	ErrSessionExists = &Error{Code: CodeConflict, Message: "an active session already exists for this test"}
	// ErrAlreadyStarted rejects joins and re-starts once the clock is running.
	ErrAlreadyStarted = &Error{Code: CodeConflict, Message: "session already started"}
	// ErrAlreadyFinished rejects any mutation of a terminal session.
	ErrAlreadyFinished = &Error{Code: CodeConflict, Message: "session already finished"}
	// ErrSessionNotActive rejects answers before start or after finish.
	ErrSessionNotActive = &Error{Code: CodeConflict, Message: "session is not active"}

	// ErrNoValidParticipants rejects a start with no fully named participants.
	ErrNoValidParticipants = &Error{Code: CodeInvalidInput, Message: "no valid participants"}
	// ErrInvalidDuration rejects a non-positive or excessive duration.
	ErrInvalidDuration = &Error{Code: CodeInvalidInput, Message: "duration must be between 1 and 180 minutes"}
	// ErrInvalidName rejects empty first or last names.
	ErrInvalidName = &Error{Code: CodeInvalidInput, Message: "first and last name are required"}
	// ErrInvalidEmail rejects malformed email addresses.
	ErrInvalidEmail = &Error{Code: CodeInvalidInput, Message: "invalid email address"}
	// ErrInvalidAnswer rejects answer payloads missing identifying fields.
	ErrInvalidAnswer = &Error{Code: CodeInvalidInput, Message: "missing answer fields"}
	// ErrInsufficientCoins refuses session creation when the balance is short.
	ErrInsufficientCoins = &Error{Code: CodeForbidden, Message: "insufficient coins"}

	// ErrRateLimited is returned when a connection floods the gateway.
	ErrRateLimited = &Error{Code: CodeRateLimited, Message: "too many messages"}
)

// TransientError wraps a store or network failure. The cause stays in the
// chain for logs; clients only ever see the generic code and message.
func TransientError(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, &Error{Code: CodeTransient, Message: "temporary failure, try again"}, cause)
}

// CodeOf extracts the error code, defaulting to transient for untyped errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeTransient
}

// MessageOf extracts the client-safe message, hiding untyped error internals.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "temporary failure, try again"
}
