// Package errs defines the error taxonomy shared by the memory engine.
//
// Callers match with errors.As or the Is* helpers; every type unwraps cleanly so
// fmt.Errorf("...: %w", err) chains keep their classification.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed configuration or arguments.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IntegrityError reports a broken or forked audit chain. It is fatal for the session.
type IntegrityError struct {
	SessionID string
	Step      int
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: session %s step %d: %s", e.SessionID, e.Step, e.Reason)
}

// NotFoundError reports an absent memory or record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// UpstreamError reports a failing collaborator (embedding, index, language model)
// after retries were exhausted.
type UpstreamError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("upstream %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func Integrity(sessionID string, step int, format string, args ...any) error {
	return &IntegrityError{SessionID: sessionID, Step: step, Reason: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Upstream(op string, attempts int, err error) error {
	return &UpstreamError{Op: op, Attempts: attempts, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsUpstream(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}
