// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
	KindTerminal   Kind = "terminal"
	KindFatal      Kind = "fatal"
)

// Error is the single error type carried through the core.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed configuration (rule, audience, drip).
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(entity string, id any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s with ID %v not found", entity, id)}
}

// NewCampaignNotFound is kept for the campaign repository call sites.
func NewCampaignNotFound(id int64) error {
	return NotFound("campaign", id)
}

// Transient wraps an error that is worth redelivering.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Terminal wraps an error that must not be retried.
func Terminal(op string, err error) error {
	return &Error{Kind: KindTerminal, Op: op, Err: err}
}

// Fatal reports a violated internal invariant.
func Fatal(op, format string, args ...any) error {
	return &Error{Kind: KindFatal, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain. Unclassified
// errors are treated as transient: the core prefers redelivery over loss.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool  { return err != nil && KindOf(err) == KindTransient }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsFatal(err error) bool      { return KindOf(err) == KindFatal }
