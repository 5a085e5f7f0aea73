package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Reason is the coarse failure tag callers branch on.
type Reason string

const (
	ArgumentsMissing      Reason = "ArgumentsMissing"
	ArgumentsInvalid      Reason = "ArgumentsInvalid"
	AuthenticationFailure Reason = "AuthenticationFailure"
	CommunicationFailure  Reason = "CommunicationFailure"
	SaltAPIFailure        Reason = "SaltApiFailure"
	TargetMismatch        Reason = "TargetMismatch"
	ExitCode              Reason = "ExitCode"
	Cancelled             Reason = "Cancelled"
)

// Error carries a Reason and the low-level cause.
type Error struct {
	Reason Reason
	Msg    string
	Err    error
}

// Sentinels for errors.Is; they match any Error with the same Reason.
var (
	ErrArgumentsMissing      = &Error{Reason: ArgumentsMissing}
	ErrArgumentsInvalid      = &Error{Reason: ArgumentsInvalid}
	ErrAuthenticationFailure = &Error{Reason: AuthenticationFailure}
	ErrCommunicationFailure  = &Error{Reason: CommunicationFailure}
	ErrSaltAPIFailure        = &Error{Reason: SaltAPIFailure}
	ErrTargetMismatch        = &Error{Reason: TargetMismatch}
	ErrExitCode              = &Error{Reason: ExitCode}
	ErrCancelled             = &Error{Reason: Cancelled}
)

func newError(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Reason)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.Reason == e.Reason
}

// ReasonOf returns the Reason carried by err, or "" if there is none.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// transportFailure classifies an executor error as cancellation or a
// communication failure.
func transportFailure(ctx context.Context, step string, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return newError(Cancelled, err, "%s interrupted", step)
	}
	return newError(CommunicationFailure, err, "%s request failed", step)
}
