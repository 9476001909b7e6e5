// Unified error handling for the laserhost core.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
)

// Code categorizes an error per the core taxonomy. Only PROTOCOL and
// CONNECTION errors originate from the machine side of the serial link;
// every other category is raised before any byte leaves the engine.
type Code string

const (
	// ErrValidation marks malformed geometry, out-of-bounds coordinates or
	// invalid override values. Rejected before transmission.
	ErrValidation Code = "VALIDATION"

	// ErrCompile marks work-area violations or unresolved profiles found
	// while lowering a plan. Compilation aborts, nothing is sent.
	ErrCompile Code = "COMPILE"

	// ErrProtocol marks an error acknowledgement from the controller.
	ErrProtocol Code = "PROTOCOL"

	// ErrConnection marks transport failures and timeouts.
	ErrConnection Code = "CONNECTION"

	// ErrInvalidState marks an operation that is not legal in the current
	// session state. Rejected locally, no transport I/O performed.
	ErrInvalidState Code = "INVALID_STATE"

	// ErrProfile marks a missing or invalid machine/material profile.
	ErrProfile Code = "PROFILE"
)

// CoreError is the error type shared by all laserhost packages.
type CoreError struct {
	// Code is the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Command is the controller command line this error relates to, if any.
	Command string

	// ControllerCode is the numeric code from an error:<n> or ALARM:<n>
	// acknowledgement, if any.
	ControllerCode int

	// State is the session state an operation was rejected in, if any.
	State string

	// Err wraps an underlying error.
	Err error

	// Context carries additional key/value detail.
	Context map[string]any
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	switch {
	case e.Command != "":
		return fmt.Sprintf("[%s] %s (command %q)", e.Code, e.Message, e.Command)
	case e.State != "":
		return fmt.Sprintf("[%s] %s (state %s)", e.Code, e.Message, e.State)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the wrapped error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithCommand attaches the failing command line.
func (e *CoreError) WithCommand(line string) *CoreError {
	e.Command = line
	return e
}

// WithContext attaches a key/value detail.
func (e *CoreError) WithContext(key string, value any) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a CoreError with the given code.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a CoreError with a formatted message.
func Newf(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *CoreError {
	return Newf(ErrValidation, format, args...)
}

// Compile creates a COMPILE error.
func Compile(format string, args ...any) *CoreError {
	return Newf(ErrCompile, format, args...)
}

// CompileBounds creates a COMPILE error for a work-area violation.
func CompileBounds(axis string, coord, min, max float64) *CoreError {
	return Newf(ErrCompile, "%s coordinate %.3f outside work area [%.3f, %.3f]", axis, coord, min, max)
}

// Protocol creates a PROTOCOL error. A non-zero code records the numeric
// error or alarm value reported by the controller.
func Protocol(code int, format string, args ...any) *CoreError {
	e := Newf(ErrProtocol, format, args...)
	e.ControllerCode = code
	return e
}

// Connection creates a CONNECTION error.
func Connection(op string, err error) *CoreError {
	return Wrap(err, ErrConnection, op)
}

// InvalidState creates an INVALID_STATE error.
func InvalidState(op, state string) *CoreError {
	e := Newf(ErrInvalidState, "operation %q not permitted", op)
	e.State = state
	return e
}

// Profile creates a PROFILE error.
func Profile(format string, args ...any) *CoreError {
	return Newf(ErrProfile, format, args...)
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return Is(err, ErrValidation) }

// IsCompile reports whether err is a COMPILE error.
func IsCompile(err error) bool { return Is(err, ErrCompile) }

// IsProtocol reports whether err is a PROTOCOL error.
func IsProtocol(err error) bool { return Is(err, ErrProtocol) }

// IsConnection reports whether err is a CONNECTION error.
func IsConnection(err error) bool { return Is(err, ErrConnection) }

// IsInvalidState reports whether err is an INVALID_STATE error.
func IsInvalidState(err error) bool { return Is(err, ErrInvalidState) }
