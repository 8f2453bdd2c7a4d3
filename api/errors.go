// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-sock.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrOperationTimeout  = fmt.Errorf("operation timeout")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrNotFound          = fmt.Errorf("resource not found")
	ErrNotInitialized    = fmt.Errorf("server not initialized")
	ErrClosed            = fmt.Errorf("server is closed")

	// ErrUnusable is returned by every I/O call on a client after Close began.
	ErrUnusable = fmt.Errorf("client is not usable")
	// ErrGone is returned by LockAndCheck when the client was torn down
	// while the caller still held a reference to it.
	ErrGone = fmt.Errorf("client already gone")
	// ErrWouldBlock means the socket has no data (or buffer space) right now.
	ErrWouldBlock = fmt.Errorf("operation would block")
	// ErrHandshakePending is returned by application I/O while TLS is still
	// handshaking.
	ErrHandshakePending = fmt.Errorf("tls handshake pending")
	// ErrTLSFatal marks an unrecoverable TLS session failure.
	ErrTLSFatal = fmt.Errorf("tls session failed")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeUnusable
	ErrCodeTLS
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap attaches a cause to the error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Code classifies err into an ErrorCode. Structured errors report their own
// code; sentinel errors are matched through the wrap chain.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return ErrCodeResourceExhausted
	case errors.Is(err, ErrOperationTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrNotSupported):
		return ErrCodeNotSupported
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrGone):
		return ErrCodeNotFound
	case errors.Is(err, ErrUnusable):
		return ErrCodeUnusable
	case errors.Is(err, ErrTLSFatal), errors.Is(err, ErrHandshakePending):
		return ErrCodeTLS
	default:
		return ErrCodeInternal
	}
}
