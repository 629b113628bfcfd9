// Package rpcerr defines the typed errors surfaced by the transports.
package rpcerr

import (
	"errors"
	"fmt"
	"time"
)

// TransportError is the base interface for all transport errors.
type TransportError interface {
	error
	IsTransportError() bool
}

// Compile-time verification that all error types implement TransportError.
var (
	_ TransportError = (*ConnectionError)(nil)
	_ TransportError = (*RequestTimeoutError)(nil)
	_ TransportError = (*RemoteError)(nil)
	_ TransportError = (*ProcessExitError)(nil)
	_ TransportError = (*ParseError)(nil)
	_ TransportError = (*HTTPStatusError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates a request or notify before Start or after Stop.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAlreadyStarted indicates Start was called on a started transport.
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrStopped indicates the transport was stopped while requests were
	// outstanding. Transports are single-use; construct a new one.
	ErrStopped = errors.New("transport stopped")

	// ErrStdinUnavailable indicates a write was attempted after the
	// subprocess stdin sink was gone.
	ErrStdinUnavailable = errors.New("stdin unavailable: process not running")
)

// ConnectionError indicates the channel could not be established.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to establish transport: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsTransportError implements TransportError.
func (e *ConnectionError) IsTransportError() bool { return true }

// RequestTimeoutError indicates no matching response arrived by the deadline.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Method, e.Timeout)
}

// IsTransportError implements TransportError.
func (e *RequestTimeoutError) IsTransportError() bool { return true }

// RemoteError indicates the peer answered a request with an error object.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// IsTransportError implements TransportError.
func (e *RemoteError) IsTransportError() bool { return true }

// ProcessExitError indicates the subprocess exited with requests still
// outstanding. Stderr holds the captured diagnostics output, if any.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process exited (code %d): %s", e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("process exited (code %d)", e.ExitCode)
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsTransportError implements TransportError.
func (e *ProcessExitError) IsTransportError() bool { return true }

// ParseError indicates one inbound frame could not be parsed. It is
// non-fatal: the frame is dropped and the channel continues.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsTransportError implements TransportError.
func (e *ParseError) IsTransportError() bool { return true }

// HTTPStatusError indicates an outbound POST was rejected with a non-2xx
// status. It fails the awaiting request immediately, independent of its
// deadline.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("endpoint returned HTTP %d: %s", e.Status, e.Body)
}

// IsTransportError implements TransportError.
func (e *HTTPStatusError) IsTransportError() bool { return true }
