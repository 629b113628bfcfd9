package peerwire

import "github.com/peerwire/peerwire/internal/rpcerr"

// Re-export error types from internal package

// ConnectionError indicates the channel could not be established.
type ConnectionError = rpcerr.ConnectionError

// RequestTimeoutError indicates no matching response arrived by the deadline.
type RequestTimeoutError = rpcerr.RequestTimeoutError

// RemoteError indicates the peer answered a request with an error object.
type RemoteError = rpcerr.RemoteError

// ProcessExitError indicates the subprocess exited with requests still
// outstanding.
type ProcessExitError = rpcerr.ProcessExitError

// ParseError indicates one inbound frame could not be parsed. It is
// non-fatal and only reaches the error observer.
type ParseError = rpcerr.ParseError

// HTTPStatusError indicates an outbound POST was rejected with a non-2xx
// status.
type HTTPStatusError = rpcerr.HTTPStatusError

// TransportError is the base interface for all transport errors.
type TransportError = rpcerr.TransportError

// Re-export sentinel errors from internal package.
var (
	// ErrNotConnected indicates a request or notify before Start or after
	// Stop.
	ErrNotConnected = rpcerr.ErrNotConnected

	// ErrAlreadyStarted indicates Start was called on a started transport.
	ErrAlreadyStarted = rpcerr.ErrAlreadyStarted

	// ErrStopped indicates the transport was stopped while requests were
	// outstanding.
	ErrStopped = rpcerr.ErrStopped

	// ErrStdinUnavailable indicates a write was attempted after the
	// subprocess stdin sink was gone.
	ErrStdinUnavailable = rpcerr.ErrStdinUnavailable
)
