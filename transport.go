package peerwire

import (
	"context"
	"encoding/json"

	"github.com/peerwire/peerwire/internal/correlate"
	"github.com/peerwire/peerwire/internal/sse"
	"github.com/peerwire/peerwire/internal/stdio"
)

// NotificationHandler receives inbound messages that carry no id.
// Params is the raw params document, or nil when the peer omitted it.
type NotificationHandler = correlate.NotificationHandler

// Transport is the contract both channels implement.
//
// A transport is single-use: Start it once, Stop it once, and construct a
// fresh instance to reconnect. Requests may be issued concurrently; there is
// no cap on outstanding requests.
type Transport interface {
	// Start establishes the channel. Calling Start on a started transport
	// returns ErrAlreadyStarted.
	Start(ctx context.Context) error

	// Stop fails every outstanding request with ErrStopped, then releases
	// the underlying resource. Safe to call multiple times.
	Stop(ctx context.Context) error

	// Request sends a request and blocks until the matching response, the
	// per-request deadline, transport shutdown, or ctx cancellation. A peer
	// error response is returned as *RemoteError.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification. It completes once the transmit itself
	// succeeds; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// OnNotification installs the handler for inbound notifications,
	// replacing any previously installed handler. Use
	// WithNotificationObserver for additional listeners.
	OnNotification(handler NotificationHandler)

	// Connected reports whether the channel can currently carry messages.
	Connected() bool
}

// Compile-time verification that both channels implement Transport.
var (
	_ Transport = (*stdio.Transport)(nil)
	_ Transport = (*sse.Transport)(nil)
)
