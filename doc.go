// Package peerwire exchanges JSON-RPC 2.0 requests, responses, and
// notifications with a peer process over one of two channels: a locally
// spawned subprocess speaking newline-delimited JSON on its stdio pipes, or
// a remote endpoint reached via an HTTP Server-Sent-Events stream paired
// with HTTP POST.
//
// Both channels implement the same Transport contract and share one
// request/response correlator: every request gets a monotonically increasing
// id and a pending entry with a deadline, and the matching response - from a
// buffered stdout line or a stream event - completes exactly that entry.
//
// # Subprocess channel
//
//	t := peerwire.NewStdioTransport(peerwire.StdioConfig{
//	    Command: "my-rpc-server",
//	    Args:    []string{"--stdio"},
//	}, peerwire.WithLogger(slog.Default()))
//
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop(ctx)
//
//	result, err := t.Request(ctx, "ping", map[string]any{"x": 1})
//
// # Remote channel
//
//	t := peerwire.NewSSETransport(peerwire.SSEConfig{
//	    URL:     "https://host/events",
//	    Headers: map[string]string{"Authorization": "Bearer ..."},
//	})
//
// Start resolves once the stream is open. Outbound messages POST to the
// stream URL plus "/message" until the server advertises a session-specific
// endpoint via an "endpoint" event.
//
// # Notifications
//
// Inbound messages without an id are notifications. OnNotification installs
// a single handler (installing again replaces it); WithNotificationObserver
// registers additional listeners:
//
//	t.OnNotification(func(method string, params json.RawMessage) {
//	    // ...
//	})
//
// # Error handling
//
// Typed errors distinguish failure modes:
//
//	result, err := t.Request(ctx, "tools/list", nil)
//	if err != nil {
//	    var remote *peerwire.RemoteError
//	    if errors.As(err, &remote) {
//	        log.Printf("peer rejected the call: %s (%d)", remote.Message, remote.Code)
//	    }
//	    var timeout *peerwire.RequestTimeoutError
//	    if errors.As(err, &timeout) {
//	        log.Printf("no response for %s", timeout.Method)
//	    }
//	}
//
// A stopped transport cannot be restarted; construct a new instance instead.
package peerwire
