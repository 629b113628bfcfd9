// Package sse implements the remote transport channel.
//
// Inbound messages arrive over a persistent HTTP Server-Sent-Events stream;
// outbound messages are HTTP POSTs to a send endpoint. The default endpoint
// is the stream URL (without trailing slash) plus "/message"; a
// server-advertised endpoint event overrides it for the session.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/peerwire/peerwire/internal/config"
	"github.com/peerwire/peerwire/internal/correlate"
	"github.com/peerwire/peerwire/internal/jsonrpc"
	"github.com/peerwire/peerwire/internal/rpcerr"
)

// Event names used by the protocol.
const (
	eventMessage  = "message"
	eventEndpoint = "endpoint"
)

// maxErrorBodySize caps how much of a rejected POST's body is kept for the
// error message.
const maxErrorBodySize = 4 * 1024

// errStreamClosed is the sweep cause when the server ends the stream.
var errStreamClosed = errors.New("event stream closed by server")

// Config identifies the remote endpoint.
type Config struct {
	// URL is the event stream URL.
	URL string

	// Headers are sent on the stream request and on every POST.
	Headers map[string]string
}

// Transport is the remote channel.
type Transport struct {
	log      *slog.Logger
	cfg      Config
	settings *config.Settings
	corr     *correlate.Correlator
	client   *http.Client

	mu        sync.Mutex
	started   bool
	stopping  bool
	connected bool
	streaming bool
	endpoint  string
	base      *url.URL
	cancel    context.CancelFunc

	// closed is closed once the stream read loop has returned.
	closed chan struct{}
}

// New creates an unstarted remote transport.
func New(cfg Config, settings *config.Settings) *Transport {
	settings.Normalize()

	t := &Transport{
		log: settings.Logger.With(
			"component", "sse_transport",
			"transport_id", ulid.Make().String(),
		),
		cfg:      cfg,
		settings: settings,
		client:   settings.HTTPClient,
		endpoint: strings.TrimSuffix(cfg.URL, "/") + "/message",
		closed:   make(chan struct{}),
	}

	t.corr = correlate.New(t.log, t.post, settings.RequestTimeout)
	for _, observer := range settings.Observers {
		t.corr.AddObserver(observer)
	}

	return t
}

// Start opens the event stream. It resolves only once the stream reports
// itself open (a 2xx response); any failure before that rejects Start with a
// connection error.
func (t *Transport) Start(ctx context.Context) error {
	// The stream outlives Start's ctx; Stop cancels it. The cancel func is
	// recorded before the GET so a Stop racing with a slow connect can
	// always abort it.
	streamCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()

	if t.started {
		t.mu.Unlock()
		cancel()

		return rpcerr.ErrAlreadyStarted
	}

	t.started = true
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Info("Opening event stream", "url", t.cfg.URL)

	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		cancel()

		return &rpcerr.ConnectionError{Err: fmt.Errorf("parse stream URL: %w", err)}
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()

		return &rpcerr.ConnectionError{Err: err}
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()

		return &rpcerr.ConnectionError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		cancel()

		return &rpcerr.ConnectionError{Err: &rpcerr.HTTPStatusError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}}
	}

	t.mu.Lock()

	if t.stopping {
		// Stop ran while the connect was in flight; the transport is
		// terminal and the stream must not come up.
		t.mu.Unlock()
		_ = resp.Body.Close()

		return rpcerr.ErrStopped
	}

	t.base = base
	t.connected = true
	t.streaming = true
	t.mu.Unlock()

	t.log.Info("Event stream open")

	go t.readLoop(resp.Body)

	return nil
}

// readLoop consumes the stream until it ends, then settles the channel.
func (t *Transport) readLoop(body io.ReadCloser) {
	defer close(t.closed)
	defer func() { _ = body.Close() }()

	err := scanEvents(body, t.handleEvent)

	t.mu.Lock()
	t.connected = false
	stopping := t.stopping
	t.mu.Unlock()

	if stopping {
		t.log.Debug("Event stream closed during shutdown")

		return
	}

	cause := errStreamClosed
	if err != nil {
		cause = fmt.Errorf("event stream error: %w", err)
	}

	t.log.Warn("Event stream lost", "cause", cause)

	t.corr.Close(cause)
	t.settings.EmitError(cause)
	t.settings.EmitClose(cause)
}

// handleEvent routes one complete stream event. Each message event carries
// exactly one JSON-RPC document; the stream protocol self-delimits events,
// so no line buffering is needed here.
func (t *Transport) handleEvent(ev event) {
	switch ev.name {
	case eventEndpoint:
		t.setEndpoint(ev.data)

	case eventMessage:
		msg, err := jsonrpc.Decode([]byte(ev.data))
		if err != nil {
			parseErr := &rpcerr.ParseError{Raw: ev.data, Err: err}
			t.log.Warn("Dropping unparsable event", "error", err)
			t.settings.EmitError(parseErr)

			return
		}

		t.corr.Dispatch(msg)

	default:
		t.log.Debug("Ignoring unknown event type", "event", ev.name)
	}
}

// setEndpoint records the session send endpoint. Relative payloads resolve
// against the stream URL; later endpoint events overwrite earlier ones.
func (t *Transport) setEndpoint(raw string) {
	ref, err := url.Parse(raw)
	if err != nil {
		t.log.Warn("Ignoring unparsable endpoint payload", "payload", raw, "error", err)

		return
	}

	t.mu.Lock()
	t.endpoint = t.base.ResolveReference(ref).String()
	endpoint := t.endpoint
	t.mu.Unlock()

	t.log.Info("Send endpoint discovered", "endpoint", endpoint)
}

// post transmits one serialized message to the resolved endpoint. A non-2xx
// response is a synchronous failure, distinct from "no response yet".
func (t *Transport) post(ctx context.Context, data []byte) error {
	t.mu.Lock()
	endpoint := t.endpoint
	connected := t.connected && !t.stopping
	t.mu.Unlock()

	if !connected {
		return rpcerr.ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return &rpcerr.HTTPStatusError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// Request sends a request and waits for its correlated response from the
// stream.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, rpcerr.ErrNotConnected
	}

	return t.corr.Call(ctx, method, params)
}

// Notify sends a notification; it completes once the POST is accepted.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if !t.Connected() {
		return rpcerr.ErrNotConnected
	}

	return t.corr.Notify(ctx, method, params)
}

// OnNotification installs the notification handler, replacing any previous
// one.
func (t *Transport) OnNotification(handler correlate.NotificationHandler) {
	t.corr.SetHandler(handler)
}

// Connected reports whether the stream is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connected && !t.stopping
}

// Endpoint returns the currently resolved send target.
func (t *Transport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.endpoint
}

// Stop fails every outstanding request, then closes the stream. There is no
// process to reap. Transports are single-use after Stop.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()

	if !t.started || t.stopping {
		t.mu.Unlock()

		return nil
	}

	t.stopping = true
	cancel := t.cancel
	streaming := t.streaming
	t.mu.Unlock()

	t.log.Info("Stopping remote transport")

	t.corr.Close(rpcerr.ErrStopped)

	if cancel != nil {
		cancel()
	}

	// The read loop only exists once Start saw the stream open; a Stop that
	// raced an in-flight connect has nothing to wait for.
	if !streaming {
		t.settings.EmitClose(nil)

		return nil
	}

	select {
	case <-t.closed:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.log.Info("Remote transport stopped")
	t.settings.EmitClose(nil)

	return nil
}
