// Package correlate matches outstanding JSON-RPC requests to their eventual
// responses.
//
// Both channels share one Correlator parameterized by a per-channel send
// primitive. The correlator owns the pending-request registry, allocates
// wire ids, enforces per-request deadlines, and routes inbound messages:
// responses complete their pending entry, notifications go to the installed
// handler and any registered observers.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/peerwire/peerwire/internal/jsonrpc"
	"github.com/peerwire/peerwire/internal/rpcerr"
)

// DefaultRequestTimeout is the per-request deadline when none is configured.
const DefaultRequestTimeout = 30 * time.Second

// SendFunc transmits one serialized message over the underlying channel.
//
// A send failure is a synchronous failure signal: the caller's pending entry
// is removed and failed immediately, independent of its deadline.
type SendFunc func(ctx context.Context, data []byte) error

// NotificationHandler receives inbound messages that carry no id.
type NotificationHandler func(method string, params json.RawMessage)

// callResult is delivered exactly once per pending entry.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks an outstanding request awaiting its response.
//
// The channel is buffered with capacity one so whoever claims the entry out
// of the registry can always deliver without blocking the read loop.
type pendingCall struct {
	id     int64
	method string
	ch     chan callResult
}

// Correlator is the request/response correlation core shared by both
// channels. There is no cap on concurrently outstanding requests.
type Correlator struct {
	log     *slog.Logger
	send    SendFunc
	timeout time.Duration

	mu      sync.Mutex
	pending map[int64]*pendingCall
	nextID  int64
	closed  bool

	handlerMu sync.RWMutex
	handler   NotificationHandler
	observers []NotificationHandler

	errMu     sync.RWMutex
	fatalErr  error
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a correlator transmitting through send.
//
// A zero timeout selects DefaultRequestTimeout.
func New(log *slog.Logger, send SendFunc, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Correlator{
		log:     log.With("component", "correlator"),
		send:    send,
		timeout: timeout,
		pending: make(map[int64]*pendingCall, 10),
		done:    make(chan struct{}),
	}
}

// Call sends a request and blocks until a matching response, deadline
// expiry, channel shutdown, or ctx cancellation. In every path the pending
// entry is removed from the registry exactly once.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, c.closedErr()
	}

	c.nextID++
	id := c.nextID
	call := &pendingCall{
		id:     id,
		method: method,
		ch:     make(chan callResult, 1),
	}
	c.pending[id] = call
	c.mu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		c.remove(id)

		return nil, err
	}

	data, err := msg.Encode()
	if err != nil {
		c.remove(id)

		return nil, err
	}

	c.log.Debug("Sending request", "id", id, "method", method)

	// The deadline covers the transmit too: a write blocked on a full pipe
	// or a stalled POST must not hold the caller past the timeout.
	sendCtx, cancelSend := context.WithTimeout(ctx, c.timeout)
	err = c.send(sendCtx, data)

	cancelSend()

	if err != nil {
		c.remove(id)
		c.log.Debug("Request transmit failed", "id", id, "method", method, "error", err)

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &rpcerr.RequestTimeoutError{Method: method, Timeout: c.timeout}
		}

		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err

	case <-time.After(c.timeout):
		c.remove(id)
		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", c.timeout)

		return nil, &rpcerr.RequestTimeoutError{Method: method, Timeout: c.timeout}

	case <-c.done:
		c.remove(id)

		return nil, c.closedErr()

	case <-ctx.Done():
		c.remove(id)
		c.log.Debug("Request cancelled", "id", id, "method", method)

		return nil, ctx.Err()
	}
}

// Notify sends a notification. No registry entry is created; Notify returns
// once the transmit itself succeeds.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.log.Debug("Sending notification", "method", method)

	sendCtx, cancelSend := context.WithTimeout(ctx, c.timeout)
	defer cancelSend()

	return c.send(sendCtx, data)
}

// Dispatch routes one fully-parsed inbound message.
//
// A response claims and completes its pending entry; a response with an
// unknown id (stale, duplicate, or already timed out) is dropped so a stray
// frame never destabilizes the channel. A message without an id is a
// notification and goes to the installed handler and all observers.
func (c *Correlator) Dispatch(msg *jsonrpc.Message) {
	if msg.IsNotification() {
		c.dispatchNotification(msg)

		return
	}

	id := *msg.ID

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Dropping response with no pending request", "id", id)

		return
	}

	if msg.Error != nil {
		c.log.Debug("Request failed remotely", "id", id, "method", call.method, "code", msg.Error.Code)
		call.ch <- callResult{err: &rpcerr.RemoteError{Code: msg.Error.Code, Message: msg.Error.Message}}

		return
	}

	c.log.Debug("Request completed", "id", id, "method", call.method)
	call.ch <- callResult{result: msg.Result}
}

func (c *Correlator) dispatchNotification(msg *jsonrpc.Message) {
	c.log.Debug("Received notification", "method", msg.Method)

	c.handlerMu.RLock()
	handler := c.handler
	observers := c.observers
	c.handlerMu.RUnlock()

	if handler != nil {
		handler(msg.Method, msg.Params)
	}

	for _, observer := range observers {
		observer(msg.Method, msg.Params)
	}
}

// SetHandler installs the notification handler, replacing any previous one.
func (c *Correlator) SetHandler(handler NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.handler = handler
}

// AddObserver registers a secondary notification listener. Observers are
// invoked after the installed handler and are never replaced.
func (c *Correlator) AddObserver(observer NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.observers = append(c.observers, observer)
}

// Close fails every outstanding entry with cause and rejects future calls.
// Safe to call multiple times; the first cause wins.
func (c *Correlator) Close(cause error) {
	c.errMu.Lock()

	if c.fatalErr == nil {
		c.fatalErr = cause
	}

	c.errMu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.FailAll(cause)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// FailAll sweeps the registry, failing every outstanding entry with cause.
// Used on stop, process exit, and fatal stream errors.
func (c *Correlator) FailAll(cause error) {
	c.mu.Lock()
	swept := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	if len(swept) > 0 {
		c.log.Debug("Failing outstanding requests", "count", len(swept), "cause", cause)
	}

	for _, call := range swept {
		call.ch <- callResult{err: cause}
	}
}

// Pending returns the number of outstanding entries.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Done is closed when the correlator shuts down.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

func (c *Correlator) closedErr() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	if c.fatalErr != nil {
		return c.fatalErr
	}

	return rpcerr.ErrStopped
}

// remove deletes one entry; claiming is idempotent, so a concurrently
// dispatched response simply finds no entry and is dropped.
func (c *Correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
