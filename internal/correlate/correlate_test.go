package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peerwire/peerwire/internal/jsonrpc"
	"github.com/peerwire/peerwire/internal/rpcerr"
)

// mockPeer is a send primitive with a scriptable peer behind it. When
// respond returns a non-nil message it is dispatched back synchronously,
// which is safe because pending channels are buffered.
type mockPeer struct {
	corr *Correlator

	mu      sync.Mutex
	sent    []*jsonrpc.Message
	sendErr error
	respond func(req *jsonrpc.Message) *jsonrpc.Message
}

func (p *mockPeer) send(_ context.Context, data []byte) error {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sent = append(p.sent, msg)
	sendErr := p.sendErr
	respond := p.respond
	p.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}

	if respond != nil {
		if resp := respond(msg); resp != nil {
			p.corr.Dispatch(resp)
		}
	}

	return nil
}

func (p *mockPeer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sent)
}

func newTestCorrelator(t *testing.T, timeout time.Duration) (*Correlator, *mockPeer) {
	t.Helper()

	peer := &mockPeer{}
	corr := New(slog.Default(), peer.send, timeout)
	peer.corr = corr

	return corr, peer
}

func resultResponse(id int64, result string) *jsonrpc.Message {
	return &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      &id,
		Result:  json.RawMessage(result),
	}
}

func errorResponse(id int64, code int, message string) *jsonrpc.Message {
	return &jsonrpc.Message{
		JSONRPC: jsonrpc.Version,
		ID:      &id,
		Error:   &jsonrpc.Error{Code: code, Message: message},
	}
}

func TestCall_Success(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0)
	peer.respond = func(req *jsonrpc.Message) *jsonrpc.Message {
		return resultResponse(*req.ID, `{"x":1}`)
	}

	result, err := corr.Call(context.Background(), "ping", map[string]any{"x": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(result))
	require.Zero(t, corr.Pending())
}

func TestCall_IDsIncrease(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0)
	peer.respond = func(req *jsonrpc.Message) *jsonrpc.Message {
		return resultResponse(*req.ID, `null`)
	}

	for i := 0; i < 3; i++ {
		_, err := corr.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}

	require.Len(t, peer.sent, 3)
	require.EqualValues(t, 1, *peer.sent[0].ID)
	require.EqualValues(t, 2, *peer.sent[1].ID)
	require.EqualValues(t, 3, *peer.sent[2].ID)
}

// TestCall_RemoteError verifies a peer error object fails the call with a
// message carrying both the text and the code.
func TestCall_RemoteError(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0)
	peer.respond = func(req *jsonrpc.Message) *jsonrpc.Message {
		return errorResponse(*req.ID, jsonrpc.CodeMethodNotFound, "Method not found")
	}

	_, err := corr.Call(context.Background(), "no/such", nil)
	require.Error(t, err)

	var remote *rpcerr.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, jsonrpc.CodeMethodNotFound, remote.Code)
	require.Contains(t, err.Error(), "Method not found")
	require.Contains(t, err.Error(), "-32601")
	require.Zero(t, corr.Pending())
}

// TestCall_Timeout verifies the deadline fails only its own entry, names
// the method, and that a late response for the timed-out id is dropped
// without affecting other outstanding entries.
func TestCall_Timeout(t *testing.T) {
	corr, _ := newTestCorrelator(t, 30*time.Millisecond)

	_, err := corr.Call(context.Background(), "slow/op", nil)
	require.Error(t, err)

	var timeout *rpcerr.RequestTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "slow/op", timeout.Method)
	require.Contains(t, err.Error(), "slow/op")
	require.Zero(t, corr.Pending())

	// Second request is outstanding while the late response for id 1
	// arrives; the stray frame must not complete or fail it.
	done := make(chan error, 1)

	go func() {
		_, err := corr.Call(context.Background(), "other", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return corr.Pending() == 1 }, time.Second, time.Millisecond)

	corr.Dispatch(resultResponse(1, `"late"`))
	require.Equal(t, 1, corr.Pending())

	corr.Dispatch(resultResponse(2, `"ok"`))
	require.NoError(t, <-done)
	require.Zero(t, corr.Pending())
}

// TestCall_TimeoutCoversTransmit verifies the deadline bounds the transmit
// itself: a send that never completes must not hold the caller past the
// timeout.
func TestCall_TimeoutCoversTransmit(t *testing.T) {
	blockingSend := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()

		return ctx.Err()
	}

	corr := New(slog.Default(), blockingSend, 30*time.Millisecond)

	start := time.Now()
	_, err := corr.Call(context.Background(), "stuck/transmit", nil)
	require.Less(t, time.Since(start), time.Second)

	var timeout *rpcerr.RequestTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, "stuck/transmit", timeout.Method)
	require.Zero(t, corr.Pending())
}

// TestCall_CancelDuringTransmit verifies caller cancellation during a
// blocked transmit surfaces as cancellation, not as a timeout.
func TestCall_CancelDuringTransmit(t *testing.T) {
	blockingSend := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()

		return ctx.Err()
	}

	corr := New(slog.Default(), blockingSend, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := corr.Call(ctx, "stuck/transmit", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return corr.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return corr.Pending() == 0 }, time.Second, time.Millisecond)
}

// TestNotify_TransmitBounded verifies notifications share the transmit
// deadline instead of blocking forever.
func TestNotify_TransmitBounded(t *testing.T) {
	blockingSend := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()

		return ctx.Err()
	}

	corr := New(slog.Default(), blockingSend, 30*time.Millisecond)

	start := time.Now()
	err := corr.Notify(context.Background(), "stuck/notify", nil)
	require.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_SendFailureRemovesEntry(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0)
	peer.sendErr = errors.New("sink gone")

	_, err := corr.Call(context.Background(), "ping", nil)
	require.ErrorContains(t, err, "sink gone")
	require.Zero(t, corr.Pending())
}

func TestCall_ContextCancelled(t *testing.T) {
	corr, _ := newTestCorrelator(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := corr.Call(ctx, "ping", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return corr.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return corr.Pending() == 0 }, time.Second, time.Millisecond)
}

// TestClose_FailsAllPending verifies shutdown sweeps every outstanding entry
// and empties the registry immediately.
func TestClose_FailsAllPending(t *testing.T) {
	corr, _ := newTestCorrelator(t, time.Minute)

	const outstanding = 3

	done := make(chan error, outstanding)

	for i := 0; i < outstanding; i++ {
		go func() {
			_, err := corr.Call(context.Background(), "pending", nil)
			done <- err
		}()
	}

	require.Eventually(t, func() bool { return corr.Pending() == outstanding }, time.Second, time.Millisecond)

	corr.Close(rpcerr.ErrStopped)
	require.Zero(t, corr.Pending())

	for i := 0; i < outstanding; i++ {
		require.ErrorIs(t, <-done, rpcerr.ErrStopped)
	}
}

func TestCall_AfterClose(t *testing.T) {
	corr, _ := newTestCorrelator(t, 0)
	corr.Close(rpcerr.ErrStopped)

	_, err := corr.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, rpcerr.ErrStopped)
}

func TestClose_FirstCauseWins(t *testing.T) {
	corr, _ := newTestCorrelator(t, 0)

	first := errors.New("process exited")
	corr.Close(first)
	corr.Close(rpcerr.ErrStopped)

	_, err := corr.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, first)
}

// TestCall_ConcurrentOutstanding exercises the intentional absence of
// backpressure: many requests outstanding at once, each completing exactly
// once. Run with -race.
func TestCall_ConcurrentOutstanding(t *testing.T) {
	corr, peer := newTestCorrelator(t, time.Minute)
	peer.respond = func(req *jsonrpc.Message) *jsonrpc.Message {
		return resultResponse(*req.ID, fmt.Sprintf(`{"id":%d}`, *req.ID))
	}

	const calls = 64

	var wg sync.WaitGroup

	for i := 0; i < calls; i++ {
		i := i

		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := corr.Call(context.Background(), fmt.Sprintf("op/%d", i), nil)
			require.NoError(t, err)
			require.NotEmpty(t, result)
		}()
	}

	wg.Wait()
	require.Zero(t, corr.Pending())
	require.Equal(t, calls, peer.sentCount())
}

func TestDispatch_UnknownIDDropped(t *testing.T) {
	corr, _ := newTestCorrelator(t, 0)

	// Must not panic or disturb anything.
	corr.Dispatch(resultResponse(42, `"stray"`))
	require.Zero(t, corr.Pending())
}

func TestNotify_NoRegistryEntry(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0)

	require.NoError(t, corr.Notify(context.Background(), "progress", map[string]any{"pct": 10}))
	require.Zero(t, corr.Pending())
	require.Len(t, peer.sent, 1)
	require.True(t, peer.sent[0].IsNotification())
}

// TestNotifications_HandlerReplacedObserversAdditive verifies the installed
// handler is replaced by a second install while observers accumulate.
func TestNotifications_HandlerReplacedObserversAdditive(t *testing.T) {
	corr, _ := newTestCorrelator(t, 0)

	var (
		mu       sync.Mutex
		firsts   int
		seconds  int
		observed int
	)

	corr.SetHandler(func(string, json.RawMessage) {
		mu.Lock()
		firsts++
		mu.Unlock()
	})
	corr.SetHandler(func(string, json.RawMessage) {
		mu.Lock()
		seconds++
		mu.Unlock()
	})
	corr.AddObserver(func(string, json.RawMessage) {
		mu.Lock()
		observed++
		mu.Unlock()
	})

	notif, err := jsonrpc.NewNotification("event", nil)
	require.NoError(t, err)

	corr.Dispatch(notif)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, firsts)
	require.Equal(t, 1, seconds)
	require.Equal(t, 1, observed)
}
