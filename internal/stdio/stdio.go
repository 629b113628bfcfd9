// Package stdio implements the subprocess transport channel.
//
// The channel spawns a child process and exchanges newline-delimited JSON
// over its stdin/stdout pipes. Stderr is a diagnostics-only side channel and
// is never parsed as protocol data.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/peerwire/peerwire/internal/config"
	"github.com/peerwire/peerwire/internal/correlate"
	"github.com/peerwire/peerwire/internal/jsonrpc"
	"github.com/peerwire/peerwire/internal/rpcerr"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr buffer used for exit diagnostics.
	// The stderr observer still receives every line; only the buffer stops
	// growing past this limit.
	maxStderrBufferSize = 10 * 1024 * 1024 // 10MB
)

// Config identifies the subprocess to spawn.
type Config struct {
	// Command is the executable to run.
	Command string

	// Args are the command line arguments.
	Args []string

	// Env holds environment overrides merged over the parent environment.
	Env map[string]string

	// Dir is the working directory. Empty means inherit.
	Dir string
}

// Transport is the subprocess channel.
type Transport struct {
	log      *slog.Logger
	cfg      Config
	settings *config.Settings
	corr     *correlate.Correlator

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	started   bool
	stopping  bool
	connected bool

	// writeMu serializes stdin writes separately from mu so a write blocked
	// on a full pipe never stalls Stop or Connected.
	writeMu sync.Mutex

	stderrMu     sync.Mutex
	stderrBuffer strings.Builder

	// exited is closed once the child's exit has been observed.
	exited chan struct{}
}

// New creates an unstarted subprocess transport.
func New(cfg Config, settings *config.Settings) *Transport {
	settings.Normalize()

	t := &Transport{
		log: settings.Logger.With(
			"component", "stdio_transport",
			"transport_id", ulid.Make().String(),
		),
		cfg:      cfg,
		settings: settings,
		exited:   make(chan struct{}),
	}

	t.corr = correlate.New(t.log, t.write, settings.RequestTimeout)
	for _, observer := range settings.Observers {
		t.corr.AddObserver(observer)
	}

	return t
}

// Start spawns the configured command and wires its pipes. It resolves as
// soon as the process is spawned; there is no handshake wait.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return rpcerr.ErrAlreadyStarted
	}

	t.started = true

	t.log.Info("Starting subprocess", "command", t.cfg.Command, "args", t.cfg.Args)

	//nolint:gosec // G204: spawning a caller-configured command is the point
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = buildEnvironment(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &rpcerr.ConnectionError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &rpcerr.ConnectionError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &rpcerr.ConnectionError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &rpcerr.ConnectionError{Err: fmt.Errorf("start process: %w", err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected = true

	t.log.Info("Subprocess started", "pid", cmd.Process.Pid)

	go t.run(stdout, stderr)

	return nil
}

// run drains both pipes, then reaps the child and settles the channel.
func (t *Transport) run(stdout, stderr io.Reader) {
	defer close(t.exited)

	var group errgroup.Group

	group.Go(func() error {
		t.readLoop(stdout)

		return nil
	})
	group.Go(func() error {
		t.stderrLoop(stderr)

		return nil
	})

	// Pipe reads must finish before Wait. See os/exec docs on StdoutPipe.
	_ = group.Wait()

	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	t.stdin = nil
	stopping := t.stopping
	t.mu.Unlock()

	if stopping {
		t.log.Debug("Subprocess terminated during shutdown")

		return
	}

	exitErr := t.exitError(err)
	t.log.Warn("Subprocess exited", "exit_code", exitErr.ExitCode)

	t.corr.Close(exitErr)
	t.settings.EmitError(exitErr)
	t.settings.EmitClose(exitErr)
}

// exitError builds the ProcessExitError for an unrequested exit.
func (t *Transport) exitError(waitErr error) *rpcerr.ProcessExitError {
	exitCode := 0

	var ee *exec.ExitError
	if stderrors.As(waitErr, &ee) {
		exitCode = ee.ExitCode()
	}

	t.stderrMu.Lock()
	stderrOutput := strings.TrimSpace(t.stderrBuffer.String())
	t.stderrMu.Unlock()

	return &rpcerr.ProcessExitError{
		ExitCode: exitCode,
		Stderr:   stderrOutput,
		Err:      waitErr,
	}
}

// readLoop frames stdout into lines and dispatches each as one JSON
// document. A line that fails to parse is reported and dropped; the channel
// continues.
func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := jsonrpc.Decode(line)
		if err != nil {
			parseErr := &rpcerr.ParseError{Raw: string(line), Err: err}
			t.log.Warn("Dropping unparsable frame", "error", err)
			t.settings.EmitError(parseErr)

			continue
		}

		t.corr.Dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		t.log.Debug("Stdout scanner stopped", "error", err)
	}
}

// stderrLoop forwards diagnostics lines to the observer and keeps a capped
// copy for exit error context.
func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()

		t.stderrMu.Lock()

		if t.stderrBuffer.Len() < maxStderrBufferSize {
			if t.stderrBuffer.Len() > 0 {
				t.stderrBuffer.WriteString("\n")
			}

			t.stderrBuffer.WriteString(line)
		}

		t.stderrMu.Unlock()

		if t.settings.OnStderr != nil {
			t.settings.OnStderr(line)
		}
	}

	if err := scanner.Err(); err != nil {
		t.log.Debug("Stderr scanner stopped", "error", err)
	}
}

// write serializes framing for one outbound message: the wire form plus one
// trailing newline, written to stdin under the write lock.
//
// The write itself runs in a goroutine so ctx cancellation is respected even
// while blocked on a full pipe. Cancellation closes stdin to unblock the
// write (safe since Go 1.9+); subsequent writes return ErrStdinUnavailable.
func (t *Transport) write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.mu.Lock()
	stdin := t.stdin
	connected := t.connected
	t.mu.Unlock()

	if stdin == nil || !connected {
		return rpcerr.ErrStdinUnavailable
	}

	framed := make([]byte, len(data)+1)
	copy(framed, data)
	framed[len(data)] = '\n'

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	done := make(chan error, 1)

	go func() {
		_, err := stdin.Write(framed)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		t.log.Debug("Context cancelled during write, closing stdin")

		_ = stdin.Close()

		t.mu.Lock()
		if t.stdin == stdin {
			t.stdin = nil
		}
		t.mu.Unlock()

		// Wait for the write goroutine to exit with a timeout to prevent
		// a leak if the close somehow fails to unblock it.
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.log.Warn("Write goroutine did not exit after stdin close, potential leak")
		}

		return ctx.Err()
	}
}

// Request sends a request and waits for its correlated response.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Connected() {
		return nil, rpcerr.ErrNotConnected
	}

	return t.corr.Call(ctx, method, params)
}

// Notify sends a notification; it completes once the stdin write succeeds.
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

// Connected reports whether the channel can currently carry messages.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connected && !t.stopping
}

// Stop fails every outstanding request, then terminates the child: graceful
// termination first, escalating to a forced kill after the terminate grace.
// Stop returns once the exit is observed, or immediately if the process was
// never started. Transports are single-use after Stop.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()

	if !t.started || t.stopping {
		t.mu.Unlock()

		return nil
	}

	t.stopping = true
	cmd := t.cmd
	stdin := t.stdin
	alive := t.connected
	t.mu.Unlock()

	t.log.Info("Stopping subprocess transport")

	// Pending entries fail before the process is touched so callers never
	// observe a hang during shutdown.
	t.corr.Close(rpcerr.ErrStopped)

	if cmd == nil {
		t.settings.EmitClose(nil)

		return nil
	}

	if !alive {
		// Child already exited; the exit path signaled close.
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.log.Debug("SIGTERM failed, killing", "error", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-t.exited:
	case <-time.After(t.settings.TerminateGrace):
		t.log.Warn("Grace window elapsed, killing subprocess", "grace", t.settings.TerminateGrace)

		_ = cmd.Process.Kill()

		select {
		case <-t.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	t.log.Info("Subprocess transport stopped")
	t.settings.EmitClose(nil)

	return nil
}

// buildEnvironment merges the parent environment with configured overrides.
func buildEnvironment(overrides map[string]string) []string {
	env := os.Environ()

	for key, value := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}
