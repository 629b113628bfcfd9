// Package config holds the settings shared by both transport channels.
package config

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/peerwire/peerwire/internal/correlate"
)

// DefaultTerminateGrace is how long Stop waits for a subprocess to exit
// gracefully before escalating to a forced kill.
const DefaultTerminateGrace = 5 * time.Second

// Settings carries per-instance configuration resolved from functional
// options. Zero values select defaults.
type Settings struct {
	// Logger receives debug and operational output. Nil disables logging.
	Logger *slog.Logger

	// RequestTimeout is the per-request deadline.
	// Defaults to correlate.DefaultRequestTimeout.
	RequestTimeout time.Duration

	// TerminateGrace is the graceful-termination window for the stdio
	// channel. Defaults to DefaultTerminateGrace.
	TerminateGrace time.Duration

	// HTTPClient issues the stream GET and message POSTs for the SSE
	// channel. Defaults to a plain http.Client.
	HTTPClient *http.Client

	// OnError observes channel-level errors, including non-fatal frame
	// parse failures.
	OnError func(error)

	// OnClose observes channel teardown with its cause. Cause is nil for a
	// clean stop.
	OnClose func(error)

	// OnStderr observes subprocess diagnostics lines. Stderr is never
	// parsed as protocol data.
	OnStderr func(string)

	// Observers are secondary notification listeners, invoked after the
	// handler installed via OnNotification.
	Observers []correlate.NotificationHandler
}

// Normalize fills in defaults for unset fields.
func (s *Settings) Normalize() {
	if s.Logger == nil {
		s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if s.RequestTimeout <= 0 {
		s.RequestTimeout = correlate.DefaultRequestTimeout
	}

	if s.TerminateGrace <= 0 {
		s.TerminateGrace = DefaultTerminateGrace
	}

	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{}
	}
}

// EmitError invokes the error observer if one is registered.
func (s *Settings) EmitError(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

// EmitClose invokes the close observer if one is registered.
func (s *Settings) EmitClose(cause error) {
	if s.OnClose != nil {
		s.OnClose(cause)
	}
}
