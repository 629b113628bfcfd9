package peerwire

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/peerwire/peerwire/internal/config"
)

// Option configures a transport using the functional options pattern.
type Option func(*config.Settings)

// applyOptions resolves functional options into a settings struct.
func applyOptions(opts []Option) *config.Settings {
	settings := &config.Settings{}
	for _, opt := range opts {
		opt(settings)
	}

	return settings
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(s *config.Settings) {
		s.Logger = logger
	}
}

// WithRequestTimeout sets the per-request deadline. Defaults to 30 seconds.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *config.Settings) {
		s.RequestTimeout = timeout
	}
}

// WithTerminateGrace sets how long Stop waits for the subprocess to exit
// after graceful termination before killing it. Defaults to 5 seconds.
// Only meaningful for the stdio transport.
func WithTerminateGrace(grace time.Duration) Option {
	return func(s *config.Settings) {
		s.TerminateGrace = grace
	}
}

// WithHTTPClient sets the HTTP client used for the event stream and message
// POSTs. Only meaningful for the SSE transport.
func WithHTTPClient(client *http.Client) Option {
	return func(s *config.Settings) {
		s.HTTPClient = client
	}
}

// WithErrorHandler registers an observer for channel-level errors, including
// non-fatal frame parse failures.
func WithErrorHandler(handler func(error)) Option {
	return func(s *config.Settings) {
		s.OnError = handler
	}
}

// WithCloseHandler registers an observer for channel teardown. The cause is
// nil for a clean Stop, otherwise the error that took the channel down.
func WithCloseHandler(handler func(error)) Option {
	return func(s *config.Settings) {
		s.OnClose = handler
	}
}

// WithStderrHandler registers an observer for subprocess diagnostics lines.
// Only meaningful for the stdio transport; stderr is never parsed as
// protocol data.
func WithStderrHandler(handler func(string)) Option {
	return func(s *config.Settings) {
		s.OnStderr = handler
	}
}

// WithNotificationObserver registers a secondary notification listener.
// Observers are invoked after the handler installed via OnNotification and
// are additive, unlike the handler itself.
func WithNotificationObserver(handler NotificationHandler) Option {
	return func(s *config.Settings) {
		s.Observers = append(s.Observers, handler)
	}
}
