package peerwire

import (
	"io"
	"log/slog"
)

// NopLogger returns a logger that drops every record. Transports default to
// it when no WithLogger option is given; it is exported for callers wiring
// settings by hand.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
