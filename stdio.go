package peerwire

import "github.com/peerwire/peerwire/internal/stdio"

// StdioTransport exchanges newline-delimited JSON-RPC messages with a
// locally spawned subprocess.
type StdioTransport = stdio.Transport

// StdioConfig identifies the subprocess to spawn: command, arguments,
// environment overrides (merged over the parent environment), and an
// optional working directory.
type StdioConfig = stdio.Config

// NewStdioTransport creates an unstarted subprocess transport.
func NewStdioTransport(cfg StdioConfig, opts ...Option) *StdioTransport {
	return stdio.New(cfg, applyOptions(opts))
}
