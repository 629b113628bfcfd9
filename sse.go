package peerwire

import "github.com/peerwire/peerwire/internal/sse"

// SSETransport exchanges JSON-RPC messages with a remote peer: inbound over
// a persistent Server-Sent-Events stream, outbound via HTTP POST to a
// session endpoint discovered from the stream.
type SSETransport = sse.Transport

// SSEConfig identifies the remote endpoint: the stream URL and headers sent
// on the stream request and every POST.
type SSEConfig = sse.Config

// NewSSETransport creates an unstarted remote transport.
func NewSSETransport(cfg SSEConfig, opts ...Option) *SSETransport {
	return sse.New(cfg, applyOptions(opts))
}
