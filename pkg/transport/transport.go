// Package transport implements the wire transports used to talk to upstream
// MCP servers: stdio subprocess, SSE, WebSocket, and streamable HTTP. All
// four share one lifecycle contract so the connection supervisor can manage
// them uniformly.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// Handler receives transport events. All callbacks must be set before Start.
// OnClose fires at most once per established channel, and only when the
// channel terminates without Close having been called.
type Handler struct {
	// OnMessage delivers one complete inbound message.
	OnMessage func(data []byte)
	// OnError reports a non-fatal transport error (e.g. an unreadable frame).
	OnError func(err error)
	// OnClose signals that the channel terminated unexpectedly.
	OnClose func()
}

// Transport is the lifecycle contract shared by all wire transports.
// A transport may be restarted: after Close returns, Start may be called
// again to establish a fresh channel. Start and Close must not be called
// concurrently.
type Transport interface {
	// SetHandler installs the event handler. Must be called before Start.
	SetHandler(h Handler)

	// Start establishes the channel. For stdio this spawns the subprocess;
	// for networked transports it dials or verifies the endpoint.
	Start(ctx context.Context) error

	// Send transmits one framed message. Returns an error if the channel
	// is not established.
	Send(ctx context.Context, data []byte) error

	// Close tears the channel down. Idempotent. No callbacks fire after
	// Close returns.
	Close() error
}

// Prober is implemented by transports that can actively verify liveness.
// Transports without a cheap liveness signal rely on their read loop
// detecting closure instead.
type Prober interface {
	Probe(ctx context.Context) error
}

// HeaderSource supplies connection headers for networked transports. It is
// consulted at Start (and per request for streamable HTTP), so rotating
// credentials take effect on reconnect.
type HeaderSource interface {
	ConnectHeaders(ctx context.Context) (http.Header, error)
}

// StaticHeaders is a HeaderSource backed by a fixed map.
type StaticHeaders map[string]string

func (s StaticHeaders) ConnectHeaders(ctx context.Context) (http.Header, error) {
	h := make(http.Header, len(s))
	for k, v := range s {
		h.Set(k, v)
	}
	return h, nil
}

// ErrNotConnected is returned by Send when no channel is established.
var ErrNotConnected = errors.New("transport: not connected")

// mergeHeaders resolves the header source and overlays it on base.
func mergeHeaders(ctx context.Context, base http.Header, src HeaderSource) (http.Header, error) {
	h := make(http.Header, len(base))
	for k, vs := range base {
		h[k] = append([]string(nil), vs...)
	}
	if src == nil {
		return h, nil
	}
	extra, err := src.ConnectHeaders(ctx)
	if err != nil {
		return nil, err
	}
	for k, vs := range extra {
		for _, v := range vs {
			h.Set(k, v)
		}
	}
	return h, nil
}
