package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolmux/toolmux/pkg/logging"
)

const (
	wsDefaultHandshakeTimeout = 30 * time.Second
	wsWriteTimeout            = 10 * time.Second
	wsCloseGrace              = time.Second
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Headers are sent with the handshake request.
	Headers map[string]string
	// HeaderSource, when set, supplies additional handshake headers at dial
	// time (e.g. refreshed auth tokens).
	HeaderSource HeaderSource
	// HandshakeTimeout bounds the dial (default 30s).
	HandshakeTimeout time.Duration
}

// WebSocket carries one JSON-RPC message per text frame over a WebSocket
// connection.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	handler Handler
	conn    *websocket.Conn
	closing bool
	gen     int
}

// NewWebSocket creates a WebSocket transport for the given endpoint.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = wsDefaultHandshakeTimeout
	}
	return &WebSocket{cfg: cfg, logger: logger}
}

// SetHandler installs the event handler. Must be called before Start.
func (t *WebSocket) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start dials the endpoint and begins the read loop.
func (t *WebSocket) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("websocket transport already started")
	}
	handler := t.handler
	t.mu.Unlock()

	header, err := mergeHeaders(ctx, staticHeader(t.cfg.Headers), t.cfg.HeaderSource)
	if err != nil {
		return fmt.Errorf("resolving headers: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &StartError{Kind: ErrKindPermissionDenied, Retryable: false, Err: fmt.Errorf("dial %s: status %d", t.cfg.URL, resp.StatusCode)}
		}
		return ClassifyDialError(fmt.Errorf("dial %s: %w", t.cfg.URL, err))
	}

	t.logger.Debug("websocket connected", "url", t.cfg.URL)

	t.mu.Lock()
	t.conn = conn
	t.closing = false
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.readLoop(conn, handler, gen)
	return nil
}

// readLoop delivers inbound frames until the connection dies. A read error
// after Close stays silent; otherwise OnClose fires once.
func (t *WebSocket) readLoop(conn *websocket.Conn, h Handler, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := t.closing || t.gen != gen
			if t.gen == gen {
				t.conn = nil
			}
			t.mu.Unlock()

			if stale {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if h.OnError != nil {
					h.OnError(fmt.Errorf("websocket read: %w", err))
				}
			}
			if h.OnClose != nil {
				h.OnClose()
			}
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

// Send writes one message as a text frame.
func (t *WebSocket) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. Idempotent.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	t.writeMu.Unlock()

	return conn.Close()
}

func staticHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
