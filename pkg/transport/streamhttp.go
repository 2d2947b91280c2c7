package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/toolmux/toolmux/pkg/logging"
)

// sessionIDHeader carries the server-assigned session for stateful
// streamable HTTP servers.
const sessionIDHeader = "Mcp-Session-Id"

// StreamableHTTPConfig configures a streamable HTTP transport.
type StreamableHTTPConfig struct {
	// URL is the server endpoint (POST per message).
	URL string
	// Headers are sent with every request.
	Headers map[string]string
	// HeaderSource, when set, supplies additional headers per request.
	HeaderSource HeaderSource
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// StreamableHTTP POSTs each outbound message to a single endpoint. The
// server answers with either a JSON body or a text/event-stream chunk
// sequence; both are delivered through OnMessage. A session ID assigned by
// the server is captured and replayed on subsequent requests.
type StreamableHTTP struct {
	cfg    StreamableHTTPConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	handler   Handler
	started   bool
	sessionID string
	closeOnce *sync.Once
}

// NewStreamableHTTP creates a streamable HTTP transport for the endpoint.
func NewStreamableHTTP(cfg StreamableHTTPConfig, logger *slog.Logger) *StreamableHTTP {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &StreamableHTTP{cfg: cfg, logger: logger, client: client}
}

// SetHandler installs the event handler. Must be called before Start.
func (t *StreamableHTTP) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start marks the transport ready. The endpoint is connectionless; the
// channel is proven live by the first successful POST.
func (t *StreamableHTTP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("streamable HTTP transport already started")
	}
	t.started = true
	t.sessionID = ""
	t.closeOnce = &sync.Once{}
	return nil
}

// Send POSTs one message and delivers the response body, JSON or event
// stream, through OnMessage.
func (t *StreamableHTTP) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotConnected
	}
	handler := t.handler
	sessionID := t.sessionID
	closeOnce := t.closeOnce
	t.mu.Unlock()

	header, err := mergeHeaders(ctx, staticHeader(t.cfg.Headers), t.cfg.HeaderSource)
	if err != nil {
		return fmt.Errorf("resolving headers: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = header
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", t.cfg.URL, err)
	}

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && sessionID != "":
		// The server dropped our session. The channel is dead; a fresh
		// Start negotiates a new session.
		resp.Body.Close()
		t.expireSession(closeOnce, handler)
		return fmt.Errorf("session expired (status 404)")
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("posting to %s: status %d: %s", t.cfg.URL, resp.StatusCode, bytes.TrimSpace(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		go t.readEventStream(resp.Body, handler)
		return nil
	default:
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 && handler.OnMessage != nil {
			handler.OnMessage(body)
		}
		return nil
	}
}

// readEventStream delivers each event on a per-request response stream.
// Stream end is normal here and does not close the channel.
func (t *StreamableHTTP) readEventStream(body io.ReadCloser, h Handler) {
	defer body.Close()

	config := &sse.ReadConfig{MaxEventSize: sseMaxEventSize}
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			t.logger.Debug("event stream ended", "error", err)
			return
		}
		if ev.Data == "" {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage([]byte(ev.Data))
		}
	}
}

// expireSession invalidates the current session and signals channel loss.
func (t *StreamableHTTP) expireSession(once *sync.Once, h Handler) {
	t.mu.Lock()
	manual := !t.started
	t.sessionID = ""
	t.mu.Unlock()

	if manual || once == nil {
		return
	}
	once.Do(func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	})
}

// Close discards the session. Idempotent.
func (t *StreamableHTTP) Close() error {
	t.mu.Lock()
	once := t.closeOnce
	t.started = false
	t.sessionID = ""
	t.closeOnce = nil
	t.mu.Unlock()

	if once != nil {
		// Burn the once so a late 404 stays silent.
		once.Do(func() {})
	}
	return nil
}
