package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/toolmux/toolmux/pkg/logging"
)

const (
	sseEndpointWait    = 10 * time.Second
	sseMaxEventSize    = 1024 * 1024
	sseEventTypeMsg    = "message"
	sseEventTypeTarget = "endpoint"
)

// SSEConfig configures an SSE transport.
type SSEConfig struct {
	// URL is the event stream endpoint (GET).
	URL string
	// Headers are sent with the stream request and every message POST.
	Headers map[string]string
	// HeaderSource, when set, supplies additional headers at Start.
	HeaderSource HeaderSource
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// EndpointWait bounds how long Start waits for the server to advertise
	// its message endpoint (default 10s).
	EndpointWait time.Duration
}

// SSE reads server messages from a long-lived event stream and POSTs
// outbound messages to the endpoint URL the server advertises in its first
// event.
type SSE struct {
	cfg    SSEConfig
	logger *slog.Logger
	client *http.Client

	mu         sync.Mutex
	handler    Handler
	header     http.Header
	messageURL string
	cancel     context.CancelFunc
	closing    bool
	gen        int
}

// NewSSE creates an SSE transport for the given stream URL.
func NewSSE(cfg SSEConfig, logger *slog.Logger) *SSE {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if cfg.EndpointWait <= 0 {
		cfg.EndpointWait = sseEndpointWait
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSE{cfg: cfg, logger: logger, client: client}
}

// SetHandler installs the event handler. Must be called before Start.
func (t *SSE) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start opens the event stream and waits for the endpoint event.
func (t *SSE) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("sse transport already started")
	}
	handler := t.handler
	t.mu.Unlock()

	header, err := mergeHeaders(ctx, staticHeader(t.cfg.Headers), t.cfg.HeaderSource)
	if err != nil {
		return fmt.Errorf("resolving headers: %w", err)
	}
	header.Set("Accept", "text/event-stream")

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header = header

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return ClassifyDialError(fmt.Errorf("connecting to %s: %w", t.cfg.URL, err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &StartError{Kind: ErrKindPermissionDenied, Retryable: false, Err: fmt.Errorf("stream %s: status %d", t.cfg.URL, resp.StatusCode)}
		}
		return &StartError{Kind: ErrKindGeneric, Retryable: true, Err: fmt.Errorf("stream %s: status %d", t.cfg.URL, resp.StatusCode)}
	}

	t.mu.Lock()
	t.cancel = cancel
	t.header = header
	t.closing = false
	t.messageURL = ""
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	ready := make(chan error, 1)
	go t.readLoop(resp, handler, gen, ready)

	select {
	case err := <-ready:
		if err != nil {
			t.teardown(gen)
			return &StartError{Kind: ErrKindGeneric, Retryable: true, Err: err}
		}
		return nil
	case <-time.After(t.cfg.EndpointWait):
		t.teardown(gen)
		return &StartError{Kind: ErrKindTimeout, Retryable: true, Err: fmt.Errorf("no endpoint event within %s", t.cfg.EndpointWait)}
	case <-ctx.Done():
		t.teardown(gen)
		return ctx.Err()
	}
}

// readLoop consumes the event stream. The first endpoint event resolves the
// message URL; message events are delivered to the handler.
func (t *SSE) readLoop(resp *http.Response, h Handler, gen int, ready chan<- error) {
	defer resp.Body.Close()

	endpointSeen := false
	config := &sse.ReadConfig{MaxEventSize: sseMaxEventSize}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			break
		}

		switch ev.Type {
		case sseEventTypeTarget:
			endpoint, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				if !endpointSeen {
					endpointSeen = true
					ready <- err
				}
				return
			}
			t.mu.Lock()
			t.messageURL = endpoint
			t.mu.Unlock()
			if !endpointSeen {
				endpointSeen = true
				ready <- nil
			}
		case sseEventTypeMsg:
			if h.OnMessage != nil {
				h.OnMessage([]byte(ev.Data))
			}
		default:
			t.logger.Debug("unhandled event type", "type", ev.Type)
		}
	}

	t.mu.Lock()
	stale := t.closing || t.gen != gen
	if t.gen == gen {
		t.cancel = nil
		t.messageURL = ""
	}
	t.mu.Unlock()

	if stale {
		return
	}
	if !endpointSeen {
		ready <- fmt.Errorf("stream closed before endpoint event")
		return
	}
	if h.OnClose != nil {
		h.OnClose()
	}
}

// resolveEndpoint resolves the advertised endpoint against the stream URL.
func (t *SSE) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing stream URL: %w", err)
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint URL: %w", err)
	}
	resolved := base.ResolveReference(endpoint).String()
	if resolved == "" {
		return "", fmt.Errorf("empty endpoint URL")
	}
	return resolved, nil
}

// Send POSTs one message to the advertised endpoint.
func (t *SSE) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	messageURL := t.messageURL
	header := t.header
	t.mu.Unlock()

	if messageURL == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating message request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Del("Accept")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("posting message: status %d", resp.StatusCode)
	}
	return nil
}

// Close cancels the event stream. Idempotent.
func (t *SSE) Close() error {
	t.mu.Lock()
	t.closing = true
	cancel := t.cancel
	t.cancel = nil
	t.messageURL = ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// teardown cancels the stream for a failed Start without marking the
// transport manually closed.
func (t *SSE) teardown(gen int) {
	t.mu.Lock()
	var cancel context.CancelFunc
	if t.gen == gen && t.cancel != nil {
		cancel = t.cancel
		t.cancel = nil
		t.messageURL = ""
		t.closing = true
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
