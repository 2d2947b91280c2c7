package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolmux/toolmux/pkg/jsonrpc"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/mcp"
)

const sseKeepAlivePeriod = 30 * time.Second

// SSEServer exposes the aggregated endpoint as an SSE pair: GET /sse opens
// the event stream and advertises a per-session message endpoint, POST
// /message carries the JSON-RPC requests whose responses flow back over
// the stream.
type SSEServer struct {
	handler     *Handler
	sessions    *SessionManager
	messagePath string
	logger      *slog.Logger
}

// NewSSEServer creates the SSE endpoint pair handler. messagePath is the
// path advertised in the endpoint event (default /message).
func NewSSEServer(handler *Handler, sessions *SessionManager, messagePath string, logger *slog.Logger) *SSEServer {
	if messagePath == "" {
		messagePath = "/message"
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SSEServer{
		handler:     handler,
		sessions:    sessions,
		messagePath: messagePath,
		logger:      logger,
	}
}

// HandleStream serves GET /sse: opens a session and streams responses
// until the client goes away.
func (s *SSEServer) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	session := s.sessions.Create()
	defer s.sessions.Remove(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	endpoint := fmt.Sprintf("%s?sessionId=%s", s.messagePath, session.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	s.logger.Debug("sse stream opened", "session", session.ID)

	keepAlive := time.NewTicker(sseKeepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse stream closed by client", "session", session.ID)
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-session.Out():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// HandleMessage serves POST /message: one JSON-RPC request whose response
// is queued onto the session's stream.
func (s *SSEServer) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, mcp.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	resp := s.handler.Handle(r.Context(), &req)
	if resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "encoding response failed", http.StatusInternalServerError)
			return
		}
		if !session.Send(data) {
			s.logger.Warn("session queue full, dropping response", "session", session.ID)
			http.Error(w, "session backlogged", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
