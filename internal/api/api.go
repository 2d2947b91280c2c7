// Package api serves the gateway's HTTP surface: the MCP endpoints, the
// status/control API, and health probes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/toolmux/toolmux/pkg/gateway"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/mcp"
)

// Reloader triggers a configuration reload from disk.
type Reloader interface {
	Reload(ctx context.Context) (*ReloadResult, error)
}

// ReloadResult summarizes one reload pass.
type ReloadResult struct {
	Success bool     `json:"success"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Server is the combined HTTP server for toolmux.
type Server struct {
	manager    *gateway.Manager
	executor   *gateway.Executor
	mcpHandler *gateway.Handler
	sseServer  *gateway.SSEServer
	sessions   *gateway.SessionManager

	logBuffer *logging.LogBuffer
	reloader  Reloader

	allowedOrigins []string
	authType       string
	authToken      string
	authHeader     string
}

// NewServer wires the API server around the gateway components.
func NewServer(manager *gateway.Manager, executor *gateway.Executor, mcpHandler *gateway.Handler, sessions *gateway.SessionManager) *Server {
	return &Server{
		manager:    manager,
		executor:   executor,
		mcpHandler: mcpHandler,
		sessions:   sessions,
		sseServer:  gateway.NewSSEServer(mcpHandler, sessions, "/message", nil),
	}
}

// SetLogBuffer attaches the in-memory log ring served at /api/logs.
func (s *Server) SetLogBuffer(buffer *logging.LogBuffer) {
	s.logBuffer = buffer
}

// SetReloader enables POST /api/reload.
func (s *Server) SetReloader(r Reloader) {
	s.reloader = r
}

// SetAllowedOrigins sets the CORS allowed origins.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.allowedOrigins = origins
}

// SetAuth configures request authentication. All endpoints except /health,
// /ready, and CORS preflight require a valid token once set.
func (s *Server) SetAuth(authType, token, header string) {
	s.authType = authType
	s.authToken = token
	s.authHeader = header
}

// Handler returns the main HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/mcp", s.mcpHandler)
	mux.HandleFunc("/sse", s.sseServer.HandleStream)
	mux.HandleFunc("/message", s.sseServer.HandleMessage)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/servers/", s.handleServerAction)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/reload", s.handleReload)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	handler := authMiddleware(s.authType, s.authToken, s.authHeader, mux)

	var extraHeaders []string
	if s.authHeader != "" && s.authHeader != "Authorization" {
		extraHeaders = append(extraHeaders, s.authHeader)
	}
	return corsMiddleware(s.allowedOrigins, extraHeaders, handler)
}

// handleStatus returns the overall gateway status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exposed, total := s.manager.Registry().Count()
	connected, disconnected := s.manager.ListStatuses()

	status := struct {
		Servers      []gateway.ServerStatus `json:"servers"`
		Connected    []string               `json:"connected"`
		Disconnected []string               `json:"disconnected"`
		ToolsExposed int                    `json:"toolsExposed"`
		ToolsTotal   int                    `json:"toolsTotal"`
		Sessions     int                    `json:"sessions"`
	}{
		Servers:      s.manager.Statuses(),
		Connected:    connected,
		Disconnected: disconnected,
		ToolsExposed: exposed,
		ToolsTotal:   total,
		Sessions:     s.sessions.Count(),
	}
	writeJSON(w, status)
}

// handleServers returns per-upstream connection status.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.manager.Statuses())
}

// handleServerAction routes POST /api/servers/{name}/{action}.
func (s *Server) handleServerAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/servers/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Invalid path: expected /api/servers/{name}/{action}", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, action := parts[0], parts[1]
	var err error
	switch action {
	case "reconnect":
		err = s.manager.Reconnect(r.Context(), name)
	case "disconnect":
		err = s.manager.Disconnect(name)
	default:
		http.Error(w, "Unknown action: "+action, http.StatusBadRequest)
		return
	}

	if err != nil {
		code := http.StatusInternalServerError
		if strings.Contains(err.Error(), "unknown server") {
			code = http.StatusNotFound
		}
		writeJSONError(w, err.Error(), code)
		return
	}

	status, _ := s.manager.GetStatus(name)
	writeJSON(w, status)
}

// handleTools returns the aggregated tool list.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tools := s.executor.Tools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, tools)
}

// handleLogs returns recent structured logs from the ring buffer.
// GET /api/logs?lines=100&level=error,warn
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.logBuffer == nil {
		writeJSON(w, []logging.BufferedEntry{})
		return
	}

	lines := 100
	if linesParam := r.URL.Query().Get("lines"); linesParam != "" {
		if n, err := strconv.Atoi(linesParam); err == nil && n > 0 {
			lines = n
		}
	}

	entries := s.logBuffer.GetRecent(lines)

	if levelParam := r.URL.Query().Get("level"); levelParam != "" {
		levels := make(map[string]bool)
		for _, l := range strings.Split(levelParam, ",") {
			levels[strings.ToUpper(strings.TrimSpace(l))] = true
		}
		filtered := make([]logging.BufferedEntry, 0, len(entries))
		for _, entry := range entries {
			if levels[entry.Level] {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	if entries == nil {
		entries = []logging.BufferedEntry{}
	}
	writeJSON(w, entries)
}

// handleReload triggers a configuration reload from disk.
// POST /api/reload
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.reloader == nil {
		writeJSONError(w, "Reload not enabled (start with --watch)", http.StatusServiceUnavailable)
		return
	}

	result, err := s.reloader.Reload(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !result.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	writeJSON(w, result)
}

// handleHealth is the liveness check: OK whenever the process serves
// requests, regardless of upstream state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady is the readiness check: OK only when every upstream is
// connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, disconnected := s.manager.ListStatuses()
	if len(disconnected) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("server not connected: " + strings.Join(disconnected, ", ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// corsMiddleware adds CORS headers based on allowed origins. extraHeaders
// extend Access-Control-Allow-Headers.
func corsMiddleware(allowedOrigins []string, extraHeaders []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	allowHeaders := "Content-Type, Authorization"
	for _, h := range extraHeaders {
		allowHeaders += ", " + h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || originSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
