package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/toolmux/toolmux/pkg/jsonrpc"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/mcp"
)

// Handler serves the aggregated MCP endpoint over HTTP JSON-RPC: one
// request per POST, one response per body. Transport adaptation only; the
// executor owns routing.
type Handler struct {
	executor *Executor
	name     string
	version  string
	logger   *slog.Logger
}

// NewHandler creates the /mcp endpoint handler.
func NewHandler(executor *Executor, name, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{executor: executor, name: name, version: version, logger: logger}
}

// ServeHTTP handles one JSON-RPC request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, mcp.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "failed to read request body"))
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON"))
		return
	}

	resp := h.Handle(r.Context(), &req)
	if resp == nil {
		// Notification: nothing to say back.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeResponse(w, *resp)
}

// Handle dispatches one JSON-RPC request. Returns nil for notifications.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		h.logger.Debug("notification received", "method", req.Method)
		return nil
	}

	var resp jsonrpc.Response
	switch req.Method {
	case "initialize":
		resp = h.handleInitialize(req)
	case "tools/list":
		resp = h.handleToolsList(req)
	case "tools/call":
		resp = h.handleToolsCall(ctx, req)
	case "ping":
		resp = jsonrpc.NewSuccessResponse(req.ID, map[string]any{})
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method: "+req.Method)
	}
	return &resp
}

func (h *Handler) handleInitialize(req *jsonrpc.Request) jsonrpc.Response {
	result := mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: h.name, Version: h.version},
		Capabilities: mcp.Capabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
	}
	return jsonrpc.NewSuccessResponse(req.ID, result)
}

func (h *Handler) handleToolsList(req *jsonrpc.Request) jsonrpc.Response {
	// The aggregated list is served in one page.
	result := mcp.ToolsListResult{Tools: h.executor.Tools()}
	if result.Tools == nil {
		result.Tools = []mcp.Tool{}
	}
	return jsonrpc.NewSuccessResponse(req.ID, result)
}

func (h *Handler) handleToolsCall(ctx context.Context, req *jsonrpc.Request) jsonrpc.Response {
	var params mcp.ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid tools/call params")
		}
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "tool name is required")
	}

	result, err := h.executor.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error())
	}
	return jsonrpc.NewSuccessResponse(req.ID, result)
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("writing response failed", "error", err)
	}
}
