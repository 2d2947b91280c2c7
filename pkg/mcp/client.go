package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolmux/toolmux/pkg/jsonrpc"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/transport"
)

// ErrConnectionClosed fails pending calls when the underlying channel dies.
var ErrConnectionClosed = errors.New("mcp: connection closed")

// Client speaks MCP over a transport. Outbound requests are correlated with
// inbound responses by numeric ID; the transport's reconnection behavior is
// invisible here except that in-flight calls fail when the channel closes.
type Client struct {
	name    string
	tr      transport.Transport
	logger  *slog.Logger
	timeout time.Duration

	requestID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Response

	stateMu     sync.RWMutex
	initialized bool
	serverInfo  ServerInfo
	tools       []Tool
}

// NewClient creates a client bound to the given transport. The client
// installs its message handler on the transport; callers must not replace
// it.
func NewClient(name string, tr transport.Transport, logger *slog.Logger, timeout time.Duration) *Client {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{
		name:    name,
		tr:      tr,
		logger:  logger,
		timeout: timeout,
		pending: make(map[int64]chan *jsonrpc.Response),
	}
	tr.SetHandler(transport.Handler{
		OnMessage: c.handleMessage,
		OnError: func(err error) {
			c.logger.Warn("transport error", "server", c.name, "error", err)
		},
		OnClose: func() {
			c.failPending(ErrConnectionClosed)
			c.stateMu.Lock()
			c.initialized = false
			c.stateMu.Unlock()
		},
	})
	return c
}

// Name returns the upstream server name this client is bound to.
func (c *Client) Name() string { return c.name }

// handleMessage routes an inbound message. Responses resolve pending calls;
// anything else (server-initiated requests, notifications) is logged and
// dropped.
func (c *Client) handleMessage(data []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil || (resp.Result == nil && resp.Error == nil) {
		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err == nil && req.Method != "" {
			c.logger.Debug("ignoring server-initiated message", "server", c.name, "method", req.Method)
			return
		}
		c.logger.Warn("unparseable message", "server", c.name, "msg", string(data))
		return
	}

	var id int64
	if err := json.Unmarshal(*resp.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", "server", c.name, "id", string(*resp.ID))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", "server", c.name, "id", id)
		return
	}
	ch <- &resp
}

// failPending resolves every in-flight call with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- &jsonrpc.Response{
			JSONRPC: jsonrpc.Version,
			Error:   &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()},
		}
		_ = id
	}
}

// Call performs one JSON-RPC request and decodes the result.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := c.requestID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	respCh := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	drop := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	c.logger.Debug("sending request", "server", c.name, "method", method, "id", id)
	if err := c.tr.Send(ctx, data); err != nil {
		drop()
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		drop()
		return ctx.Err()
	case <-timer.C:
		drop()
		return fmt.Errorf("timeout waiting for %s response from %s", method, c.name)
	case resp := <-respCh:
		if resp.Error != nil {
			if resp.Error.Message == ErrConnectionClosed.Error() {
				return ErrConnectionClosed
			}
			return fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshaling result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return c.tr.Send(ctx, data)
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "toolmux", Version: "dev"},
		Capabilities:    Capabilities{},
	}

	var result InitializeResult
	if err := c.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.stateMu.Lock()
	c.serverInfo = result.ServerInfo
	c.initialized = true
	c.stateMu.Unlock()

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "server", c.name, "error", err)
	}

	c.logger.Info("initialized", "server", c.name, "upstream", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// RefreshTools fetches the upstream tool list, following pagination.
func (c *Client) RefreshTools(ctx context.Context) error {
	var all []Tool
	var cursor *string

	for {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}

		var result ToolsListResult
		if err := c.Call(ctx, "tools/list", params, &result); err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		all = append(all, result.Tools...)

		if result.NextCursor == nil || *result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.stateMu.Lock()
	c.tools = all
	c.stateMu.Unlock()

	c.logger.Debug("tools refreshed", "server", c.name, "count", len(all))
	return nil
}

// Tools returns a snapshot of the last discovered tool list.
func (c *Client) Tools() []Tool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// ServerInfo returns the upstream's reported identity.
func (c *Client) ServerInfo() ServerInfo {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.serverInfo
}

// IsInitialized reports whether the handshake completed on the current
// channel.
func (c *Client) IsInitialized() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.initialized
}

// CallTool invokes one tool by its upstream-local name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := ToolCallParams{Name: name, Arguments: arguments}
	var result ToolCallResult
	if err := c.Call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks protocol-level liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}
