package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/jsonrpc"
	"github.com/toolmux/toolmux/pkg/mcp"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	e, _ := testExecutor(t, nil, []config.PluginConfig{
		{Name: "echo", Script: `function handler(args) { return args.msg; }`},
	})
	return NewHandler(e, "toolmux-test", "0.0.1", nil)
}

func postRPC(t *testing.T, srv *httptest.Server, payload string) (*http.Response, jsonrpc.Response) {
	t.Helper()
	resp, err := http.Post(srv.URL, "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var rpcResp jsonrpc.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	}
	return resp, rpcResp
}

func TestHandler_Initialize(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Nil(t, rpcResp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &result))
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "toolmux-test", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
}

func TestHandler_ToolsList(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, rpcResp.Error)

	var result mcp.ToolsListResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &result))

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["gateway__search_tools"])
	assert.True(t, names["plugin__echo"])
}

func TestHandler_ToolsCall(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"plugin__echo","arguments":{"msg":"hello"}}}`)
	require.Nil(t, rpcResp.Error)

	var result mcp.ToolCallResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestHandler_ToolsCallUnknownTool(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"ghost__tool"}}`)
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.InternalError, rpcResp.Error.Code)
}

func TestHandler_ToolsCallMissingName(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{}}`)
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.InvalidParams, rpcResp.Error.Code)
}

func TestHandler_Ping(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	require.Nil(t, rpcResp.Error)
}

func TestHandler_UnknownMethod(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcResp.Error.Code)
}

func TestHandler_NotificationAccepted(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	resp, _ := postRPC(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandler_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	_, rpcResp := postRPC(t, srv, `{not json`)
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, jsonrpc.ParseError, rpcResp.Error.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(testHandler(t))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
