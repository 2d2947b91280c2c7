package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/mcp"
	"github.com/toolmux/toolmux/pkg/plugin"
)

func testExecutor(t *testing.T, upstreams []config.Upstream, plugins []config.PluginConfig) (*Executor, *Manager) {
	t.Helper()

	m, err := NewManager(upstreams, ManagerOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	var pr *plugin.Registry
	if len(plugins) > 0 {
		pr = plugin.NewRegistry(nil)
		require.NoError(t, pr.Load(plugins))
	}
	return NewExecutor(m, pr, nil), m
}

func TestExecutor_RoutesToUpstream(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{{Name: "read", InputSchema: json.RawMessage(`{}`)}},
		results: map[string]*mcp.ToolCallResult{
			"read": {Content: []mcp.Content{mcp.NewTextContent("data")}},
		},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, nil)
	m.Initialize(context.Background())

	result, err := e.Execute(context.Background(), "files__read", map[string]any{"path": "/x"})
	require.NoError(t, err)
	assert.Equal(t, "data", result.Content[0].Text)
}

func TestExecutor_UnknownTool(t *testing.T) {
	e, _ := testExecutor(t, nil, nil)

	_, err := e.Execute(context.Background(), "nope__tool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")

	_, err = e.Execute(context.Background(), "badname", nil)
	require.Error(t, err)
}

func TestExecutor_DisconnectedOwnerFailsFast(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{{Name: "read", InputSchema: json.RawMessage(`{}`)}},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, nil)
	m.Initialize(context.Background())
	require.NoError(t, m.Disconnect("files"))

	_, err := e.Execute(context.Background(), "files__read", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestExecutor_DisabledToolRejected(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{{Name: "read", InputSchema: json.RawMessage(`{}`)}},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, nil)
	m.Initialize(context.Background())
	m.Registry().DisableTools([]string{"files__read"}, "api")

	_, err := e.Execute(context.Background(), "files__read", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestExecutor_PluginTool(t *testing.T) {
	e, _ := testExecutor(t, nil, []config.PluginConfig{
		{Name: "echo", Script: `function handler(args) { return "echo: " + args.msg; }`},
	})

	result, err := e.Execute(context.Background(), "plugin__echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "echo: hi", result.Content[0].Text)
}

func TestExecutor_PluginFailureIsStructured(t *testing.T) {
	e, _ := testExecutor(t, nil, []config.PluginConfig{
		{Name: "boom", Script: `function handler() { throw new Error("kaput"); }`},
	})

	result, err := e.Execute(context.Background(), "plugin__boom", nil)
	require.NoError(t, err, "plugin failures become IsError results, not RPC errors")
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "kaput")
}

func TestExecutor_CoreSearchTools(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{
			{Name: "read", Description: "Read a file", InputSchema: json.RawMessage(`{}`)},
			{Name: "query", Description: "Search the index", InputSchema: json.RawMessage(`{}`)},
		},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, nil)
	m.Initialize(context.Background())

	result, err := e.Execute(context.Background(), "gateway__search_tools", map[string]any{"query": "file"})
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].Text, "files__read")
	assert.NotContains(t, result.Content[0].Text, "files__query")

	// Missing query is a structured error.
	result, err = e.Execute(context.Background(), "gateway__search_tools", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecutor_CoreServerStatus(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{{Name: "read", InputSchema: json.RawMessage(`{}`)}},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, nil)
	m.Initialize(context.Background())

	result, err := e.Execute(context.Background(), "gateway__server_status", nil)
	require.NoError(t, err)

	var statuses []ServerStatus
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "files", statuses[0].Name)
	assert.Equal(t, "connected", statuses[0].Status)
}

func TestExecutor_ToolsAggregatesAllSources(t *testing.T) {
	srv := startMockUpstream(t, &mockUpstream{
		tools: []mcp.Tool{{Name: "read", InputSchema: json.RawMessage(`{}`)}},
	})

	e, m := testExecutor(t, []config.Upstream{streamableUpstream("files", srv.URL)}, []config.PluginConfig{
		{Name: "echo", Description: "Echo back", Script: `function handler(a) { return a; }`},
	})
	m.Initialize(context.Background())

	names := make(map[string]bool)
	for _, tool := range e.Tools() {
		names[tool.Name] = true
	}
	assert.True(t, names["files__read"])
	assert.True(t, names["gateway__search_tools"])
	assert.True(t, names["gateway__server_status"])
	assert.True(t, names["plugin__echo"])
}
