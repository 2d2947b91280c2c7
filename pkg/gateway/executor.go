package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/mcp"
	"github.com/toolmux/toolmux/pkg/plugin"
)

// Reserved server prefixes in the aggregated namespace.
const (
	CoreServerName   = "gateway"
	PluginServerName = "plugin"
)

// Executor routes tool calls. Resolution order: plugin tools, built-in
// core tools, then upstream tools through the registry record and a live
// connection. Calls are never queued across a reconnect; a disconnected
// owner fails fast.
type Executor struct {
	manager *Manager
	plugins *plugin.Registry
	core    map[string]*CoreTool
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewExecutor wires the executor. plugins may be nil when none are
// configured.
func NewExecutor(manager *Manager, plugins *plugin.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	e := &Executor{
		manager: manager,
		plugins: plugins,
		logger:  logger,
		tracer:  otel.Tracer("toolmux/gateway"),
	}
	e.core = coreTools(e)
	return e
}

// Execute runs one aggregated tool call.
func (e *Executor) Execute(ctx context.Context, fullName string, args map[string]any) (*mcp.ToolCallResult, error) {
	ctx, span := e.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", fullName)))
	defer span.End()

	result, err := e.execute(ctx, fullName, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else if result.IsError {
		span.SetStatus(codes.Error, "tool returned error result")
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, fullName string, args map[string]any) (*mcp.ToolCallResult, error) {
	serverName, toolName, ok := ParsePrefixedTool(fullName)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", fullName)
	}

	switch serverName {
	case PluginServerName:
		return e.executePlugin(ctx, toolName, args)
	case CoreServerName:
		return e.executeCore(ctx, toolName, args)
	}

	rec, found := e.manager.Registry().Lookup(fullName)
	if !found {
		return nil, fmt.Errorf("unknown tool: %s", fullName)
	}
	if !rec.Enabled {
		return nil, fmt.Errorf("tool %s is disabled", fullName)
	}

	client, err := e.manager.Client(rec.ServerName)
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, rec.OriginalName, args)
	if err != nil {
		e.logger.Error("upstream tool call failed",
			"tool", fullName,
			"server", rec.ServerName,
			"error", err)
		return nil, err
	}
	return result, nil
}

// executePlugin runs a JavaScript plugin. Failures become structured
// error results rather than RPC errors.
func (e *Executor) executePlugin(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	if e.plugins == nil {
		return nil, fmt.Errorf("unknown tool: %s", PrefixTool(PluginServerName, name))
	}
	p, ok := e.plugins.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", PrefixTool(PluginServerName, name))
	}

	res, err := p.Invoke(ctx, args)
	if err != nil {
		return mcp.NewErrorResult(err.Error()), nil
	}

	content := []mcp.Content{mcp.NewTextContent(res.Output)}
	if len(res.Console) > 0 {
		content = append(content, mcp.NewTextContent("console:\n"+strings.Join(res.Console, "\n")))
	}
	return &mcp.ToolCallResult{Content: content}, nil
}

func (e *Executor) executeCore(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	tool, ok := e.core[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", PrefixTool(CoreServerName, name))
	}
	result, err := tool.Run(ctx, args)
	if err != nil {
		return mcp.NewErrorResult(err.Error()), nil
	}
	return result, nil
}

// Tools returns the full aggregated tool list for tools/list: upstream
// exposed tools, core tools, and plugins.
func (e *Executor) Tools() []mcp.Tool {
	tools := e.manager.Registry().MCPTools()

	coreNames := make([]string, 0, len(e.core))
	for name := range e.core {
		coreNames = append(coreNames, name)
	}
	sort.Strings(coreNames)
	for _, name := range coreNames {
		tool := e.core[name]
		schema, _ := schemaJSON(tool.Schema)
		tools = append(tools, mcp.Tool{
			Name:        PrefixTool(CoreServerName, name),
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	if e.plugins != nil {
		for _, p := range e.plugins.List() {
			tools = append(tools, mcp.Tool{
				Name:        PrefixTool(PluginServerName, p.Name),
				Description: p.Description,
				InputSchema: p.SchemaJSON(),
			})
		}
	}
	return tools
}
