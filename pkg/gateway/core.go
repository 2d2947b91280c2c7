package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toolmux/toolmux/pkg/mcp"
)

// CoreTool is a gateway built-in served under the "gateway" prefix.
type CoreTool struct {
	Description string
	Schema      mcp.InputSchemaObject
	Run         func(ctx context.Context, args map[string]any) (*mcp.ToolCallResult, error)
}

func schemaJSON(schema mcp.InputSchemaObject) (json.RawMessage, error) {
	if schema.Type == "" {
		schema.Type = "object"
	}
	return json.Marshal(schema)
}

func coreTools(e *Executor) map[string]*CoreTool {
	return map[string]*CoreTool{
		"search_tools": {
			Description: "Search the aggregated tool catalog by keyword over names and descriptions.",
			Schema: mcp.InputSchemaObject{
				Type: "object",
				Properties: map[string]mcp.Property{
					"query": {Type: "string", Description: "Whitespace-separated keywords"},
					"mode":  {Type: "string", Description: "Match mode", Enum: []string{"and", "or"}, Default: "and"},
				},
				Required: []string{"query"},
			},
			Run: e.runSearchTools,
		},
		"server_status": {
			Description: "Report the connection status and tool count of every upstream server.",
			Schema: mcp.InputSchemaObject{
				Type: "object",
			},
			Run: e.runServerStatus,
		},
	}
}

func (e *Executor) runSearchTools(ctx context.Context, args map[string]any) (*mcp.ToolCallResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	mode, _ := args["mode"].(string)
	if mode != "or" {
		mode = "and"
	}

	keywords := splitKeywords(query)
	hits := e.manager.Registry().SearchTools(keywords, mode)

	type hit struct {
		Name        string `json:"name"`
		Server      string `json:"server"`
		Description string `json:"description,omitempty"`
		Enabled     bool   `json:"enabled"`
	}
	out := make([]hit, 0, len(hits))
	for _, rec := range hits {
		out = append(out, hit{Name: rec.FullName, Server: rec.ServerName, Description: rec.Description, Enabled: rec.Enabled})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ToolCallResult{Content: []mcp.Content{mcp.NewTextContent(string(data))}}, nil
}

func (e *Executor) runServerStatus(ctx context.Context, args map[string]any) (*mcp.ToolCallResult, error) {
	statuses := e.manager.Statuses()
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ToolCallResult{Content: []mcp.Content{mcp.NewTextContent(string(data))}}, nil
}

func splitKeywords(query string) []string {
	return strings.FieldsFunc(query, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
}
