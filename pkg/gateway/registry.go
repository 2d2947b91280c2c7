// Package gateway aggregates many upstream MCP servers behind a single
// endpoint. The registry holds the merged tool namespace, the connection
// manager owns upstream lifecycles, and the executor routes calls.
package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolmux/toolmux/pkg/mcp"
)

// ToolSeparator joins the server name and the upstream-local tool name in
// the aggregated namespace.
const ToolSeparator = "__"

// ToolRecord is one entry in the aggregated namespace.
type ToolRecord struct {
	// FullName is the prefixed name exposed to clients, e.g. "files__read".
	FullName string `json:"fullName"`
	// OriginalName is the upstream-local tool name.
	OriginalName string          `json:"originalName"`
	ServerName   string          `json:"serverName"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	// Enabled tools are callable. Disabled tools stay in the registry so
	// they can be flipped back on without rediscovery.
	Enabled bool `json:"enabled"`
	// Exposed tools appear in tools/list. Tracks Enabled unless a caller
	// hides a tool while keeping it callable.
	Exposed bool `json:"exposed"`
	// EnabledBy records the source of the enabled state: "discovery" when
	// every advertised tool is enabled, "config" when an allow list
	// selected it, or the caller tag passed to EnableTools/DisableTools.
	EnabledBy  string    `json:"enabledBy,omitempty"`
	Discovered time.Time `json:"discovered"`
}

// PrefixTool builds the aggregated name for an upstream tool.
func PrefixTool(serverName, toolName string) string {
	return serverName + ToolSeparator + toolName
}

// ParsePrefixedTool splits an aggregated name into server and tool parts.
// The split is on the first separator, so upstream tool names containing
// "__" survive.
func ParsePrefixedTool(fullName string) (serverName, toolName string, ok bool) {
	idx := strings.Index(fullName, ToolSeparator)
	if idx <= 0 || idx+len(ToolSeparator) >= len(fullName) {
		return "", "", false
	}
	return fullName[:idx], fullName[idx+len(ToolSeparator):], true
}

// Registry is the aggregated tool namespace. Registration replaces a
// server's tool set atomically; readers never see a partial set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolRecord // fullName -> record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolRecord)}
}

// Register replaces serverName's tool set with the given tools. enabled
// lists the tools to enable; nil or empty enables everything. Returns the
// number of tools enabled.
func (r *Registry) Register(serverName string, tools []mcp.Tool, enabled []string) int {
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	enabledBy := "discovery"
	if len(allow) > 0 {
		enabledBy = "config"
	}

	now := time.Now()
	records := make(map[string]*ToolRecord, len(tools))
	count := 0
	for _, tool := range tools {
		on := len(allow) == 0 || allow[tool.Name]
		if on {
			count++
		}
		full := PrefixTool(serverName, tool.Name)
		records[full] = &ToolRecord{
			FullName:     full,
			OriginalName: tool.Name,
			ServerName:   serverName,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			Enabled:      on,
			Exposed:      on,
			EnabledBy:    enabledBy,
			Discovered:   now,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for full, rec := range r.tools {
		if rec.ServerName == serverName {
			delete(r.tools, full)
		}
	}
	for full, rec := range records {
		r.tools[full] = rec
	}
	return count
}

// Unregister removes all of serverName's tools.
func (r *Registry) Unregister(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for full, rec := range r.tools {
		if rec.ServerName == serverName {
			delete(r.tools, full)
		}
	}
}

// Lookup returns a copy of the record for an aggregated name.
func (r *Registry) Lookup(fullName string) (*ToolRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tools[fullName]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

// EnableTools turns tools on. Idempotent; unknown names are a no-op. by
// tags who flipped the state (e.g. "api").
func (r *Registry) EnableTools(fullNames []string, by string) {
	r.setEnabled(fullNames, by, true)
}

// DisableTools turns tools off. Idempotent; unknown names are a no-op.
func (r *Registry) DisableTools(fullNames []string, by string) {
	r.setEnabled(fullNames, by, false)
}

func (r *Registry) setEnabled(fullNames []string, by string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range fullNames {
		rec, ok := r.tools[name]
		if !ok {
			continue
		}
		rec.Enabled = enabled
		rec.Exposed = enabled
		rec.EnabledBy = by
	}
}

// AllTools returns every record, enabled or not, sorted by full name.
func (r *Registry) AllTools() []ToolRecord {
	return r.collect(func(*ToolRecord) bool { return true })
}

// ExposedTools returns the records advertised in tools/list.
func (r *Registry) ExposedTools() []ToolRecord {
	return r.collect(func(rec *ToolRecord) bool { return rec.Exposed })
}

// ToolsForServer returns serverName's records sorted by full name.
func (r *Registry) ToolsForServer(serverName string) []ToolRecord {
	return r.collect(func(rec *ToolRecord) bool { return rec.ServerName == serverName })
}

// SearchTools matches tools by keyword over name and description,
// case-insensitively. mode "and" requires every keyword; anything else
// matches on any keyword. Disabled records are included so a tool can be
// found before it is enabled; callers check Enabled on each hit.
func (r *Registry) SearchTools(keywords []string, mode string) []ToolRecord {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}

	return r.collect(func(rec *ToolRecord) bool {
		if len(lowered) == 0 {
			return false
		}
		haystack := strings.ToLower(rec.FullName + " " + rec.Description)
		for _, term := range lowered {
			hit := strings.Contains(haystack, term)
			if mode == "and" && !hit {
				return false
			}
			if mode != "and" && hit {
				return true
			}
		}
		return mode == "and"
	})
}

// Count returns exposed and total tool counts.
func (r *Registry) Count() (exposed, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.tools {
		total++
		if rec.Exposed {
			exposed++
		}
	}
	return exposed, total
}

func (r *Registry) collect(keep func(*ToolRecord) bool) []ToolRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolRecord
	for _, rec := range r.tools {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// MCPTools renders the exposed tools as MCP definitions for tools/list.
func (r *Registry) MCPTools() []mcp.Tool {
	records := r.ExposedTools()
	tools := make([]mcp.Tool, 0, len(records))
	for _, rec := range records {
		desc := rec.Description
		if desc != "" {
			desc = fmt.Sprintf("[%s] %s", rec.ServerName, desc)
		}
		tools = append(tools, mcp.Tool{
			Name:        rec.FullName,
			Description: desc,
			InputSchema: rec.InputSchema,
		})
	}
	return tools
}
