// Package plugin runs locally defined tools: JavaScript files executed in
// a sandboxed goja runtime with a per-invocation timeout. Scripts define a
// handler(args) function; its return value becomes the tool result.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/logging"
)

// DefaultTimeout bounds one invocation when the config does not say
// otherwise.
const DefaultTimeout = 10 * time.Second

// MaxScriptSize caps plugin script size (256KB).
const MaxScriptSize = 256 * 1024

// Plugin is one loaded tool. The script is transpiled and compiled once at
// load; every invocation runs it in a fresh runtime so no state leaks
// between calls.
type Plugin struct {
	Name        string
	Description string
	Schema      map[string]any

	program *goja.Program
	timeout time.Duration
}

// Result is one invocation's outcome.
type Result struct {
	// Output is the handler's return value, stringified. Strings pass
	// through; everything else is JSON-encoded.
	Output string
	// Console captures console.log/warn/error lines.
	Console []string
}

// SchemaJSON renders the input schema for tools/list. A plugin without a
// schema gets an empty object schema.
func (p *Plugin) SchemaJSON() json.RawMessage {
	schema := p.Schema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// Invoke runs the plugin's handler with the given arguments.
func (p *Plugin) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	vm := goja.New()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	go func() {
		<-ctx.Done()
		vm.Interrupt("execution timeout exceeded")
	}()

	var consoleOutput []string
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		consoleOutput = append(consoleOutput, strings.Join(parts, " "))
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("warn", logFn)
	_ = console.Set("error", logFn)
	_ = vm.Set("console", console)

	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, runError(err)
	}

	handler, ok := goja.AssertFunction(vm.Get("handler"))
	if !ok {
		return nil, fmt.Errorf("plugin %s does not define a handler function", p.Name)
	}

	val, err := handler(goja.Undefined(), vm.ToValue(args))
	if err != nil {
		return nil, runError(err)
	}

	result := &Result{Console: consoleOutput}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		exported := val.Export()
		if s, ok := exported.(string); ok {
			result.Output = s
		} else {
			data, err := json.Marshal(exported)
			if err != nil {
				return nil, fmt.Errorf("encoding plugin result: %w", err)
			}
			result.Output = string(data)
		}
	}
	return result, nil
}

func runError(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return fmt.Errorf("plugin execution timed out")
	}
	return fmt.Errorf("plugin execution failed: %w", err)
}

// Registry holds the loaded plugins by name.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Registry{logger: logger, plugins: make(map[string]*Plugin)}
}

// Load compiles the configured plugins and replaces the current set
// atomically. A compile failure in any plugin leaves the previous set in
// place.
func (r *Registry) Load(cfgs []config.PluginConfig) error {
	loaded := make(map[string]*Plugin, len(cfgs))
	for _, cfg := range cfgs {
		p, err := compile(cfg)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", cfg.Name, err)
		}
		loaded[p.Name] = p
	}

	r.mu.Lock()
	r.plugins = loaded
	r.mu.Unlock()

	r.logger.Info("plugins loaded", "count", len(loaded))
	return nil
}

func compile(cfg config.PluginConfig) (*Plugin, error) {
	source := cfg.Script
	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("reading script: %w", err)
		}
		source = string(data)
	}
	if len(source) > MaxScriptSize {
		return nil, fmt.Errorf("script too large: %d bytes (maximum is %d)", len(source), MaxScriptSize)
	}

	transpiled, err := Transpile(source)
	if err != nil {
		return nil, err
	}

	program, err := goja.Compile(cfg.Name, transpiled, false)
	if err != nil {
		return nil, fmt.Errorf("compiling script: %w", err)
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Plugin{
		Name:        cfg.Name,
		Description: cfg.Description,
		Schema:      cfg.Schema,
		program:     program,
		timeout:     timeout,
	}, nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns all plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
