package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmux/toolmux/pkg/config"
)

func loadOne(t *testing.T, cfg config.PluginConfig) *Plugin {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, r.Load([]config.PluginConfig{cfg}))
	p, ok := r.Get(cfg.Name)
	require.True(t, ok)
	return p
}

func TestPlugin_InvokeReturnsString(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "greet",
		Script: `function handler(args) { return "hello " + args.name; }`,
	})

	res, err := p.Invoke(context.Background(), map[string]any{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Output)
}

func TestPlugin_InvokeEncodesObjects(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "stat",
		Script: `function handler(args) { return {ok: true, count: 2}; }`,
	})

	res, err := p.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"count":2}`, res.Output)
}

func TestPlugin_ModernSyntaxTranspiled(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name: "modern",
		Script: `
const handler = (args) => {
  const {a, b} = args;
  return ` + "`sum=${a + b}`" + `;
};`,
	})

	res, err := p.Invoke(context.Background(), map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, "sum=5", res.Output)
}

func TestPlugin_ConsoleCaptured(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "noisy",
		Script: `function handler(args) { console.log("step", 1); console.warn("careful"); return "ok"; }`,
	})

	res, err := p.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"step 1", "careful"}, res.Console)
}

func TestPlugin_TimeoutInterrupts(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:    "spin",
		Script:  `function handler(args) { while (true) {} }`,
		Timeout: config.Duration(50 * time.Millisecond),
	})

	start := time.Now()
	_, err := p.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPlugin_MissingHandler(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "empty",
		Script: `var x = 1;`,
	})

	_, err := p.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler")
}

func TestPlugin_ThrownErrorSurfaced(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "thrower",
		Script: `function handler(args) { throw new Error("boom"); }`,
	})

	_, err := p.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRegistry_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echo.js")
	require.NoError(t, os.WriteFile(path, []byte(`function handler(args) { return args.msg; }`), 0o644))

	p := loadOne(t, config.PluginConfig{Name: "echo", File: path})
	res, err := p.Invoke(context.Background(), map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
}

func TestRegistry_SyntaxErrorKeepsPreviousSet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Load([]config.PluginConfig{
		{Name: "ok", Script: `function handler() { return 1; }`},
	}))

	err := r.Load([]config.PluginConfig{
		{Name: "broken", Script: `function handler( {`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, ok := r.Get("ok")
	assert.True(t, ok, "previous set survives a failed reload")
}

func TestPlugin_SchemaJSON(t *testing.T) {
	p := loadOne(t, config.PluginConfig{
		Name:   "typed",
		Script: `function handler() {}`,
		Schema: map[string]any{"type": "object", "required": []any{"x"}},
	})
	assert.JSONEq(t, `{"type":"object","required":["x"]}`, string(p.SchemaJSON()))

	p2 := loadOne(t, config.PluginConfig{Name: "untyped", Script: `function handler() {}`})
	assert.JSONEq(t, `{"type":"object"}`, string(p2.SchemaJSON()))
}
