// Package config defines the toolmux configuration surface: the gateway
// listen settings and one entry per upstream MCP server, discriminated by
// transport kind.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind discriminates the upstream transport. The set is closed;
// validation rejects anything else.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportWebSocket      TransportKind = "websocket"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// TransportKinds lists every valid transport kind.
func TransportKinds() []TransportKind {
	return []TransportKind{TransportStdio, TransportSSE, TransportWebSocket, TransportStreamableHTTP}
}

// Reserved upstream names. Core tools are served under "gateway" and
// plugin tools under "plugin"; an upstream with either name would collide
// in the aggregated namespace.
var reservedServerNames = map[string]bool{
	"gateway": true,
	"plugin":  true,
}

// Duration parses from either a duration string ("500ms", "30s") or a bare
// integer, which is taken as milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Millisecond)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	// Name identifies this gateway instance.
	Name string `yaml:"name"`
	// Listen is the gateway's HTTP listen address (default ":8180").
	Listen string `yaml:"listen"`

	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Upstreams []Upstream     `yaml:"upstreams"`
	Plugins   []PluginConfig `yaml:"plugins"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, mirrors logs to a rotated file.
	File string `yaml:"file"`
}

// APIConfig controls the status/control API.
type APIConfig struct {
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Type is "bearer", "api_key", or "none".
	Type string `yaml:"type"`
	// TokenEnv names the environment variable holding the secret.
	TokenEnv string `yaml:"token-env"`
	// Header overrides the header name for api_key auth (default X-API-Key).
	Header string `yaml:"header"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/HTTP trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp-endpoint"`
}

// Upstream configures one upstream MCP server.
type Upstream struct {
	Name      string        `yaml:"name"`
	Transport TransportKind `yaml:"transport"`

	// Stdio fields.
	Command []string          `yaml:"command"`
	WorkDir string            `yaml:"work-dir"`
	Env     map[string]string `yaml:"env"`

	// Networked-transport fields.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`

	// Tools restricts which discovered tools are enabled. Empty enables
	// everything the upstream advertises.
	Tools []string `yaml:"tools"`

	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	HealthCheck HealthCheckConfig `yaml:"health-check"`
}

// ReconnectConfig overrides the reconnection policy for one upstream.
type ReconnectConfig struct {
	MaxAttempts  int      `yaml:"max-attempts"`
	InitialDelay Duration `yaml:"initial-delay"`
	MaxDelay     Duration `yaml:"max-delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

// HealthCheckConfig controls periodic liveness probing.
type HealthCheckConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// PluginConfig defines one local JavaScript tool.
type PluginConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// File points at a script on disk; Script holds it inline. Exactly one
	// must be set.
	File   string `yaml:"file"`
	Script string `yaml:"script"`
	// Schema is the tool's input schema as a plain object.
	Schema map[string]any `yaml:"schema"`
	// Timeout bounds one invocation.
	Timeout Duration `yaml:"timeout"`
}

// Default values applied by SetDefaults.
const (
	DefaultListen              = ":8180"
	DefaultUpstreamTimeout     = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.API.Auth.Type == "" {
		c.API.Auth.Type = "none"
	}

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Timeout <= 0 {
			u.Timeout = Duration(DefaultUpstreamTimeout)
		}
		if u.HealthCheck.Enabled && u.HealthCheck.Interval <= 0 {
			u.HealthCheck.Interval = Duration(DefaultHealthCheckInterval)
		}
	}
}
