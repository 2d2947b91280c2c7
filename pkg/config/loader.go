package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates a configuration file. YAML is the
// primary format; .json and .jsonc files are accepted too (comments and
// trailing commas allowed) and decoded through the same tag set, since
// YAML is a superset of JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parsing config JSON: %w", err)
		}
		data = std
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandEnvVars(&cfg)
	cfg.SetDefaults()
	resolveRelativePaths(&cfg, filepath.Dir(path))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars expands ${VAR} references in string values. Secrets
// typically arrive this way (header values, env entries).
func expandEnvVars(c *Config) {
	c.Name = os.ExpandEnv(c.Name)
	c.Listen = os.ExpandEnv(c.Listen)
	c.Log.File = os.ExpandEnv(c.Log.File)
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(c.Telemetry.OTLPEndpoint)

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		u.Name = os.ExpandEnv(u.Name)
		u.URL = os.ExpandEnv(u.URL)
		u.WorkDir = os.ExpandEnv(u.WorkDir)
		for j := range u.Command {
			u.Command[j] = os.ExpandEnv(u.Command[j])
		}
		for k, v := range u.Env {
			u.Env[k] = os.ExpandEnv(v)
		}
		for k, v := range u.Headers {
			u.Headers[k] = os.ExpandEnv(v)
		}
	}

	for i := range c.Plugins {
		c.Plugins[i].File = os.ExpandEnv(c.Plugins[i].File)
	}
}

// resolveRelativePaths anchors relative file references at the config
// file's directory so the gateway behaves the same regardless of cwd.
func resolveRelativePaths(c *Config, base string) {
	for i := range c.Plugins {
		p := &c.Plugins[i]
		if p.File != "" && !filepath.IsAbs(p.File) {
			p.File = filepath.Join(base, p.File)
		}
	}
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.WorkDir != "" && !filepath.IsAbs(u.WorkDir) {
			u.WorkDir = filepath.Join(base, u.WorkDir)
		}
	}
}
