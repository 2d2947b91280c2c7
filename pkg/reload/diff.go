package reload

import (
	"reflect"

	"github.com/toolmux/toolmux/pkg/config"
)

// Diff describes what changed between two configurations, keyed by
// upstream name.
type Diff struct {
	Added   []config.Upstream
	Removed []string
	Changed []config.Upstream

	PluginsChanged bool

	// ListenChanged and AuthChanged cannot be applied at runtime; the
	// reload handler logs a restart warning for them.
	ListenChanged bool
	AuthChanged   bool
}

// IsEmpty returns true if there are no changes.
func (d *Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 &&
		!d.PluginsChanged && !d.ListenChanged && !d.AuthChanged
}

// ComputeDiff computes the differences between two configurations.
func ComputeDiff(oldCfg, newCfg *config.Config) *Diff {
	diff := &Diff{}

	oldMap := make(map[string]config.Upstream, len(oldCfg.Upstreams))
	for _, u := range oldCfg.Upstreams {
		oldMap[u.Name] = u
	}
	newMap := make(map[string]config.Upstream, len(newCfg.Upstreams))
	for _, u := range newCfg.Upstreams {
		newMap[u.Name] = u
	}

	for _, u := range newCfg.Upstreams {
		old, exists := oldMap[u.Name]
		if !exists {
			diff.Added = append(diff.Added, u)
		} else if !upstreamEqual(old, u) {
			diff.Changed = append(diff.Changed, u)
		}
	}
	for _, u := range oldCfg.Upstreams {
		if _, exists := newMap[u.Name]; !exists {
			diff.Removed = append(diff.Removed, u.Name)
		}
	}

	diff.PluginsChanged = !pluginsEqual(oldCfg.Plugins, newCfg.Plugins)
	diff.ListenChanged = oldCfg.Listen != newCfg.Listen
	diff.AuthChanged = oldCfg.API.Auth != newCfg.API.Auth

	return diff
}

// upstreamEqual checks if two upstream configs are equivalent.
func upstreamEqual(a, b config.Upstream) bool {
	if a.Transport != b.Transport || a.WorkDir != b.WorkDir ||
		a.URL != b.URL || a.Timeout != b.Timeout {
		return false
	}
	if a.Reconnect != b.Reconnect || a.HealthCheck != b.HealthCheck {
		return false
	}
	if !stringSliceEqual(a.Command, b.Command) {
		return false
	}
	if !stringSliceEqual(a.Tools, b.Tools) {
		return false
	}
	if !stringMapEqual(a.Env, b.Env) {
		return false
	}
	return stringMapEqual(a.Headers, b.Headers)
}

func pluginsEqual(a, b []config.PluginConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Description != b[i].Description ||
			a[i].File != b[i].File || a[i].Script != b[i].Script ||
			a[i].Timeout != b[i].Timeout {
			return false
		}
		if !reflect.DeepEqual(a[i].Schema, b[i].Schema) {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
