package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/gateway"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/plugin"
)

// Result contains the result of a reload pass.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Handler applies config changes to a running gateway. A failed load or
// validation keeps the current config; upstream apply errors are
// collected per upstream so one bad entry does not block the rest.
type Handler struct {
	mu         sync.Mutex
	configPath string
	current    *config.Config
	manager    *gateway.Manager
	plugins    *plugin.Registry
	logger     *slog.Logger
}

// NewHandler creates a reload handler around the running gateway.
func NewHandler(configPath string, current *config.Config, manager *gateway.Manager, plugins *plugin.Registry) *Handler {
	return &Handler{
		configPath: configPath,
		current:    current,
		manager:    manager,
		plugins:    plugins,
		logger:     logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger.
func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// CurrentConfig returns the config the gateway currently runs with.
func (h *Handler) CurrentConfig() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Reload reloads the configuration from disk and applies changes.
func (h *Handler) Reload(ctx context.Context) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info("reloading configuration", "path", h.configPath)

	newCfg, err := config.Load(h.configPath)
	if err != nil {
		return &Result{
			Success: false,
			Message: fmt.Sprintf("failed to load config: %v", err),
		}, nil
	}

	diff := ComputeDiff(h.current, newCfg)
	if diff.IsEmpty() {
		h.logger.Info("no configuration changes detected")
		return &Result{Success: true, Message: "no changes detected"}, nil
	}

	if diff.ListenChanged {
		h.logger.Warn("listen address changed, restart required to apply",
			"current", h.current.Listen, "new", newCfg.Listen)
	}
	if diff.AuthChanged {
		h.logger.Warn("api auth changed, restart required to apply")
	}

	result := &Result{Success: true}

	for _, name := range diff.Removed {
		h.logger.Info("removing upstream", "server", name)
		if err := h.manager.RemoveUpstream(name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", name, err))
			continue
		}
		result.Removed = append(result.Removed, name)
	}

	for _, u := range diff.Changed {
		h.logger.Info("reloading upstream", "server", u.Name)
		if err := h.manager.RemoveUpstream(u.Name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reload %s: %v", u.Name, err))
			continue
		}
		if err := h.manager.AddUpstream(ctx, u); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reload %s: %v", u.Name, err))
			continue
		}
		result.Changed = append(result.Changed, u.Name)
	}

	for _, u := range diff.Added {
		h.logger.Info("adding upstream", "server", u.Name)
		if err := h.manager.AddUpstream(ctx, u); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("add %s: %v", u.Name, err))
			continue
		}
		result.Added = append(result.Added, u.Name)
	}

	if diff.PluginsChanged && h.plugins != nil {
		h.logger.Info("reloading plugins", "count", len(newCfg.Plugins))
		if err := h.plugins.Load(newCfg.Plugins); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("plugins: %v", err))
		}
	}

	h.current = newCfg

	if len(result.Errors) > 0 {
		result.Message = fmt.Sprintf("reloaded with %d errors", len(result.Errors))
	} else {
		result.Message = "configuration reloaded"
	}

	h.logger.Info("reload complete",
		"added", len(result.Added),
		"removed", len(result.Removed),
		"changed", len(result.Changed),
		"errors", len(result.Errors))

	return result, nil
}
