package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/mcp"
	"github.com/toolmux/toolmux/pkg/supervisor"
	"github.com/toolmux/toolmux/pkg/transport"
)

// AuthProvider supplies per-server credentials consulted at connection
// time: headers for networked transports, environment entries for stdio.
type AuthProvider interface {
	ConnectHeaders(ctx context.Context, serverName string) (http.Header, error)
	ConnectEnv(ctx context.Context, serverName string) (map[string]string, error)
}

// ErrUnknownServer is returned for operations on a server name that was
// never configured.
var ErrUnknownServer = errors.New("gateway: unknown server")

// ServerStatus is the external view of one upstream connection.
type ServerStatus struct {
	Name string `json:"name"`
	// Status is "connected", "disconnected", or "error". Error means the
	// retry budget is exhausted and only a manual reconnect will help.
	Status      string               `json:"status"`
	Transport   config.TransportKind `json:"transport"`
	ConnectedAt time.Time            `json:"connectedAt,omitzero"`
	ToolCount   int                  `json:"toolCount"`
	Error       string               `json:"error,omitempty"`
}

// connection pairs one upstream's supervisor with its MCP client. Records
// live for the process lifetime; only the channel underneath churns.
type connection struct {
	cfg    config.Upstream
	sup    *supervisor.Supervisor
	client *mcp.Client

	mu          sync.Mutex
	connectedAt time.Time
}

// Manager owns every upstream connection and publishes discovered tools
// into the registry.
type Manager struct {
	registry *Registry
	auth     AuthProvider
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Registry *Registry
	// Auth, when set, is consulted before each connection attempt.
	Auth   AuthProvider
	Logger *slog.Logger
}

// NewManager creates a manager for the given upstream configurations.
// Invalid transport kinds surface here, before anything is dialed.
func NewManager(upstreams []config.Upstream, opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	m := &Manager{
		registry: opts.Registry,
		auth:     opts.Auth,
		logger:   opts.Logger,
		conns:    make(map[string]*connection),
	}
	for _, u := range upstreams {
		if err := m.addUpstream(u); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the tool registry the manager publishes into.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) addUpstream(u config.Upstream) error {
	tr, err := m.buildTransport(u)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", u.Name, err)
	}

	conn := &connection{cfg: u}
	logger := m.logger.With("server", u.Name)

	opts := supervisor.Options{
		Policy:         reconnectPolicy(u.Reconnect),
		ConnectTimeout: u.Timeout.Std(),
		OnConnect: func(ctx context.Context) error {
			if err := conn.client.Initialize(ctx); err != nil {
				return err
			}
			return conn.client.RefreshTools(ctx)
		},
		OnTransition: func(t supervisor.Transition) {
			m.onTransition(conn, t)
		},
		Logger: logger,
	}
	if u.HealthCheck.Enabled {
		opts.HealthCheckInterval = u.HealthCheck.Interval.Std()
	}

	conn.sup = supervisor.New(tr, opts)
	conn.client = mcp.NewClient(u.Name, conn.sup, logger, u.Timeout.Std())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[u.Name]; exists {
		return fmt.Errorf("upstream %s: duplicate name", u.Name)
	}
	m.conns[u.Name] = conn
	return nil
}

// reconnectPolicy maps the config override onto the supervisor policy.
// Zero fields keep the supervisor defaults.
func reconnectPolicy(r config.ReconnectConfig) supervisor.Policy {
	return supervisor.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
		MaxDelay:     r.MaxDelay.Std(),
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

func (m *Manager) buildTransport(u config.Upstream) (transport.Transport, error) {
	logger := m.logger.With("server", u.Name)

	var headerSource transport.HeaderSource
	if m.auth != nil {
		name := u.Name
		headerSource = headerSourceFunc(func(ctx context.Context) (http.Header, error) {
			return m.auth.ConnectHeaders(ctx, name)
		})
	}

	switch u.Transport {
	case config.TransportStdio:
		env := u.Env
		if m.auth != nil {
			authEnv, err := m.auth.ConnectEnv(context.Background(), u.Name)
			if err != nil {
				return nil, fmt.Errorf("auth env: %w", err)
			}
			merged := make(map[string]string, len(env)+len(authEnv))
			for k, v := range env {
				merged[k] = v
			}
			for k, v := range authEnv {
				merged[k] = v
			}
			env = merged
		}
		return transport.NewStdio(transport.StdioConfig{
			Command: u.Command,
			WorkDir: u.WorkDir,
			Env:     env,
		}, logger), nil
	case config.TransportSSE:
		return transport.NewSSE(transport.SSEConfig{
			URL:          u.URL,
			Headers:      u.Headers,
			HeaderSource: headerSource,
		}, logger), nil
	case config.TransportWebSocket:
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:          u.URL,
			Headers:      u.Headers,
			HeaderSource: headerSource,
		}, logger), nil
	case config.TransportStreamableHTTP:
		return transport.NewStreamableHTTP(transport.StreamableHTTPConfig{
			URL:          u.URL,
			Headers:      u.Headers,
			HeaderSource: headerSource,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", u.Transport)
	}
}

type headerSourceFunc func(ctx context.Context) (http.Header, error)

func (f headerSourceFunc) ConnectHeaders(ctx context.Context) (http.Header, error) { return f(ctx) }

// onTransition reacts to supervisor state changes. Tools are published on
// entering connected; on leaving they stay visible in the registry and the
// executor fails fast instead.
func (m *Manager) onTransition(conn *connection, t supervisor.Transition) {
	switch t.To {
	case supervisor.StateConnected:
		conn.mu.Lock()
		conn.connectedAt = time.Now()
		conn.mu.Unlock()

		count := m.registry.Register(conn.cfg.Name, conn.client.Tools(), conn.cfg.Tools)
		m.logger.Info("upstream connected",
			"server", conn.cfg.Name,
			"tools", count)
	case supervisor.StateReconnecting:
		m.logger.Warn("upstream reconnecting",
			"server", conn.cfg.Name,
			"attempt", t.RetryCount,
			"delay", t.NextRetryDelay,
			"error", t.Err)
	case supervisor.StateFailed:
		m.logger.Error("upstream failed",
			"server", conn.cfg.Name,
			"error", t.Err)
	}
}

// Initialize starts every upstream concurrently. Per-upstream failures are
// isolated: the supervisor keeps retrying retryable ones, and the gateway
// serves whatever connected.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *connection) {
			defer wg.Done()
			if err := conn.sup.Start(ctx); err != nil {
				m.logger.Warn("upstream start failed",
					"server", conn.cfg.Name,
					"error", err)
			}
		}(conn)
	}
	wg.Wait()
}

func (m *Manager) get(name string) (*connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	return conn, ok
}

// Client returns the MCP client for a connected upstream. The error names
// the reason routing cannot proceed.
func (m *Manager) Client(name string) (*mcp.Client, error) {
	conn, ok := m.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if conn.sup.State() != supervisor.StateConnected {
		return nil, fmt.Errorf("server %s is not connected", name)
	}
	return conn.client, nil
}

// GetStatus reports one upstream's status.
func (m *Manager) GetStatus(name string) (ServerStatus, error) {
	conn, ok := m.get(name)
	if !ok {
		return ServerStatus{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return m.status(conn), nil
}

// ListStatuses partitions server names into connected and disconnected
// sets. Failed servers count as disconnected here; GetStatus distinguishes
// them.
func (m *Manager) ListStatuses() (connected, disconnected []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, conn := range m.conns {
		if conn.sup.State() == supervisor.StateConnected {
			connected = append(connected, name)
		} else {
			disconnected = append(disconnected, name)
		}
	}
	sort.Strings(connected)
	sort.Strings(disconnected)
	return connected, disconnected
}

// Statuses returns every upstream's status sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, m.status(conn))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) status(conn *connection) ServerStatus {
	s := ServerStatus{
		Name:      conn.cfg.Name,
		Transport: conn.cfg.Transport,
		Status:    "disconnected",
	}
	switch conn.sup.State() {
	case supervisor.StateConnected:
		s.Status = "connected"
		conn.mu.Lock()
		s.ConnectedAt = conn.connectedAt
		conn.mu.Unlock()
	case supervisor.StateFailed:
		s.Status = "error"
	}
	if err := conn.sup.LastError(); err != nil && s.Status != "connected" {
		s.Error = err.Error()
	}
	s.ToolCount = len(m.registry.ToolsForServer(conn.cfg.Name))
	return s
}

// Reconnect tears down and re-establishes one upstream with a fresh retry
// budget.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return conn.sup.Reconnect(ctx)
}

// Disconnect closes one upstream without retrying. Idempotent.
func (m *Manager) Disconnect(name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return conn.sup.Close()
}

// RemoveUpstream disconnects an upstream and drops its record and tools.
// Used by config reload.
func (m *Manager) RemoveUpstream(name string) error {
	conn, ok := m.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	_ = conn.sup.Close()

	m.mu.Lock()
	delete(m.conns, name)
	m.mu.Unlock()

	m.registry.Unregister(name)
	return nil
}

// AddUpstream registers and starts a new upstream at runtime. Used by
// config reload.
func (m *Manager) AddUpstream(ctx context.Context, u config.Upstream) error {
	if err := m.addUpstream(u); err != nil {
		return err
	}
	conn, _ := m.get(u.Name)
	if err := conn.sup.Start(ctx); err != nil {
		m.logger.Warn("upstream start failed", "server", u.Name, "error", err)
	}
	return nil
}

// ServerNames returns all configured upstream names sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompleteOAuthFlow runs a best-effort reconnect sweep after new
// credentials land: every upstream that is not currently connected gets a
// fresh attempt with the new auth material.
func (m *Manager) CompleteOAuthFlow(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if conn.sup.State() == supervisor.StateConnected {
			continue
		}
		if err := conn.sup.Reconnect(ctx); err != nil {
			m.logger.Warn("post-auth reconnect failed",
				"server", conn.cfg.Name,
				"error", err)
		}
	}
}

// Shutdown closes every upstream. Idempotent and safe when some upstreams
// never started.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.sup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", conn.cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}
