package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/toolmux/toolmux/internal/api"
	"github.com/toolmux/toolmux/pkg/config"
	"github.com/toolmux/toolmux/pkg/gateway"
	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/output"
	"github.com/toolmux/toolmux/pkg/plugin"
	"github.com/toolmux/toolmux/pkg/reload"
	"github.com/toolmux/toolmux/pkg/state"
	"github.com/toolmux/toolmux/pkg/tracing"
)

var (
	serveForeground  bool
	serveWatch       bool
	serveQuiet       bool
	serveDaemonChild bool
)

var serveCmd = &cobra.Command{
	Use:   "serve <config.yaml>",
	Short: "Start the gateway",
	Long: `Loads a toolmux config file, connects to every configured upstream,
and serves the aggregated MCP endpoint plus the status API.

The gateway runs as a background daemon by default.
Use --foreground (-f) to run attached to the terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0])
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveForeground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Watch config file for changes and hot reload")
	serveCmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Suppress progress output")
	serveCmd.Flags().BoolVar(&serveDaemonChild, "daemon-child", false, "Internal flag for daemon process")
	_ = serveCmd.Flags().MarkHidden("daemon-child")
}

func runServe(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	configPath = absPath

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Clean up stale state (process died without cleanup) and refuse to
	// start a second instance under the same name.
	var existing *state.GatewayState
	err = state.WithLock(cfg.Name, 5*time.Second, func() error {
		cleaned, cleanErr := state.CheckAndClean(cfg.Name)
		if cleanErr != nil {
			return fmt.Errorf("checking state: %w", cleanErr)
		}
		if cleaned && !serveQuiet {
			fmt.Printf("Cleaned up stale state for '%s'\n", cfg.Name)
		}
		existing, _ = state.Load(cfg.Name)
		return nil
	})
	if err != nil {
		return err
	}
	if existing != nil && state.IsRunning(existing) {
		return fmt.Errorf("gateway '%s' is already running on %s (PID: %d)\nUse 'toolmux stop %s' to stop it first",
			cfg.Name, existing.Listen, existing.PID, cfg.Name)
	}

	if serveDaemonChild || serveForeground {
		return runGateway(configPath, cfg)
	}

	var printer *output.Printer
	if !serveQuiet {
		printer = output.New()
		printer.Banner(version)
		printer.Info("Starting gateway", "config", configPath, "upstreams", len(cfg.Upstreams))
	}

	pid, err := forkServeDaemon(configPath, cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if err := waitForReady(cfg.Listen, 60*time.Second); err != nil {
		return fmt.Errorf("daemon failed to become ready: %w\nCheck logs at %s", err, state.LogPath(cfg.Name))
	}

	if printer != nil {
		if statuses, err := fetchServerStatuses(baseURL(cfg.Listen)); err == nil {
			printer.Upstreams(upstreamSummaries(statuses))
		}
		printer.Info("Gateway running", "url", baseURL(cfg.Listen), "pid", pid)
		printer.Print("\nUse 'toolmux stop %s' to stop\n", cfg.Name)
	} else {
		fmt.Printf("Gateway '%s' started (PID: %d)\n", cfg.Name, pid)
		fmt.Printf("  URL:  %s\n", baseURL(cfg.Listen))
		fmt.Printf("  Logs: %s\n", state.LogPath(cfg.Name))
	}
	return nil
}

// runGateway runs the gateway in the current process, blocking until
// shutdown.
func runGateway(configPath string, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logBuffer := logging.NewLogBuffer(1000)
	logger := buildLogger(cfg, logBuffer)

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Name)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
		logger.Info("trace export enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	plugins := plugin.NewRegistry(logging.WithComponent(logger, "plugin"))
	if err := plugins.Load(cfg.Plugins); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}

	manager, err := gateway.NewManager(cfg.Upstreams, gateway.ManagerOptions{
		Logger: logging.WithComponent(logger, "gateway"),
	})
	if err != nil {
		return fmt.Errorf("configuring upstreams: %w", err)
	}

	executor := gateway.NewExecutor(manager, plugins, logging.WithComponent(logger, "executor"))
	mcpHandler := gateway.NewHandler(executor, cfg.Name, version, logging.WithComponent(logger, "mcp"))
	sessions := gateway.NewSessionManager(0, 0, logging.WithComponent(logger, "sse"))
	sessions.StartCleanup(ctx)

	server := api.NewServer(manager, executor, mcpHandler, sessions)
	server.SetLogBuffer(logBuffer)
	applyAPIAuth(server, cfg, logger)

	reloadHandler := reload.NewHandler(configPath, cfg, manager, plugins)
	reloadHandler.SetLogger(logging.WithComponent(logger, "reload"))
	server.SetReloader(reloadAdapter{reloadHandler})

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: server.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Give the listener a moment to fail if the port is in use.
	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	case <-time.After(100 * time.Millisecond):
	}

	st := &state.GatewayState{
		Name:       cfg.Name,
		ConfigFile: configPath,
		PID:        os.Getpid(),
		Listen:     cfg.Listen,
		StartedAt:  time.Now(),
	}
	if err := state.Save(st); err != nil {
		logger.Warn("could not write state file", "error", err)
	}

	logger.Info("gateway listening", "addr", cfg.Listen, "name", cfg.Name)

	// Connect upstreams after the HTTP server is up so /health answers
	// while slow upstreams are still dialing.
	manager.Initialize(ctx)
	exposed, total := manager.Registry().Count()
	logger.Info("upstreams initialized", "tools_exposed", exposed, "tools_total", total)

	if serveWatch {
		watcher := reload.NewWatcher(configPath, func() error {
			result, err := reloadHandler.Reload(ctx)
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("%s", result.Message)
			}
			return nil
		})
		watcher.SetLogger(logging.WithComponent(logger, "watcher"))
		go func() {
			if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
		logger.Info("config watcher enabled", "path", configPath)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := manager.Shutdown(); err != nil {
		logger.Warn("upstream shutdown", "error", err)
	}
	_ = state.Delete(cfg.Name)

	return runErr
}

// buildLogger assembles the slog pipeline: structured JSON/text output
// (mirrored to a rotated file when configured), the API ring buffer, and
// secret redaction.
func buildLogger(cfg *config.Config, buffer *logging.LogBuffer) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	base := logging.NewStructuredLogger(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: out,
	})
	handler := logging.NewRedactingHandler(logging.NewBufferHandler(buffer, base.Handler()))
	return slog.New(handler)
}

func applyAPIAuth(server *api.Server, cfg *config.Config, logger *slog.Logger) {
	auth := cfg.API.Auth
	if auth.Type == "" || auth.Type == "none" {
		return
	}
	token := os.Getenv(auth.TokenEnv)
	if token == "" {
		logger.Warn("api auth configured but token env is empty, auth disabled", "env", auth.TokenEnv)
		return
	}
	header := auth.Header
	if auth.Type == "api_key" && header == "" {
		header = "X-API-Key"
	}
	server.SetAuth(auth.Type, token, header)
}

// reloadAdapter bridges the reload handler to the API server's interface.
type reloadAdapter struct {
	h *reload.Handler
}

func (a reloadAdapter) Reload(ctx context.Context) (*api.ReloadResult, error) {
	result, err := a.h.Reload(ctx)
	if err != nil {
		return nil, err
	}
	out := &api.ReloadResult{
		Success: result.Success,
		Added:   result.Added,
		Removed: result.Removed,
		Changed: result.Changed,
	}
	if len(result.Errors) > 0 {
		out.Error = strings.Join(result.Errors, "; ")
	} else if !result.Success {
		out.Error = result.Message
	}
	return out, nil
}

// forkServeDaemon re-executes the binary with --daemon-child, detached
// from the terminal, with stdio redirected to the instance log file.
func forkServeDaemon(configPath, name string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("getting executable: %w", err)
	}

	if err := state.EnsureLogDir(); err != nil {
		return 0, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(state.LogPath(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}

	args := []string{"serve", configPath, "--daemon-child"}
	if serveWatch {
		args = append(args, "--watch")
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	return cmd.Process.Pid, nil
}

// waitForReady polls /ready until it returns 200 or the timeout expires.
// Unlike /health, /ready only succeeds once every upstream is connected.
func waitForReady(listen string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	url := baseURL(listen) + "/ready"

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			resp.Body.Close()
			if ok {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("readiness check timed out after %v", timeout)
}
