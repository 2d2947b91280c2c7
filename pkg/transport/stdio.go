package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/toolmux/toolmux/pkg/logging"
)

const stdioKillGracePeriod = 5 * time.Second

// StdioConfig configures a subprocess transport.
type StdioConfig struct {
	// Command is the executable and its arguments.
	Command []string
	// WorkDir is the working directory for the subprocess.
	WorkDir string
	// Env is merged over the current process environment.
	Env map[string]string
	// GracePeriod bounds the SIGTERM-to-SIGKILL window (default 5s).
	GracePeriod time.Duration
}

// Stdio speaks newline-delimited JSON to a subprocess over its stdin/stdout.
// Stdout lines that are not valid JSON are treated as incidental server
// output and logged; stderr lines are logged at WARN.
type Stdio struct {
	cfg    StdioConfig
	logger *slog.Logger

	mu      sync.Mutex
	handler Handler
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closing bool
	done    chan struct{}
	run     *stdioRun
}

// stdioRun tracks per-spawn state so callbacks from a previous process
// cannot leak into a later one.
type stdioRun struct {
	closeOnce sync.Once
}

// NewStdio creates a stdio transport for the given command.
func NewStdio(cfg StdioConfig, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = stdioKillGracePeriod
	}
	return &Stdio{cfg: cfg, logger: logger}
}

// SetHandler installs the event handler. Must be called before Start.
func (t *Stdio) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start spawns the subprocess and begins reading its output.
func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return fmt.Errorf("stdio transport already started")
	}
	if len(t.cfg.Command) == 0 {
		return &StartError{Kind: ErrKindGeneric, Retryable: false, Err: fmt.Errorf("no command specified")}
	}

	cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Env = mergeEnv(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stderr = nil
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		t.logger.Error("spawn failed", "command", t.cfg.Command, "error", err)
		return ClassifySpawnError(err)
	}

	t.logger.Debug("process started", "command", t.cfg.Command, "pid", cmd.Process.Pid, "env", logging.RedactEnv(t.cfg.Env))

	run := &stdioRun{}
	t.cmd = cmd
	t.stdin = stdin
	t.closing = false
	t.done = make(chan struct{})
	t.run = run
	handler := t.handler
	done := t.done

	go t.readStdout(stdout, handler)
	if stderr != nil {
		go t.readStderr(stderr)
	}
	go func() {
		err := cmd.Wait()
		close(done)
		t.processExited(run, handler, err)
	}()

	return nil
}

// readStdout delivers JSON lines to the handler. Non-JSON lines are logged
// as server output, never surfaced as errors.
func (t *Stdio) readStdout(r io.Reader, h Handler) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			t.logger.Info("server output", "msg", string(line))
			continue
		}
		if h.OnMessage != nil {
			msg := make([]byte, len(line))
			copy(msg, line)
			h.OnMessage(msg)
		}
	}
}

// readStderr logs process stderr at WARN.
func (t *Stdio) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Warn("server stderr", "output", scanner.Text())
	}
}

// processExited handles subprocess termination. If the exit was not caused
// by Close, the handler's OnClose fires exactly once for this spawn.
func (t *Stdio) processExited(run *stdioRun, h Handler, err error) {
	t.mu.Lock()
	manual := t.closing || t.run != run
	if t.run == run {
		t.cmd = nil
		t.stdin = nil
	}
	t.mu.Unlock()

	if manual {
		return
	}

	if err != nil {
		t.logger.Warn("process exited unexpectedly", "command", t.cfg.Command, "error", err)
	} else {
		t.logger.Warn("process exited unexpectedly", "command", t.cfg.Command)
	}
	run.closeOnce.Do(func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	})
}

// Send writes one message to the process stdin, newline-terminated.
func (t *Stdio) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return ErrNotConnected
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to stdin: %w", err)
	}
	return nil
}

// Close terminates the process gracefully: close stdin, SIGTERM, and SIGKILL
// after the grace period. Idempotent; suppresses further callbacks.
func (t *Stdio) Close() error {
	t.mu.Lock()
	t.closing = true
	cmd := t.cmd
	stdin := t.stdin
	done := t.done
	run := t.run
	t.cmd = nil
	t.stdin = nil
	t.run = nil
	t.mu.Unlock()

	if run != nil {
		// Mark the channel closed so a late process exit stays silent.
		run.closeOnce.Do(func() {})
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if stdin != nil {
		stdin.Close()
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(t.cfg.GracePeriod):
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// Probe reports whether the subprocess is still alive (signal 0).
func (t *Stdio) Probe(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return ErrNotConnected
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("process not responding: %w", err)
	}
	return nil
}

// mergeEnv overlays extra on the current process environment.
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
