// Package state persists gateway process records under ~/.toolmux so CLI
// commands can find a running gateway without talking to it first.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// GatewayState records a running gateway process.
type GatewayState struct {
	Name       string    `json:"name"`
	ConfigFile string    `json:"config_file"`
	PID        int       `json:"pid"`
	Listen     string    `json:"listen"`
	StartedAt  time.Time `json:"started_at"`
}

// BaseDir returns the base toolmux directory (~/.toolmux/).
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".toolmux")
}

// StateDir returns the directory for state files (~/.toolmux/state/).
func StateDir() string {
	return filepath.Join(BaseDir(), "state")
}

// LogDir returns the directory for log files (~/.toolmux/logs/).
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// StatePath returns the state file path for a gateway instance.
func StatePath(name string) string {
	return filepath.Join(StateDir(), name+".json")
}

// LogPath returns the log file path for a gateway instance.
func LogPath(name string) string {
	return filepath.Join(LogDir(), name+".log")
}

// LockPath returns the lock file path for a gateway instance.
func LockPath(name string) string {
	return filepath.Join(StateDir(), name+".lock")
}

// Load reads a gateway state file.
func Load(name string) (*GatewayState, error) {
	data, err := os.ReadFile(StatePath(name))
	if err != nil {
		return nil, err
	}

	var st GatewayState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &st, nil
}

// Save writes a gateway state file.
func Save(st *GatewayState) error {
	if err := os.MkdirAll(StateDir(), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(StatePath(st.Name), data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Delete removes a state file. Missing files are not an error.
func Delete(name string) error {
	if err := os.Remove(StatePath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every recorded gateway state. Unreadable files are skipped.
func List() ([]GatewayState, error) {
	entries, err := os.ReadDir(StateDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var states []GatewayState
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".json")]
		st, err := Load(name)
		if err != nil {
			continue
		}
		states = append(states, *st)
	}
	return states, nil
}

// IsRunning reports whether the recorded process is still alive.
func IsRunning(st *GatewayState) bool {
	if st == nil {
		return false
	}
	return VerifyPID(st.PID)
}

// VerifyPID checks if a process with the given PID exists. Signal 0
// probes without delivering anything.
func VerifyPID(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// CheckAndClean removes the state file when its process is dead or the
// file is unreadable. Returns true when a stale file was removed.
func CheckAndClean(name string) (bool, error) {
	st, err := Load(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		if delErr := Delete(name); delErr != nil {
			return false, fmt.Errorf("state file corrupt and failed to delete: %w", delErr)
		}
		return true, nil
	}

	if VerifyPID(st.PID) {
		return false, nil
	}
	if err := Delete(name); err != nil {
		return false, err
	}
	return true, nil
}

// Stop sends SIGTERM to the recorded process, waits up to 5 seconds, then
// escalates to SIGKILL.
func Stop(st *GatewayState) error {
	if st == nil || st.PID == 0 {
		return nil
	}

	process, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", st.PID, err)
	}
	if !VerifyPID(st.PID) {
		return nil
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return fmt.Errorf("sending SIGTERM to %d: %w", st.PID, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !VerifyPID(st.PID) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := process.Signal(syscall.SIGKILL); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return fmt.Errorf("sending SIGKILL to %d: %w", st.PID, err)
	}
	return nil
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	return os.MkdirAll(LogDir(), 0o755)
}

// WithLock runs fn while holding an exclusive flock on the instance's
// lock file. Fails if the lock is not acquired within timeout.
func WithLock(name string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(StateDir(), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	lockFile, err := os.OpenFile(LockPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer lockFile.Close()

	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout acquiring state lock for %s (another operation may be in progress)", name)
		}
		time.Sleep(100 * time.Millisecond)
	}
	defer func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	}()

	return fn()
}
