package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func TestPaths(t *testing.T) {
	home := setTempHome(t)

	assert.Equal(t, filepath.Join(home, ".toolmux"), BaseDir())
	assert.Equal(t, filepath.Join(home, ".toolmux", "state"), StateDir())
	assert.Equal(t, filepath.Join(home, ".toolmux", "logs"), LogDir())
	assert.Equal(t, filepath.Join(home, ".toolmux", "state", "dev.json"), StatePath("dev"))
	assert.Equal(t, filepath.Join(home, ".toolmux", "state", "dev.lock"), LockPath("dev"))
	assert.Equal(t, filepath.Join(home, ".toolmux", "logs", "dev.log"), LogPath("dev"))
}

func TestSaveAndLoad(t *testing.T) {
	setTempHome(t)

	started := time.Now().Truncate(time.Second)
	original := &GatewayState{
		Name:       "dev",
		ConfigFile: "/etc/toolmux/dev.yaml",
		PID:        9999,
		Listen:     ":8180",
		StartedAt:  started,
	}
	require.NoError(t, Save(original))

	loaded, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, original.Name, loaded.Name)
	assert.Equal(t, original.ConfigFile, loaded.ConfigFile)
	assert.Equal(t, original.PID, loaded.PID)
	assert.Equal(t, original.Listen, loaded.Listen)
	assert.True(t, loaded.StartedAt.Equal(started))
}

func TestLoad_NotExists(t *testing.T) {
	setTempHome(t)

	_, err := Load("nonexistent")
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_InvalidJSON(t *testing.T) {
	setTempHome(t)

	require.NoError(t, os.MkdirAll(StateDir(), 0o755))
	require.NoError(t, os.WriteFile(StatePath("broken"), []byte("not json"), 0o644))

	_, err := Load("broken")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	setTempHome(t)

	require.NoError(t, Save(&GatewayState{Name: "dev", PID: 123}))
	require.NoError(t, Delete("dev"))

	_, err := os.Stat(StatePath("dev"))
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, Delete("dev"))
}

func TestList(t *testing.T) {
	setTempHome(t)

	states, err := List()
	require.NoError(t, err)
	assert.Empty(t, states)

	for _, name := range []string{"dev", "staging"} {
		require.NoError(t, Save(&GatewayState{Name: name, PID: 100}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(StateDir(), "junk.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(StateDir(), "readme.txt"), []byte("x"), 0o644))

	states, err = List()
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestIsRunning(t *testing.T) {
	assert.False(t, IsRunning(nil))
	assert.False(t, IsRunning(&GatewayState{PID: 0}))
	assert.True(t, IsRunning(&GatewayState{PID: os.Getpid()}))
	assert.False(t, IsRunning(&GatewayState{PID: 999999999}))
}

func TestStop_NilAndZeroPID(t *testing.T) {
	assert.NoError(t, Stop(nil))
	assert.NoError(t, Stop(&GatewayState{PID: 0}))
}

func TestEnsureLogDir(t *testing.T) {
	setTempHome(t)

	require.NoError(t, EnsureLogDir())
	info, err := os.Stat(LogDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	assert.NoError(t, EnsureLogDir())
}

func TestCheckAndClean(t *testing.T) {
	setTempHome(t)

	// No state file.
	cleaned, err := CheckAndClean("nonexistent")
	require.NoError(t, err)
	assert.False(t, cleaned)

	// Live process keeps its state file.
	require.NoError(t, Save(&GatewayState{Name: "dev", PID: os.Getpid()}))
	cleaned, err = CheckAndClean("dev")
	require.NoError(t, err)
	assert.False(t, cleaned)
	_, err = Load("dev")
	assert.NoError(t, err)

	// Dead process gets cleaned.
	require.NoError(t, Save(&GatewayState{Name: "dead", PID: 999999999}))
	cleaned, err = CheckAndClean("dead")
	require.NoError(t, err)
	assert.True(t, cleaned)
	_, err = Load("dead")
	assert.True(t, os.IsNotExist(err))
}

func TestWithLock(t *testing.T) {
	setTempHome(t)

	called := false
	require.NoError(t, WithLock("dev", time.Second, func() error {
		called = true
		return nil
	}))
	assert.True(t, called)

	wantErr := os.ErrNotExist
	err := WithLock("dev", time.Second, func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}

func TestWithLock_Exclusive(t *testing.T) {
	setTempHome(t)

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = WithLock("dev", 5*time.Second, func() error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := WithLock("dev", 100*time.Millisecond, func() error {
		t.Error("callback should not run while lock is held")
		return nil
	})
	assert.Error(t, err)
	close(release)
}
