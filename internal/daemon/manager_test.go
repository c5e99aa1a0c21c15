package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.ErrorIs(t, err, ErrNotRunning)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(" 4242\n"), 0644))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestRunningSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	pid, alive := Running(path)
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)
	assert.NoError(t, Signal(path, 0))
}

func TestSignalNotRunning(t *testing.T) {
	_, alive := Running(filepath.Join(t.TempDir(), "missing.pid"))
	assert.False(t, alive)
	assert.ErrorIs(t, Signal(filepath.Join(t.TempDir(), "missing.pid"), syscall.SIGTERM), ErrNotRunning)
	assert.ErrorIs(t, StopDaemon(filepath.Join(t.TempDir(), "missing.pid"), 0), ErrNotRunning)
}
