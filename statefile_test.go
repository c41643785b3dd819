//go:build linux || darwin

package proxyrotate

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateDirPIDRoundTrip(t *testing.T) {
	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	pid, err := dir.ReadPID("u-3000")
	require.NoError(t, err)
	assert.Zero(t, pid)

	require.NoError(t, dir.WritePID("u-3000", 4242))

	pid, err = dir.ReadPID("u-3000")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	path, err := dir.PIDFile("u-3000")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir.Base, "u-3000", PIDFileName), path)

	require.NoError(t, dir.RemovePID("u-3000"))
	require.NoError(t, dir.RemovePID("u-3000"), "removing twice is fine")
}

func TestStateDirConfinesInstanceIDs(t *testing.T) {
	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	path, err := dir.InstanceDir("../../etc-3000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir.Base+string(filepath.Separator)), "escaped base: %s", path)

	_, err = dir.InstanceDir("")
	assert.Error(t, err)
}

func TestStateDirAllowList(t *testing.T) {
	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	path, err := dir.WriteAllowList("u-3000", []string{"10.0.0.0/8", "192.168.1.7"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8\n192.168.1.7\n", string(data))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(PrivateFileMode), fi.Mode().Perm())

	require.NoError(t, dir.WritePID("u-3000", 1))
	require.NoError(t, dir.RemoveInstance("u-3000"))
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
}

func TestStateDirRemoveInstanceKeepsLog(t *testing.T) {
	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	logFile, err := dir.LogFile("u-3000")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logFile, []byte("started\n"), PrivateFileMode))

	require.NoError(t, dir.RemoveInstance("u-3000"))
	assert.FileExists(t, logFile)
}

func TestStateDirReapStale(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	require.NoError(t, dir.WritePID("u-3000", cmd.Process.Pid))

	pid, err := dir.ReapStale("u-3000")
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stale worker was not terminated")
	}

	pid, err = dir.ReadPID("u-3000")
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestStateDirReapStaleIgnoresDeadAndGarbage(t *testing.T) {
	dir, err := NewStateDir(t.TempDir())
	require.NoError(t, err)

	pid, err := dir.ReapStale("u-3000")
	require.NoError(t, err)
	assert.Zero(t, pid)

	path, err := dir.PIDFile("u-3000")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DirMode))
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), FileMode))

	_, err = dir.ReapStale("u-3000")
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestNilStateDir(t *testing.T) {
	var dir *StateDir

	assert.NoError(t, dir.WritePID("u-3000", 1))
	pid, err := dir.ReapStale("u-3000")
	assert.NoError(t, err)
	assert.Zero(t, pid)
	path, err := dir.WriteAllowList("u-3000", []string{"10.0.0.1"})
	assert.NoError(t, err)
	assert.Empty(t, path)
	assert.NoError(t, dir.RemoveInstance("u-3000"))
}
