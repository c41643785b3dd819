//go:build linux || darwin

package unix

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestTerminateProcessGroup(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	cmd := exec.Command(sleep, "30")
	cmd.SysProcAttr = SysProcAttr()
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, Terminate(cmd.Process.Pid))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		_ = Kill(cmd.Process.Pid)
		t.Fatal("process did not exit after SIGTERM")
	}

	assert.Error(t, Terminate(0))
}
