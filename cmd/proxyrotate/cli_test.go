package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "proxyrotate 0.3.0")
	assert.Contains(t, out, "worker:    gost")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxyrotate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoints:
  - host: 10.0.0.1
    port: 3128
  - host: 10.0.0.2
    port: 3128
instances:
  - user: alice
    listen_port: [3000, 3001]
    rotation_interval: 10m
  - user: bob
    listen_port: 4000
    disabled: true
`), 0o644))

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "configuration valid: 2 endpoints, 2 instances\n", out)
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[instances]]\nuser = \"a\"\nlisten_port = 70000\n"), 0o644))

	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ListenPort")
}

func TestValidateCommandRejectsBadLogFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instances: []\n"), 0o644))

	_, err := execute(t, "validate", "--config", path, "--log-format", "xml")
	assert.Error(t, err)
}
