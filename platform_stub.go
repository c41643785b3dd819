//go:build !linux && !darwin

package proxyrotate

import (
	"context"
	"errors"
	"time"
)

var errUnsupportedPlatform = errors.New("proxyrotate: process management requires linux or darwin")

// StateDir keeps per-instance crash-recovery state (stub implementation)
type StateDir struct {
	Base string
}

// NewStateDir creates a StateDir (stub implementation)
func NewStateDir(_ string) (*StateDir, error) {
	return nil, errUnsupportedPlatform
}

// LogFile returns the worker log path
func (d *StateDir) LogFile(_ string) (string, error) { return "", nil }

// WritePID records the worker pid
func (d *StateDir) WritePID(_ string, _ int) error { return nil }

// ReadPID returns the recorded pid
func (d *StateDir) ReadPID(_ string) (int, error) { return 0, nil }

// ReapStale terminates a leftover worker
func (d *StateDir) ReapStale(_ string) (int, error) { return 0, nil }

// RemovePID deletes the PID record
func (d *StateDir) RemovePID(_ string) error { return nil }

// WriteAllowList writes the allow-list file
func (d *StateDir) WriteAllowList(_ string, _ []string) (string, error) { return "", nil }

// RemoveInstance deletes instance state
func (d *StateDir) RemoveInstance(_ string) error { return nil }

// ExecLauncher starts workers as child processes (stub implementation)
type ExecLauncher struct {
	Command      *CommandBuilder
	Transport    Transport
	StartupGrace time.Duration
	OutputLimit  int
	Env          []string
	Dir          string
}

// NewExecLauncher creates an ExecLauncher (stub implementation)
func NewExecLauncher(command *CommandBuilder) *ExecLauncher {
	return &ExecLauncher{Command: command}
}

// Launch implements Launcher
func (l *ExecLauncher) Launch(_ context.Context, _ WorkerSpec) (Worker, error) {
	return nil, errUnsupportedPlatform
}
