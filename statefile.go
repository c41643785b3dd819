//go:build linux || darwin

package proxyrotate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/renameio/v2"

	"github.com/axondata/go-proxyrotate/internal/unix"
)

// State file names inside an instance directory
const (
	PIDFileName       = "worker.pid"
	AllowListFileName = "allow.list"
	LogFileName       = "worker.log"
)

// StateDir keeps per-instance crash-recovery state on disk: a PID record
// written after each spawn and an allow-list file written before it.
// A nil *StateDir is valid and records nothing.
type StateDir struct {
	// Base is the root directory; each instance gets a subdirectory
	Base string
}

// NewStateDir creates base if needed and returns a StateDir rooted there
func NewStateDir(base string) (*StateDir, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	if err := os.MkdirAll(absBase, DirMode); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", absBase, err)
	}

	return &StateDir{Base: absBase}, nil
}

// InstanceDir returns the directory for an instance. Ids are joined
// securely so a crafted user name cannot escape Base.
func (d *StateDir) InstanceDir(id string) (string, error) {
	if id == "" {
		return "", errors.New("empty instance id")
	}
	return securejoin.SecureJoin(d.Base, id)
}

// PIDFile returns the path of the instance's PID record
func (d *StateDir) PIDFile(id string) (string, error) {
	return d.file(id, PIDFileName)
}

// AllowListFile returns the path of the instance's allow-list file
func (d *StateDir) AllowListFile(id string) (string, error) {
	return d.file(id, AllowListFileName)
}

// LogFile returns the path workers append their output to, empty for a nil StateDir
func (d *StateDir) LogFile(id string) (string, error) {
	if d == nil {
		return "", nil
	}
	path, err := d.file(id, LogFileName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return "", fmt.Errorf("creating instance directory: %w", err)
	}
	return path, nil
}

func (d *StateDir) file(id, name string) (string, error) {
	dir, err := d.InstanceDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WritePID atomically records the worker pid for an instance
func (d *StateDir) WritePID(id string, pid int) error {
	if d == nil || pid <= 0 {
		return nil
	}

	path, err := d.PIDFile(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("creating instance directory: %w", err)
	}

	if err := renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), FileMode); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded pid, 0 when no record exists
func (d *StateDir) ReadPID(id string) (int, error) {
	if d == nil {
		return 0, nil
	}

	path, err := d.PIDFile(id)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid: %w", err)
	}
	return pid, nil
}

// ReapStale terminates a worker left behind by a previous run of the
// manager and removes its record. It returns the pid that was signalled,
// 0 when there was nothing to reap.
func (d *StateDir) ReapStale(id string) (int, error) {
	if d == nil {
		return 0, nil
	}

	pid, err := d.ReadPID(id)
	if err != nil {
		// An unreadable record is as good as none
		_ = d.RemovePID(id)
		return 0, err
	}
	if pid <= 0 || pid == os.Getpid() {
		return 0, d.RemovePID(id)
	}

	if !unix.Alive(pid) {
		return 0, d.RemovePID(id)
	}

	if err := unix.Terminate(pid); err != nil {
		return 0, fmt.Errorf("terminating stale pid %d: %w", pid, err)
	}

	return pid, d.RemovePID(id)
}

// RemovePID deletes the PID record; a missing record is not an error
func (d *StateDir) RemovePID(id string) error {
	if d == nil {
		return nil
	}
	path, err := d.PIDFile(id)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// WriteAllowList atomically writes one allow-list entry per line and
// returns the file path
func (d *StateDir) WriteAllowList(id string, entries []string) (string, error) {
	if d == nil {
		return "", nil
	}

	path, err := d.AllowListFile(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return "", fmt.Errorf("creating instance directory: %w", err)
	}

	data := strings.Join(entries, "\n") + "\n"
	if err := renameio.WriteFile(path, []byte(data), PrivateFileMode); err != nil {
		return "", fmt.Errorf("writing allow-list: %w", err)
	}
	return path, nil
}

// RemoveInstance deletes the PID record and allow-list of a stopped
// instance. The log file is kept.
func (d *StateDir) RemoveInstance(id string) error {
	if d == nil {
		return nil
	}

	var errs []error
	for _, name := range []string{PIDFileName, AllowListFileName} {
		path, err := d.file(id, name)
		if err != nil {
			return err
		}
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}

	// Only succeeds when nothing else, such as a log file, is left
	if dir, err := d.InstanceDir(id); err == nil {
		_ = os.Remove(dir)
	}

	return errors.Join(errs...)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
