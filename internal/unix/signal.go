//go:build linux || darwin

package unix

import (
	"errors"
	"syscall"
)

// Terminate sends SIGTERM to the process group led by pid
func Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group led by pid
func Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// Alive reports whether a process with the given pid exists
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalGroup falls back to the single process when pid leads no group
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
