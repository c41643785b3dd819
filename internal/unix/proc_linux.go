//go:build linux

// Package unix provides platform-specific process helpers for workers.
package unix

import "syscall"

// SysProcAttr places the worker in its own process group so signals reach
// every process it forks, and kills it if the manager dies first.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
