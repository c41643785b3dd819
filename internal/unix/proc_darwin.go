//go:build darwin

// Package unix provides platform-specific process helpers for workers.
package unix

import "syscall"

// SysProcAttr places the worker in its own process group so signals reach
// every process it forks.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
