//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// softStop has no graceful equivalent on Windows.
func softStop(pid int) error {
	return forceStop(pid)
}

func forceStop(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
