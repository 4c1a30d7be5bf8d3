//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"syscall"
)

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	// Signal 0 tests if the process exists without sending a signal.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// softStop sends SIGTERM to the process group led by pid, then to pid itself.
func softStop(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

func forceStop(pid int) error {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
