package daemon

import (
	"context"
	"time"
)

// pollInterval is how often Terminate checks whether the process has exited.
const pollInterval = 100 * time.Millisecond

// Terminate asks pid to exit and force-kills it if it is still alive after
// grace. It returns once the process is gone or ctx is done.
func Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 || !Alive(pid) {
		return nil
	}
	if err := softStop(pid); err != nil && Alive(pid) {
		return forceStop(pid)
	}
	if waitExit(ctx, pid, grace) {
		return nil
	}
	return forceStop(pid)
}

// waitExit polls until pid exits, grace elapses or ctx is done.
func waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}
