package agent

import (
	"context"
	"time"

	"github.com/joescharf/taskrun/internal/daemon"
)

// Terminator stops an agent process: soft signal first, forced kill after grace.
type Terminator interface {
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}

// OSTerminator signals real processes.
type OSTerminator struct{}

func (OSTerminator) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	return daemon.Terminate(ctx, pid, grace)
}

// stopSession terminates the pane process and removes the session so the
// next run starts a fresh agent.
func (d *Driver) stopSession(ctx context.Context, sess Session) {
	if pid, err := sess.PanePID(ctx); err == nil {
		if err := d.terminator.Terminate(ctx, pid, d.cfg.KillGrace); err != nil {
			d.logger.Warn("terminate agent process", "pid", pid, "error", err)
		}
	} else {
		d.logger.Debug("pane pid unavailable", "error", err)
	}
	if err := sess.Kill(ctx); err != nil {
		d.logger.Warn("kill session", "error", err)
	}
}
