// Package agent drives an interactive terminal AI agent: it sends a prompt
// into the agent's session, waits for the screen to settle, and classifies
// what the agent printed.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joescharf/taskrun/internal/buffer"
	"github.com/joescharf/taskrun/internal/tmux"
)

// Session is the slice of a terminal session the driver needs.
type Session interface {
	Ensure(ctx context.Context) (tmux.EnsureResult, error)
	Capture(ctx context.Context) string
	Inject(ctx context.Context, text string) error
	InjectEnter(ctx context.Context) error
	PanePID(ctx context.Context) (int, error)
	ClearHistory(ctx context.Context) error
	HistoryFull(ctx context.Context) bool
	Kill(ctx context.Context) error
	Baseline() int
	SetBaseline(n int)
}

// SessionOpener hands out the session bound to a project.
type SessionOpener interface {
	Session(projectID, workDir string) Session
}

// OpenerFunc adapts a function to SessionOpener.
type OpenerFunc func(projectID, workDir string) Session

func (f OpenerFunc) Session(projectID, workDir string) Session { return f(projectID, workDir) }

// TmuxOpener exposes a tmux.Manager as a SessionOpener.
func TmuxOpener(m *tmux.Manager) SessionOpener {
	return OpenerFunc(func(projectID, workDir string) Session {
		return m.Session(projectID, workDir)
	})
}

// Config tunes the driver's polling and termination.
type Config struct {
	PollInterval time.Duration
	StablePolls  int
	KillGrace    time.Duration
	// StartupWait is slept after a session is newly created so the agent UI can come up.
	StartupWait time.Duration
	Timeout     time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		StablePolls:  2,
		KillGrace:    2 * time.Second,
		StartupWait:  3 * time.Second,
		Timeout:      10 * time.Minute,
	}
}

// Request is one prompt to run in a project's session.
type Request struct {
	Prompt    string
	ProjectID string
	WorkDir   string
	Timeout   time.Duration
}

// Driver runs prompts through agent sessions. Callers must not run two
// requests for the same project at once.
type Driver struct {
	sessions   SessionOpener
	detector   *Detector
	sampler    *buffer.Sampler
	terminator Terminator
	cfg        Config
	logger     *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes a Driver.
type Option func(*Driver)

// WithDetector replaces the default signature detector.
func WithDetector(d *Detector) Option { return func(dr *Driver) { dr.detector = d } }

// WithSampler replaces the default buffer sampler.
func WithSampler(s *buffer.Sampler) Option { return func(dr *Driver) { dr.sampler = s } }

// WithTerminator replaces process termination.
func WithTerminator(t Terminator) Option { return func(dr *Driver) { dr.terminator = t } }

// NewDriver creates a Driver.
func NewDriver(sessions SessionOpener, cfg Config, logger *slog.Logger, opts ...Option) *Driver {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StablePolls <= 0 {
		cfg.StablePolls = def.StablePolls
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	detector, _ := NewDetector(DefaultSignatures())
	d := &Driver{
		sessions:   sessions,
		detector:   detector,
		terminator: OSTerminator{},
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run carries the mutable state of one Run call.
type run struct {
	state    State
	sess     Session
	req      Request
	started  time.Time
	deadline time.Time
	baseline int
	postSend int
	// rolled is set once scrollback evicted lines during the run, which
	// invalidates the recorded offsets.
	rolled bool
}

func (d *Driver) transition(r *run, to State) {
	if !CanTransition(r.state, to) {
		d.logger.Error("invalid driver transition", "from", r.state, "to", to)
	}
	d.logger.Debug("driver state", "project", r.req.ProjectID, "from", r.state, "to", to)
	r.state = to
}

// Run sends req.Prompt to the project's agent session and waits until the
// output stops growing or the timeout passes. The returned error is only
// set for driver-internal problems (spawn, injection, cancellation); agent
// failures are described by the Result.
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = d.cfg.Timeout
	}
	r := &run{state: StateIdle, req: req, started: d.now()}
	r.deadline = r.started.Add(req.Timeout)
	r.sess = d.sessions.Session(req.ProjectID, req.WorkDir)

	d.transition(r, StateSending)
	created, err := r.sess.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if created == tmux.Created && d.cfg.StartupWait > 0 {
		if err := d.sleep(ctx, d.cfg.StartupWait); err != nil {
			return nil, err
		}
	}

	if err := r.sess.ClearHistory(ctx); err != nil {
		d.logger.Debug("clear scrollback", "project", req.ProjectID, "error", err)
	}
	r.baseline = len(r.sess.Capture(ctx))
	r.sess.SetBaseline(r.baseline)

	if err := r.sess.Inject(ctx, req.Prompt); err != nil {
		return nil, fmt.Errorf("inject prompt: %w", err)
	}
	if err := r.sess.InjectEnter(ctx); err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}
	prev := r.sess.Capture(ctx)
	r.postSend = len(prev)

	d.transition(r, StateAwaitingStable)
	stab := NewStabilizer(r.postSend, d.cfg.StablePolls)
	var current string
	empty := 0
	for {
		if !d.now().Before(r.deadline) {
			return d.timedOut(ctx, r), nil
		}
		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			d.stopSession(context.WithoutCancel(ctx), r.sess)
			return nil, fmt.Errorf("wait for agent: %w", err)
		}
		capture := r.sess.Capture(ctx)
		if capture == "" {
			// A lone empty capture is a failed sample, not a quiet agent.
			empty++
			if empty > d.cfg.StablePolls {
				current = ""
				break
			}
			continue
		}
		empty = 0
		current = capture
		if current != prev && len(current) <= stab.Last() && prev != "" && r.sess.HistoryFull(ctx) {
			r.rolled = true
			stab.Reset(len(current))
			prev = current
			continue
		}
		prev = current
		if stab.Observe(len(current)) {
			break
		}
	}

	d.transition(r, StateDone)
	return d.classify(r, current), nil
}

// classify turns the settled buffer into a Result.
func (d *Driver) classify(r *run, current string) *Result {
	if r.rolled {
		// The recorded offsets point into lines that have scrolled away.
		r.baseline, r.postSend = 0, 0
	}
	res := &Result{
		Stdout:   d.clean(region(current, r.baseline)),
		Duration: d.now().Sub(r.started),
	}

	scanFrom := r.baseline
	if r.postSend >= r.baseline && r.postSend <= len(current) {
		scanFrom = r.postSend
	}
	fresh := region(current, scanFrom)
	res.Response = d.clean(fresh)

	if current == "" {
		res.Kind = KindFailure
		res.Error = "no output captured; the agent session may have exited"
		return res
	}

	res.Kind = d.detector.Classify(fresh)
	switch res.Kind {
	case "":
		res.Success = true
		return res
	case KindQuota:
		res.Quota = ExtractQuotaInfo(fresh)
		res.Error = "agent backend rate limit or quota exceeded"
	case KindAuth:
		res.Error = "agent backend rejected its credentials"
	case KindFailure:
		res.Error = "failure signature in agent output"
	}
	res.Stderr = strings.Join(d.detector.MatchingLines(res.Response), "\n")

	d.logger.Info("agent run failed", "project", r.req.ProjectID, "kind", res.Kind, "duration", res.Duration.Round(time.Millisecond))
	return res
}

func (d *Driver) timedOut(ctx context.Context, r *run) *Result {
	d.transition(r, StateTimedOut)

	// Capture before stopping: killing the session discards the buffer.
	partial := r.sess.Capture(ctx)
	if r.rolled {
		r.baseline, r.postSend = 0, 0
	}
	d.stopSession(context.WithoutCancel(ctx), r.sess)

	d.logger.Warn("agent run timed out", "project", r.req.ProjectID, "timeout", r.req.Timeout)
	return &Result{
		Stdout:   d.clean(region(partial, r.baseline)),
		Response: d.clean(region(partial, r.postSend)),
		Error:    fmt.Sprintf("agent did not finish within %s", r.req.Timeout),
		Kind:     KindTimeout,
		Duration: d.now().Sub(r.started),
	}
}

func (d *Driver) clean(s string) string {
	if d.sampler != nil {
		return d.sampler.Clean(s)
	}
	return buffer.Clean(s)
}

// region returns buf from offset on. An offset past the end means the
// buffer was reset, so the whole buffer is new.
func region(buf string, from int) string {
	if from <= 0 {
		return buf
	}
	if from > len(buf) {
		return buf
	}
	for from < len(buf) && !utf8.RuneStart(buf[from]) {
		from++
	}
	return buf[from:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
