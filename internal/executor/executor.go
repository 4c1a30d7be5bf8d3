// Package executor runs tasks against projects: it serializes work per
// project, checkpoints the working tree, drives the agent through a
// bounded fix loop, and reverts to checkpoints on request.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/buffer"
	"github.com/joescharf/taskrun/internal/lock"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

var (
	// ErrBusy means another execution or revert holds the project.
	ErrBusy = errors.New("project is busy")
	// ErrNoAttempt means there is nothing to revert.
	ErrNoAttempt = errors.New("no execution attempt to revert")
	// ErrAlreadyReverted means the attempt's changes were already discarded.
	ErrAlreadyReverted = errors.New("execution attempt already reverted")
	// ErrNoSnapshot means the attempt ran without a checkpoint.
	ErrNoSnapshot = errors.New("execution attempt has no snapshot")
	// ErrProjectDir means the project's directory is missing.
	ErrProjectDir = errors.New("project directory not found")
	// ErrProjectExists means a project with the same name is registered.
	ErrProjectExists = errors.New("project already exists")
)

// Runner sends one prompt to a project's agent. *agent.Driver implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Checkpointer snapshots and restores a working tree. *checkpoint.Engine implements it.
type Checkpointer interface {
	Snapshot(ctx context.Context, path string) (string, bool)
	Diff(ctx context.Context, path, fromRef string) (string, bool)
	ResetTo(ctx context.Context, path, ref string) error
}

// Config bounds an execution.
type Config struct {
	MaxIterations int
	Timeout       time.Duration
	FixTimeout    time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 3,
		Timeout:       10 * time.Minute,
		FixTimeout:    2 * time.Minute,
	}
}

// Deps are the collaborators of a Manager. Advisor, Sessions and Logger
// are optional.
type Deps struct {
	Store       store.Store
	Locks       *lock.Registry
	Checkpoints Checkpointer
	Runner      Runner
	Advisor     FixAdvisor
	Sessions    agent.SessionOpener
	Logger      *slog.Logger
}

// Manager executes and reverts tasks.
type Manager struct {
	store       store.Store
	locks       *lock.Registry
	checkpoints Checkpointer
	runner      Runner
	advisor     FixAdvisor
	sessions    agent.SessionOpener
	cfg         Config
	logger      *slog.Logger
}

// NewManager creates a Manager. Without an Advisor the agent analyzes its
// own failures.
func NewManager(deps Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = def.FixTimeout
	}
	m := &Manager{
		store:       deps.Store,
		locks:       deps.Locks,
		checkpoints: deps.Checkpoints,
		runner:      deps.Runner,
		advisor:     deps.Advisor,
		sessions:    deps.Sessions,
		cfg:         cfg,
		logger:      deps.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.locks == nil {
		m.locks = lock.New(m.logger)
	}
	if m.advisor == nil {
		m.advisor = NewAgentAdvisor(deps.Runner, cfg.FixTimeout)
	}
	return m
}

// Locks exposes the lock registry shared by every operation of m.
func (m *Manager) Locks() *lock.Registry { return m.locks }

// AddProject registers a project directory. The path is made absolute
// and must be an existing directory; the name defaults to its base name.
func (m *Manager) AddProject(ctx context.Context, p *models.Project) error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("%w: empty path", ErrProjectDir)
	}
	abs, err := filepath.Abs(p.Path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrProjectDir, abs)
	}
	p.Path = abs
	if p.Name == "" {
		p.Name = filepath.Base(abs)
	}
	if _, err := m.store.GetProjectByName(ctx, p.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectExists, p.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return m.store.CreateProject(ctx, p)
}

// Outcome is the result of Execute.
type Outcome struct {
	AttemptID   string              `json:"attempt_id"`
	TaskID      string              `json:"task_id"`
	ProjectID   string              `json:"project_id"`
	Success     bool                `json:"success"`
	Stdout      string              `json:"stdout"`
	Stderr      string              `json:"stderr"`
	Error       string              `json:"error,omitempty"`
	Kind        agent.Kind          `json:"kind,omitempty"`
	Quota       *models.QuotaInfo   `json:"quota_info,omitempty"`
	SnapshotRef string              `json:"snapshot_ref,omitempty"`
	Iterations  []*models.Iteration `json:"iterations"`
}

// Execute runs the task's prompt in its project. timeout <= 0 uses the
// configured default. Agent-side failures are reported in the Outcome;
// the error is set for busy projects, missing records, and driver failures.
func (m *Manager) Execute(ctx context.Context, taskID string, timeout time.Duration) (*Outcome, error) {
	tc, err := m.store.TaskContext(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}

	if !m.locks.Acquire(tc.ProjectID, taskID) {
		holder, _ := m.locks.Holder(tc.ProjectID)
		return nil, fmt.Errorf("%w: %s is held by %s", ErrBusy, tc.ProjectName, holder.Holder)
	}
	defer m.locks.Release(tc.ProjectID, taskID)

	if info, err := os.Stat(tc.ProjectPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrProjectDir, tc.ProjectPath)
	}

	ref, ok := m.checkpoints.Snapshot(ctx, tc.ProjectPath)
	if !ok {
		m.logger.Warn("no checkpoint taken; changes will not be revertible", "project", tc.ProjectName)
	}

	attemptID, err := m.store.InsertExecutionAttempt(ctx, taskID, tc.ProjectID, ref)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	if err := m.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusRunning); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	out := &Outcome{AttemptID: attemptID, TaskID: taskID, ProjectID: tc.ProjectID, SnapshotRef: ref}
	log := m.logger.With("task", taskID, "attempt", attemptID)
	log.Info("execution started", "project", tc.ProjectName, "snapshot", shortRef(ref))

	runErr := m.iterate(ctx, tc, out, timeout, log)

	status := models.TaskStatusFailed
	if out.Success {
		status = models.TaskStatusDone
	}
	if err := m.store.UpdateTaskStatus(context.WithoutCancel(ctx), taskID, status); err != nil {
		log.Error("update task status", "error", err)
	}
	log.Info("execution finished", "success", out.Success, "kind", out.Kind, "iterations", len(out.Iterations))

	if runErr != nil {
		return out, fmt.Errorf("run agent: %w", runErr)
	}
	return out, nil
}

// iterate runs the prompt/fix loop and fills out. The returned error is a
// driver failure; it has already been recorded as an iteration.
func (m *Manager) iterate(ctx context.Context, tc *models.TaskContext, out *Outcome, timeout time.Duration, log *slog.Logger) error {
	var applied string
	for seq := 1; seq <= m.cfg.MaxIterations; seq++ {
		prompt := BuildTaskPrompt(tc, applied)
		it := &models.Iteration{
			AttemptID:  out.AttemptID,
			TaskID:     tc.TaskID,
			Seq:        seq,
			Command:    prompt,
			AppliedFix: applied,
		}

		res, err := m.runner.Run(ctx, agent.Request{
			Prompt:    prompt,
			ProjectID: tc.ProjectID,
			WorkDir:   tc.ProjectPath,
			Timeout:   timeout,
		})
		if err != nil {
			it.Error = err.Error()
			it.Outcome = models.OutcomeFailedNoFix
			out.Error = it.Error
			m.record(ctx, out, it, log)
			return err
		}

		it.Stdout, it.Stderr, it.Error = res.Stdout, res.Stderr, res.Error
		out.Stdout, out.Stderr, out.Error = res.Stdout, res.Stderr, res.Error
		out.Kind, out.Quota = res.Kind, res.Quota

		if res.Success {
			it.Outcome = models.OutcomeSuccess
			out.Success = true
			m.record(ctx, out, it, log)
			return nil
		}
		if !res.Kind.Fixable() {
			it.Outcome = models.OutcomeFailedNoFix
			m.record(ctx, out, it, log)
			return nil
		}

		fs, err := m.advisor.Suggest(ctx, tc, agent.FixRequest{
			ProjectName: tc.ProjectName,
			Command:     prompt,
			Kind:        res.Kind,
			Error:       res.Error,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
		})
		if err != nil {
			log.Warn("no fix suggestion", "seq", seq, "error", err)
		}
		it.FixSuggestion = fs

		if fs == nil || strings.TrimSpace(fs.Fix) == "" || fs.FixType == models.FixTypeManual || seq == m.cfg.MaxIterations {
			it.Outcome = models.OutcomeFailedNoFix
			m.record(ctx, out, it, log)
			return nil
		}

		it.Outcome = models.OutcomeFailed
		m.record(ctx, out, it, log)
		applied = fs.Fix
		log.Info("retrying with fix", "seq", seq, "fix_type", fs.FixType)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, out *Outcome, it *models.Iteration, log *slog.Logger) {
	if err := m.store.InsertIteration(context.WithoutCancel(ctx), it); err != nil {
		log.Error("record iteration", "seq", it.Seq, "error", err)
	}
	out.Iterations = append(out.Iterations, it)
}

// RevertResult describes what a revert discarded.
type RevertResult struct {
	AttemptID   string   `json:"attempt_id"`
	ProjectID   string   `json:"project_id"`
	SnapshotRef string   `json:"snapshot_ref"`
	Attempts    []string `json:"reverted_attempts"`
	Tasks       []string `json:"reverted_tasks"`
}

// RevertTask resets the project to the snapshot taken before the task's
// latest attempt.
func (m *Manager) RevertTask(ctx context.Context, taskID string) (*RevertResult, error) {
	att, err := m.store.GetLatestAttempt(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s", ErrNoAttempt, taskID)
	}
	if err != nil {
		return nil, err
	}
	return m.revert(ctx, att)
}

// RevertProject undoes the newest attempt in the project that can still
// be reverted.
func (m *Manager) RevertProject(ctx context.Context, projectID string) (*RevertResult, error) {
	attempts, err := m.store.ListAttempts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("%w: project %s", ErrNoAttempt, projectID)
	}

	live := false
	for _, a := range attempts {
		if a.Reverted {
			continue
		}
		live = true
		if a.SnapshotRef != "" {
			return m.revert(ctx, a)
		}
	}
	if !live {
		return nil, fmt.Errorf("%w: every attempt in project %s", ErrAlreadyReverted, projectID)
	}
	return nil, fmt.Errorf("%w: no revertible attempt in project %s", ErrNoSnapshot, projectID)
}

func (m *Manager) revert(ctx context.Context, target *models.ExecutionAttempt) (*RevertResult, error) {
	holder := "revert:" + target.ID
	if !m.locks.Acquire(target.ProjectID, holder) {
		return nil, fmt.Errorf("%w: project %s", ErrBusy, target.ProjectID)
	}
	defer m.locks.Release(target.ProjectID, holder)

	// Re-read under the lock; a concurrent revert may have consumed it.
	att, err := m.store.GetAttempt(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if att.Reverted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReverted, att.ID)
	}
	if att.SnapshotRef == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, att.ID)
	}

	project, err := m.store.GetProject(ctx, att.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := m.checkpoints.ResetTo(ctx, project.Path, att.SnapshotRef); err != nil {
		return nil, err
	}

	attempts, err := m.store.ListAttempts(ctx, att.ProjectID)
	if err != nil {
		return nil, err
	}

	// The reset also discarded every newer attempt's changes.
	res := &RevertResult{AttemptID: att.ID, ProjectID: att.ProjectID, SnapshotRef: att.SnapshotRef}
	seenTask := map[string]bool{}
	persist := context.WithoutCancel(ctx)
	for _, a := range attempts {
		if !a.Reverted {
			err := m.store.MarkReverted(persist, a.ID)
			switch {
			case err == nil:
				res.Attempts = append(res.Attempts, a.ID)
				if !seenTask[a.TaskID] {
					seenTask[a.TaskID] = true
					res.Tasks = append(res.Tasks, a.TaskID)
					if err := m.store.UpdateTaskStatus(persist, a.TaskID, models.TaskStatusReverted); err != nil {
						m.logger.Error("update task status", "task", a.TaskID, "error", err)
					}
				}
			case !errors.Is(err, store.ErrAlreadyReverted):
				return res, fmt.Errorf("mark attempt %s reverted: %w", a.ID, err)
			}
		}
		if a.ID == att.ID {
			break
		}
	}

	m.logger.Info("reverted", "project", project.Name, "snapshot", shortRef(att.SnapshotRef), "attempts", len(res.Attempts))
	return res, nil
}

// Diff reports the project's changes since fromRef (HEAD when empty).
func (m *Manager) Diff(ctx context.Context, projectID, fromRef string) (string, bool, error) {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return "", false, err
	}
	diff, ok := m.checkpoints.Diff(ctx, project.Path, fromRef)
	return diff, ok, nil
}

// Capture returns the current screen of the project's agent session,
// cleaned unless raw is set. It does not take the project lock.
func (m *Manager) Capture(ctx context.Context, projectID string, raw bool) (string, error) {
	if m.sessions == nil {
		return "", errors.New("session inspection not configured")
	}
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	screen := m.sessions.Session(project.ID, project.Path).Capture(ctx)
	if raw {
		return screen, nil
	}
	return buffer.Clean(screen), nil
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
