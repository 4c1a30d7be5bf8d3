// Package checkpoint snapshots project working trees as git commits and
// rolls them back on request.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/taskrun/internal/git"
)

// ErrNotRepository is wrapped by RevertError when the path has no repository.
var ErrNotRepository = errors.New("not a git repository")

// RevertError reports a failed or refused reset. Op names the failing step.
type RevertError struct {
	Path string
	Ref  string
	Op   string
	Err  error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("revert %s to %s: %s: %v", e.Path, e.Ref, e.Op, e.Err)
}

func (e *RevertError) Unwrap() error { return e.Err }

// Config controls checkpoint commits.
type Config struct {
	Message        string
	InitialMessage string
	AuthorName     string
	AuthorEmail    string
	// IgnoreEntries are appended to .gitignore before the first commit of a repository.
	IgnoreEntries []string
}

// DefaultIgnoreEntries are cache directories kept out of the initial commit.
var DefaultIgnoreEntries = []string{
	"node_modules/",
	"__pycache__/",
	"*.pyc",
	".venv/",
	"venv/",
	".pytest_cache/",
	".mypy_cache/",
	".ruff_cache/",
	".cache/",
	".next/",
	".gradle/",
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Message:        "taskrun checkpoint",
		InitialMessage: "taskrun initial checkpoint",
		AuthorName:     "taskrun",
		AuthorEmail:    "taskrun@localhost",
		IgnoreEntries:  DefaultIgnoreEntries,
	}
}

// Engine takes, diffs and restores snapshots.
type Engine struct {
	git    git.Client
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(gc git.Client, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Message == "" {
		cfg.Message = def.Message
	}
	if cfg.InitialMessage == "" {
		cfg.InitialMessage = def.InitialMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{git: gc, cfg: cfg, logger: logger}
}

func (e *Engine) commitOptions(allowEmpty bool) git.CommitOptions {
	return git.CommitOptions{
		AllowEmpty:  allowEmpty,
		AuthorName:  e.cfg.AuthorName,
		AuthorEmail: e.cfg.AuthorEmail,
	}
}

// Snapshot commits the current working tree and returns the resulting HEAD.
// It returns ok=false, never an error, when there is nothing to checkpoint.
// With no changes it returns the existing HEAD, so repeated calls agree.
func (e *Engine) Snapshot(ctx context.Context, path string) (ref string, ok bool) {
	if !e.git.IsRepo(ctx, path) {
		e.logger.Debug("snapshot skipped, no repository", "path", path)
		return "", false
	}
	if !e.git.HasCommits(ctx, path) {
		return e.initialCommit(ctx, path)
	}

	if err := e.git.AddAll(ctx, path); err != nil {
		e.logger.Warn("snapshot stage failed", "path", path, "error", err)
		return "", false
	}
	staged, err := e.git.HasStagedChanges(ctx, path)
	if err != nil {
		e.logger.Warn("snapshot status failed", "path", path, "error", err)
		return "", false
	}
	if staged {
		if err := e.git.Commit(ctx, path, e.cfg.Message, e.commitOptions(false)); err != nil {
			e.logger.Warn("snapshot commit failed", "path", path, "error", err)
			return "", false
		}
	}
	return e.head(ctx, path)
}

func (e *Engine) initialCommit(ctx context.Context, path string) (string, bool) {
	if err := ensureGitignore(path, e.cfg.IgnoreEntries); err != nil {
		e.logger.Warn("seed .gitignore", "path", path, "error", err)
	}
	if err := e.git.AddAll(ctx, path); err != nil {
		e.logger.Warn("initial snapshot stage failed", "path", path, "error", err)
		return "", false
	}
	if err := e.git.Commit(ctx, path, e.cfg.InitialMessage, e.commitOptions(true)); err != nil {
		e.logger.Warn("initial snapshot commit failed", "path", path, "error", err)
		return "", false
	}
	e.logger.Info("created initial checkpoint", "path", path)
	return e.head(ctx, path)
}

func (e *Engine) head(ctx context.Context, path string) (string, bool) {
	ref, err := e.git.Head(ctx, path)
	if err != nil || ref == "" {
		e.logger.Warn("snapshot head lookup failed", "path", path, "error", err)
		return "", false
	}
	return ref, true
}

// Diff describes how the working tree differs from fromRef (HEAD when empty).
// ok is false when there is no difference or no repository.
func (e *Engine) Diff(ctx context.Context, path, fromRef string) (diff string, ok bool) {
	if !e.git.IsRepo(ctx, path) {
		return "", false
	}
	if fromRef != "" {
		if strings.HasPrefix(fromRef, "-") {
			e.logger.Warn("diff refused", "path", path, "ref", fromRef)
			return "", false
		}
		if err := e.git.VerifyCommit(ctx, path, fromRef); err != nil {
			e.logger.Warn("diff refused, unknown ref", "path", path, "ref", fromRef, "error", err)
			return "", false
		}
	}

	var tracked string
	switch {
	case fromRef != "":
		out, err := e.git.Diff(ctx, path, fromRef)
		if err != nil {
			e.logger.Warn("diff failed", "path", path, "ref", fromRef, "error", err)
			return "", false
		}
		tracked = out
	case e.git.HasCommits(ctx, path):
		out, err := e.git.Diff(ctx, path, "HEAD")
		if err != nil {
			e.logger.Warn("diff failed", "path", path, "error", err)
			return "", false
		}
		tracked = out
	}

	untracked, err := e.git.UntrackedFiles(ctx, path)
	if err != nil {
		e.logger.Warn("list untracked files", "path", path, "error", err)
	}

	var b strings.Builder
	b.WriteString(tracked)
	for _, f := range untracked {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("untracked: " + f)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// ResetTo restores path to ref and removes untracked files. Nothing is
// touched unless ref is verified to be a commit in the repository.
func (e *Engine) ResetTo(ctx context.Context, path, ref string) error {
	if strings.TrimSpace(ref) == "" || strings.HasPrefix(ref, "-") {
		return &RevertError{Path: path, Ref: ref, Op: "verify", Err: fmt.Errorf("invalid snapshot reference %q", ref)}
	}
	if !e.git.IsRepo(ctx, path) {
		return &RevertError{Path: path, Ref: ref, Op: "verify", Err: ErrNotRepository}
	}
	if err := e.git.VerifyCommit(ctx, path, ref); err != nil {
		return &RevertError{Path: path, Ref: ref, Op: "verify", Err: err}
	}
	if err := e.git.ResetHard(ctx, path, ref); err != nil {
		return &RevertError{Path: path, Ref: ref, Op: "reset", Err: err}
	}
	if err := e.git.CleanUntracked(ctx, path); err != nil {
		return &RevertError{Path: path, Ref: ref, Op: "clean", Err: err}
	}
	e.logger.Info("reverted to checkpoint", "path", path, "ref", ref)
	return nil
}
