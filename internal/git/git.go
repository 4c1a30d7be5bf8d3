package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client defines the git operations taskrun needs on project repositories.
// All methods take a path parameter since taskrun operates on many repos.
type Client interface {
	IsRepo(ctx context.Context, path string) bool
	HasCommits(ctx context.Context, path string) bool
	Init(ctx context.Context, path string) error
	Head(ctx context.Context, path string) (string, error)
	AddAll(ctx context.Context, path string) error
	HasStagedChanges(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, path, message string, opts CommitOptions) error
	VerifyCommit(ctx context.Context, path, ref string) error
	ResetHard(ctx context.Context, path, ref string) error
	CleanUntracked(ctx context.Context, path string) error
	Diff(ctx context.Context, path, ref string) (string, error)
	UntrackedFiles(ctx context.Context, path string) ([]string, error)

	CurrentBranch(ctx context.Context, path string) (string, error)
	LastCommitMessage(ctx context.Context, path string) (string, error)
	IsDirty(ctx context.Context, path string) (bool, error)
}

// CommitOptions tune a commit made on behalf of the user.
type CommitOptions struct {
	AllowEmpty  bool
	AuthorName  string
	AuthorEmail string
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo reports whether path is the top level of a work tree. A directory
// nested inside some other repository is not a repository of its own.
func (c *RealClient) IsRepo(ctx context.Context, path string) bool {
	top, err := gitCmd(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil || top == "" {
		return false
	}
	return samePath(top, path)
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}

func (c *RealClient) HasCommits(ctx context.Context, path string) bool {
	_, err := gitCmd(ctx, path, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

func (c *RealClient) Init(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "init")
	return err
}

func (c *RealClient) Head(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "HEAD")
}

func (c *RealClient) AddAll(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "add", "-A")
	return err
}

func (c *RealClient) HasStagedChanges(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) Commit(ctx context.Context, path, message string, opts CommitOptions) error {
	var args []string
	if opts.AuthorName != "" {
		args = append(args, "-c", "user.name="+opts.AuthorName)
	}
	if opts.AuthorEmail != "" {
		args = append(args, "-c", "user.email="+opts.AuthorEmail)
	}
	args = append(args, "-c", "commit.gpgsign=false", "commit", "--no-verify", "-m", message)
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := gitCmd(ctx, path, args...)
	return err
}

// VerifyCommit fails unless ref names a commit in the object store.
func (c *RealClient) VerifyCommit(ctx context.Context, path, ref string) error {
	_, err := gitCmd(ctx, path, "cat-file", "-e", ref+"^{commit}")
	return err
}

func (c *RealClient) ResetHard(ctx context.Context, path, ref string) error {
	_, err := gitCmd(ctx, path, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories. Ignored files stay.
func (c *RealClient) CleanUntracked(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "clean", "-fd")
	return err
}

// Diff returns the diff of tracked files between ref and the working tree.
func (c *RealClient) Diff(ctx context.Context, path, ref string) (string, error) {
	return gitCmd(ctx, path, "diff", "--end-of-options", ref, "--")
}

func (c *RealClient) UntrackedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) LastCommitMessage(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "log", "-1", "--format=%s")
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Info summarizes a project directory's repository state.
type Info struct {
	IsRepo     bool   `json:"is_repo"`
	Branch     string `json:"branch,omitempty"`
	Head       string `json:"head,omitempty"`
	IsDirty    bool   `json:"is_dirty"`
	LastCommit string `json:"last_commit,omitempty"`
}

// Inspect gathers Info for path. Missing pieces are left empty.
func Inspect(ctx context.Context, c Client, path string) Info {
	info := Info{IsRepo: c.IsRepo(ctx, path)}
	if !info.IsRepo {
		return info
	}
	if branch, err := c.CurrentBranch(ctx, path); err == nil {
		info.Branch = branch
	}
	if head, err := c.Head(ctx, path); err == nil {
		info.Head = head
	}
	if dirty, err := c.IsDirty(ctx, path); err == nil {
		info.IsDirty = dirty
	}
	if msg, err := c.LastCommitMessage(ctx, path); err == nil {
		info.LastCommit = msg
	}
	return info
}
