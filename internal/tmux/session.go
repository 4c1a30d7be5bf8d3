// Package tmux drives long-lived interactive processes inside tmux sessions.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// EnsureResult reports what Ensure did.
type EnsureResult int

const (
	Created EnsureResult = iota + 1
	AlreadyExists
)

func (r EnsureResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// SpawnError means a session or its process could not be created.
type SpawnError struct {
	Session string
	Reason  string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn session %s: %s: %v", e.Session, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn session %s: %s", e.Session, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Config controls how sessions are created and fed.
type Config struct {
	Binary     string
	Prefix     string
	Width      int
	Height     int
	ChunkSize  int
	ChunkDelay time.Duration
	// Command and Args start the agent inside a new session.
	Command string
	Args    []string
	// TempDir holds transient capture and paste files. Empty means os.TempDir().
	TempDir string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Binary:     "tmux",
		Prefix:     "taskrun",
		Width:      200,
		Height:     50,
		ChunkSize:  50,
		ChunkDelay: 50 * time.Millisecond,
		Command:    "gemini",
		Args:       []string{"--yolo"},
	}
}

// Manager is the registry of per-project sessions.
type Manager struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	lookPath func(string) (string, error)
	sleep    func(context.Context, time.Duration) error

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. A nil runner uses the configured tmux binary.
func NewManager(cfg Config, runner Runner, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if runner == nil {
		runner = ExecRunner{Binary: cfg.Binary}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		lookPath: exec.LookPath,
		sleep:    sleepCtx,
		sessions: make(map[string]*Session),
	}
}

// Session returns the handle for a project, creating the in-memory entry on first use.
func (m *Manager) Session(projectID, workDir string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[projectID]
	if !ok {
		s = &Session{m: m, Name: SessionName(m.cfg.Prefix, projectID)}
		m.sessions[projectID] = s
	}
	s.WorkDir = workDir
	return s
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SessionName derives a stable tmux session name for a project.
func SessionName(prefix, projectID string) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(projectID, "-"), "-")
	if slug == "" {
		slug = "default"
	}
	return prefix + "-" + slug
}

// Session is one tmux session bound to a project's working directory.
// Callers serialize use of a Session per project.
type Session struct {
	m       *Manager
	Name    string
	WorkDir string

	baseline int
}

// Baseline is the buffer length recorded before the last prompt was sent.
func (s *Session) Baseline() int { return s.baseline }

// SetBaseline records the buffer length before a prompt is sent.
func (s *Session) SetBaseline(n int) { s.baseline = n }

// Ensure creates the session if it does not exist yet.
func (s *Session) Ensure(ctx context.Context) (EnsureResult, error) {
	info, err := os.Stat(s.WorkDir)
	if err != nil {
		return 0, &SpawnError{Session: s.Name, Reason: "working directory unavailable", Err: err}
	}
	if !info.IsDir() {
		return 0, &SpawnError{Session: s.Name, Reason: fmt.Sprintf("working directory %s is not a directory", s.WorkDir)}
	}
	if _, err := s.m.lookPath(s.m.cfg.Binary); err != nil {
		return 0, &SpawnError{Session: s.Name, Reason: "terminal multiplexer not installed", Err: err}
	}

	if s.Alive(ctx) {
		return AlreadyExists, nil
	}

	args := []string{
		"new-session", "-d",
		"-s", s.Name,
		"-x", strconv.Itoa(s.m.cfg.Width),
		"-y", strconv.Itoa(s.m.cfg.Height),
		"-c", s.WorkDir,
	}
	if cmdline := s.m.commandLine(); cmdline != "" {
		args = append(args, cmdline)
	}
	if _, err := s.m.runner.Run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "duplicate session") {
			return AlreadyExists, nil
		}
		return 0, &SpawnError{Session: s.Name, Reason: "new-session failed", Err: err}
	}

	s.baseline = 0
	s.m.logger.Info("session created", "session", s.Name, "dir", s.WorkDir)
	return Created, nil
}

// target addresses the active pane of exactly this session. Without the
// leading = tmux would also accept a session whose name merely starts with Name.
func (s *Session) target() string { return "=" + s.Name + ":" }

// bufferName derives a tmux paste buffer name unique to one call from its
// transient file.
func bufferName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Alive reports whether the tmux session exists.
func (s *Session) Alive(ctx context.Context) bool {
	_, err := s.m.runner.Run(ctx, "has-session", "-t", "="+s.Name)
	return err == nil
}

// Capture returns the full pane contents including scrollback.
// Failures yield "".
func (s *Session) Capture(ctx context.Context) string {
	f, err := os.CreateTemp(s.m.cfg.TempDir, "taskrun-capture-*.txt")
	if err != nil {
		s.m.logger.Debug("capture temp file", "session", s.Name, "error", err)
		return ""
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()

	buf := bufferName(path)
	if _, err := s.m.runner.Run(ctx, "capture-pane", "-J", "-S", "-", "-E", "-", "-b", buf, "-t", s.target()); err != nil {
		s.m.logger.Debug("capture-pane", "session", s.Name, "error", err)
		return ""
	}
	defer func() { _, _ = s.m.runner.Run(ctx, "delete-buffer", "-b", buf) }()

	if _, err := s.m.runner.Run(ctx, "save-buffer", "-b", buf, path); err != nil {
		s.m.logger.Debug("save-buffer", "session", s.Name, "error", err)
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Inject pastes text into the session in small chunks through a transient
// file so no shell ever interprets it.
func (s *Session) Inject(ctx context.Context, text string) error {
	f, err := os.CreateTemp(s.m.cfg.TempDir, "taskrun-paste-*.txt")
	if err != nil {
		return fmt.Errorf("create paste file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()

	buf := bufferName(path)
	for i, chunk := range chunkText(text, s.m.cfg.ChunkSize) {
		if i > 0 {
			if err := s.m.sleep(ctx, s.m.cfg.ChunkDelay); err != nil {
				return err
			}
		}
		if err := os.WriteFile(path, []byte(chunk), 0o600); err != nil {
			return fmt.Errorf("write paste file: %w", err)
		}
		if _, err := s.m.runner.Run(ctx, "load-buffer", "-b", buf, path); err != nil {
			return fmt.Errorf("load chunk %d: %w", i+1, err)
		}
		// -d drops the buffer after pasting; -p brackets the paste when the app asks for it.
		if _, err := s.m.runner.Run(ctx, "paste-buffer", "-d", "-p", "-b", buf, "-t", s.target()); err != nil {
			return fmt.Errorf("paste chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// InjectEnter presses Enter in the session.
func (s *Session) InjectEnter(ctx context.Context) error {
	if _, err := s.m.runner.Run(ctx, "send-keys", "-t", s.target(), "Enter"); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}
	return nil
}

// PanePID returns the PID of the process running in the session's pane.
func (s *Session) PanePID(ctx context.Context) (int, error) {
	out, err := s.m.runner.Run(ctx, "display-message", "-p", "-t", s.target(), "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", strings.TrimSpace(out), err)
	}
	return pid, nil
}

// ClearHistory drops the pane's scrollback so the next capture starts from
// the visible screen only.
func (s *Session) ClearHistory(ctx context.Context) error {
	if _, err := s.m.runner.Run(ctx, "clear-history", "-t", s.target()); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// HistoryFull reports whether the pane's scrollback has reached its
// history-limit. From then on every new line evicts the oldest one and the
// captured length no longer grows.
func (s *Session) HistoryFull(ctx context.Context) bool {
	out, err := s.m.runner.Run(ctx, "display-message", "-p", "-t", s.target(), "#{history_size} #{history_limit}")
	if err != nil {
		return false
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return false
	}
	size, err1 := strconv.Atoi(fields[0])
	limit, err2 := strconv.Atoi(fields[1])
	return err1 == nil && err2 == nil && limit > 0 && size >= limit
}

// Kill destroys the session. A session that is already gone is not an error.
func (s *Session) Kill(ctx context.Context) error {
	_, err := s.m.runner.Run(ctx, "kill-session", "-t", "="+s.Name)
	if err != nil && !isMissingSessionError(err) {
		return err
	}
	s.baseline = 0
	return nil
}

// List returns the names of live sessions carrying the manager's prefix.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isMissingSessionError(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for line := range strings.SplitSeq(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, m.cfg.Prefix+"-") {
			names = append(names, line)
		}
	}
	return names, nil
}

func (m *Manager) commandLine() string {
	if m.cfg.Command == "" {
		return ""
	}
	parts := []string{shellQuote(m.cfg.Command)}
	for _, a := range m.cfg.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// chunkText splits text into pieces of at most size bytes without
// breaking UTF-8 sequences.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
