package tmux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records tmux invocations and simulates a tiny tmux server.
type fakeRunner struct {
	calls    [][]string
	sessions map[string]bool
	pane     string
	pasted   []string
	buffers  map[string]string
	history  string
	failOn   string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sessions: map[string]bool{}, buffers: map[string]string{}}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.failOn != "" && args[0] == f.failOn {
		return "", errors.New("tmux " + args[0] + ": boom")
	}
	switch args[0] {
	case "has-session":
		if f.sessions[strings.TrimPrefix(args[2], "=")] {
			return "", nil
		}
		return "", errors.New("tmux has-session: can't find session")
	case "new-session":
		f.sessions[args[3]] = true
	case "kill-session":
		name := strings.TrimPrefix(args[2], "=")
		if !f.sessions[name] {
			return "", errors.New("tmux kill-session: can't find session: " + name)
		}
		delete(f.sessions, name)
	case "capture-pane":
		f.buffers[args[7]] = f.pane
	case "save-buffer":
		data, ok := f.buffers[args[2]]
		if !ok {
			return "", errors.New("tmux save-buffer: no buffer " + args[2])
		}
		return "", os.WriteFile(args[3], []byte(data), 0o600)
	case "delete-buffer":
		delete(f.buffers, args[2])
	case "load-buffer":
		data, err := os.ReadFile(args[3])
		if err != nil {
			return "", err
		}
		f.buffers[args[2]] = string(data)
	case "paste-buffer":
		f.pasted = append(f.pasted, f.buffers[args[4]])
	case "display-message":
		if strings.Contains(args[len(args)-1], "history_size") {
			return f.history, nil
		}
		return "4242\n", nil
	case "list-sessions":
		return "taskrun-a\nother\ntaskrun-b\n", nil
	}
	return "", nil
}

func (f *fakeRunner) commands() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, c[0])
	}
	return out
}

func newTestManager(t *testing.T, r Runner) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	m := NewManager(cfg, r, nil)
	m.lookPath = func(string) (string, error) { return "/usr/bin/tmux", nil }
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "taskrun-proj1", SessionName("taskrun", "proj1"))
	assert.Equal(t, "taskrun-my-app-v2", SessionName("taskrun", "my.app:v2"))
	assert.Equal(t, "taskrun-default", SessionName("taskrun", "..."))
}

func TestManager_SessionIsCached(t *testing.T) {
	m := newTestManager(t, newFakeRunner())

	a := m.Session("p1", "/a")
	a.SetBaseline(99)
	b := m.Session("p1", "/b")

	assert.Same(t, a, b)
	assert.Equal(t, "/b", b.WorkDir)
	assert.Equal(t, 99, b.Baseline())
}

func TestEnsure_CreatesThenReuses(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())

	res, err := s.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Created, res)

	var newSession []string
	for _, c := range r.calls {
		if c[0] == "new-session" {
			newSession = c
		}
	}
	require.NotNil(t, newSession)
	assert.Contains(t, newSession, "-c")
	assert.Contains(t, newSession, s.WorkDir)
	assert.Equal(t, "gemini --yolo", newSession[len(newSession)-1])

	res, err = s.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)
}

func TestEnsure_MissingWorkDir(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	s := m.Session("proj1", filepath.Join(t.TempDir(), "nope"))

	_, err := s.Ensure(context.Background())
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "taskrun-proj1", se.Session)
	assert.True(t, IsSpawnError(err))
}

func TestEnsure_WorkDirIsFile(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := m.Session("proj1", file).Ensure(context.Background())
	assert.True(t, IsSpawnError(err))
}

func TestEnsure_MissingBinary(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	m.lookPath = func(string) (string, error) { return "", errors.New("executable file not found") }

	_, err := m.Session("proj1", t.TempDir()).Ensure(context.Background())
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "not installed")
	assert.Empty(t, r.calls)
}

func TestEnsure_NewSessionFails(t *testing.T) {
	r := newFakeRunner()
	r.failOn = "new-session"
	m := newTestManager(t, r)

	_, err := m.Session("proj1", t.TempDir()).Ensure(context.Background())
	assert.True(t, IsSpawnError(err))
}

func TestCapture(t *testing.T) {
	r := newFakeRunner()
	r.pane = "line one\nline two\n"
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())

	got := s.Capture(context.Background())
	assert.Equal(t, "line one\nline two\n", got)
	assert.Equal(t, []string{"capture-pane", "save-buffer", "delete-buffer"}, r.commands())

	// Transient file removed.
	entries, err := os.ReadDir(m.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// overlappingRunner runs another capture of the same session in the middle
// of the first one, the way an API request can while a run is polling.
type overlappingRunner struct {
	*fakeRunner
	during func()
}

func (o *overlappingRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := o.fakeRunner.Run(ctx, args...)
	if args[0] == "capture-pane" && o.during != nil {
		fn := o.during
		o.during = nil
		fn()
	}
	return out, err
}

func TestCapture_OverlappingCallsKeepTheirBuffers(t *testing.T) {
	r := &overlappingRunner{fakeRunner: newFakeRunner()}
	r.pane = "agent output\n"
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())

	var inner string
	r.during = func() { inner = s.Capture(context.Background()) }

	outer := s.Capture(context.Background())
	assert.Equal(t, "agent output\n", outer)
	assert.Equal(t, "agent output\n", inner)

	var names []string
	for _, c := range r.calls {
		if c[0] == "capture-pane" {
			names = append(names, c[7])
		}
	}
	require.Len(t, names, 2)
	assert.NotEqual(t, names[0], names[1])
	assert.Empty(t, r.buffers, "every buffer is deleted")
}

func TestTargetsMatchSessionExactly(t *testing.T) {
	r := newFakeRunner()
	r.pane = "x"
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())
	ctx := context.Background()

	s.Capture(ctx)
	require.NoError(t, s.Inject(ctx, "hi"))
	require.NoError(t, s.InjectEnter(ctx))
	_, err := s.PanePID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ClearHistory(ctx))
	s.HistoryFull(ctx)

	for _, c := range r.calls {
		for i, arg := range c {
			if arg == "-t" {
				assert.Equal(t, "=taskrun-proj1", strings.TrimSuffix(c[i+1], ":"), "%s", c[0])
			}
		}
	}
}

func TestClearHistory(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)

	require.NoError(t, m.Session("proj1", t.TempDir()).ClearHistory(context.Background()))
	assert.Equal(t, []string{"clear-history", "-t", "=taskrun-proj1:"}, r.calls[0])

	r.failOn = "clear-history"
	assert.Error(t, m.Session("proj1", t.TempDir()).ClearHistory(context.Background()))
}

func TestHistoryFull(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())
	ctx := context.Background()

	r.history = "120 2000\n"
	assert.False(t, s.HistoryFull(ctx))
	r.history = "2000 2000\n"
	assert.True(t, s.HistoryFull(ctx))
	r.history = "garbage"
	assert.False(t, s.HistoryFull(ctx))
	r.failOn = "display-message"
	assert.False(t, s.HistoryFull(ctx))
}

func TestCapture_FailureReturnsEmpty(t *testing.T) {
	r := newFakeRunner()
	r.failOn = "capture-pane"
	m := newTestManager(t, r)

	assert.Equal(t, "", m.Session("proj1", t.TempDir()).Capture(context.Background()))
}

func TestInject_ChunksThroughFile(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	s := m.Session("proj1", t.TempDir())

	text := strings.Repeat("a", 120) + " $(rm -rf /) `x` 'q'"
	require.NoError(t, s.Inject(context.Background(), text))

	require.Len(t, r.pasted, 3)
	for _, p := range r.pasted {
		assert.LessOrEqual(t, len(p), 50)
	}
	assert.Equal(t, text, strings.Join(r.pasted, ""))

	// Text never appears on a command line.
	for _, c := range r.calls {
		for _, arg := range c {
			assert.NotContains(t, arg, "rm -rf")
		}
	}
}

func TestInject_SleepsBetweenChunks(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	var sleeps int
	m.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	require.NoError(t, m.Session("p", t.TempDir()).Inject(context.Background(), strings.Repeat("x", 101)))
	assert.Equal(t, 2, sleeps)
}

func TestInject_CancelledContext(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	m.sleep = sleepCtx
	m.cfg.ChunkDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Session("p", t.TempDir()).Inject(ctx, strings.Repeat("x", 60))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, r.pasted, 1)
}

func TestInjectEnter(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)

	require.NoError(t, m.Session("proj1", t.TempDir()).InjectEnter(context.Background()))
	assert.Equal(t, []string{"send-keys", "-t", "=taskrun-proj1:", "Enter"}, r.calls[0])
}

func TestPanePID(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	pid, err := m.Session("p", t.TempDir()).PanePID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestKill_MissingSessionIsNotError(t *testing.T) {
	r := newFakeRunner()
	m := newTestManager(t, r)
	s := m.Session("p", t.TempDir())
	s.SetBaseline(10)

	require.NoError(t, s.Kill(context.Background()))
	assert.Equal(t, 0, s.Baseline())
}

func TestList_FiltersByPrefix(t *testing.T) {
	m := newTestManager(t, newFakeRunner())
	names, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"taskrun-a", "taskrun-b"}, names)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 50))
	assert.Equal(t, []string{"abc"}, chunkText("abc", 50))
	assert.Equal(t, []string{"ab", "cd", "e"}, chunkText("abcde", 2))

	// Multi-byte runes are never split.
	chunks := chunkText("héllo wörld", 2)
	assert.Equal(t, "héllo wörld", strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, len(c) > 0)
		assert.True(t, strings.ToValidUTF8(c, "?") == c)
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "gemini", shellQuote("gemini"))
	assert.Equal(t, "--yolo", shellQuote("--yolo"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
}

func TestIsMissingSessionError(t *testing.T) {
	assert.True(t, isMissingSessionError(errors.New("can't find session: x")))
	assert.True(t, isMissingSessionError(errors.New("no server running on /tmp/tmux-0/default")))
	assert.False(t, isMissingSessionError(errors.New("permission denied")))
	assert.False(t, isMissingSessionError(nil))
}

func TestWithoutTMUX(t *testing.T) {
	env := withoutTMUX([]string{"HOME=/root", "TMUX=/tmp/tmux-0/default,1,0", "TMUX_PANE=%1"})
	assert.Equal(t, []string{"HOME=/root", "TMUX_PANE=%1"}, env)
}
