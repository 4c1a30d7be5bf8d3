package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/checkpoint"
	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/lock"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/tmux"
)

type stubRunner struct {
	result *agent.Result
	err    error
	last   agent.Request
}

func (r *stubRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	r.last = req
	return r.result, r.err
}

type stubCheckpoints struct {
	ref      string
	resetErr error
}

func (c *stubCheckpoints) Snapshot(context.Context, string) (string, bool) {
	return c.ref, c.ref != ""
}

func (c *stubCheckpoints) Diff(context.Context, string, string) (string, bool) {
	return "+added line", true
}

func (c *stubCheckpoints) ResetTo(context.Context, string, string) error { return c.resetErr }

type testEnv struct {
	router http.Handler
	store  store.Store
	runner *stubRunner
	cps    *stubCheckpoints
	locks  *lock.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		store:  s,
		runner: &stubRunner{result: &agent.Result{Success: true, Stdout: "done"}},
		cps:    &stubCheckpoints{ref: "abc123"},
		locks:  lock.New(nil),
	}
	mgr := executor.NewManager(executor.Deps{
		Store:       s,
		Locks:       env.locks,
		Checkpoints: env.cps,
		Runner:      env.runner,
		Advisor:     noAdvice{},
	}, executor.Config{MaxIterations: 1})

	env.router = NewServer(s, mgr, git.NewClient(), nil).Router()
	return env
}

type noAdvice struct{}

func (noAdvice) Suggest(context.Context, *models.TaskContext, agent.FixRequest) (*models.FixSuggestion, error) {
	return nil, errors.New("no advice")
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T) (*models.Project, *models.Task) {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: "proj", Path: t.TempDir()}
	require.NoError(t, e.store.CreateProject(ctx, p))
	task := &models.Task{ProjectID: p.ID, Title: "Add a README", Status: models.TaskStatusPending}
	require.NoError(t, e.store.CreateTask(ctx, task))
	return p, task
}

func TestListProjects_Empty(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/api/v1/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var projects []*models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	assert.Nil(t, projects)
}

func TestProjectCRUD_API(t *testing.T) {
	env := setupTestServer(t)
	dir := t.TempDir()

	// Create
	body, _ := json.Marshal(map[string]string{"name": "test-proj", "path": dir})
	w := env.do(t, "POST", "/api/v1/projects", string(body))
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "test-proj", created.Name)
	assert.NotEmpty(t, created.ID)

	// Duplicate name
	w = env.do(t, "POST", "/api/v1/projects", string(body))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Get includes repository info
	w = env.do(t, "GET", "/api/v1/projects/"+created.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Contains(t, detail, "git")
	assert.Equal(t, "test-proj", detail["Name"])

	// Delete
	w = env.do(t, "DELETE", "/api/v1/projects/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, "DELETE", "/api/v1/projects/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProject_Validation(t *testing.T) {
	env := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/projects", "{bad").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/projects", `{"name":"x"}`).Code)

	missing, _ := json.Marshal(map[string]string{"path": filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/projects", string(missing)).Code)
}

func TestGetProject_NotFound(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, "GET", "/api/v1/projects/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTasksCRUD_API(t *testing.T) {
	env := setupTestServer(t)
	p, _ := env.seed(t)

	w := env.do(t, "POST", "/api/v1/projects/"+p.ID+"/tasks", `{"title":"Write tests","codeSnippet":"func f() {}"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Write tests", created.Title)
	assert.Equal(t, "func f() {}", created.CodeSnippet)
	assert.Equal(t, models.TaskStatusPending, created.Status)

	w = env.do(t, "GET", "/api/v1/projects/"+p.ID+"/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var tasks []*models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/tasks/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/api/v1/tasks/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/tasks/"+created.ID, "").Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/projects/"+p.ID+"/tasks", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/projects/nope/tasks", `{"title":"x"}`).Code)
}

func TestExecute_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		result *agent.Result
		err    error
		want   int
	}{
		{"success", &agent.Result{Success: true}, nil, http.StatusOK},
		{"failure", &agent.Result{Kind: agent.KindFailure, Error: "boom"}, nil, http.StatusUnprocessableEntity},
		{"quota", &agent.Result{Kind: agent.KindQuota}, nil, http.StatusTooManyRequests},
		{"auth", &agent.Result{Kind: agent.KindAuth}, nil, http.StatusBadGateway},
		{"timeout", &agent.Result{Kind: agent.KindTimeout}, nil, http.StatusGatewayTimeout},
		{"spawn", nil, &tmux.SpawnError{Session: "s", Reason: "terminal multiplexer not installed"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			_, task := env.seed(t)
			env.runner.result, env.runner.err = tt.result, tt.err

			w := env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestExecute_TimeoutAndRetryAfter(t *testing.T) {
	env := setupTestServer(t)
	_, task := env.seed(t)
	env.runner.result = &agent.Result{
		Kind:  agent.KindQuota,
		Error: "rate limited",
		Quota: &models.QuotaInfo{RetryAfter: 37500 * time.Millisecond, Limit: "60"},
	}

	w := env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", `{"timeout_seconds":90}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "38", w.Header().Get("Retry-After"))
	assert.Equal(t, 90*time.Second, env.runner.last.Timeout)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "quota", out["kind"])
	assert.NotNil(t, out["quota_info"])
}

func TestExecute_Busy(t *testing.T) {
	env := setupTestServer(t)
	p, task := env.seed(t)
	require.True(t, env.locks.Acquire(p.ID, "someone-else"))

	w := env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecute_BadRequest(t *testing.T) {
	env := setupTestServer(t)
	_, task := env.seed(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "{").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", `{"timeout_seconds":-1}`).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/tasks/nope/execute", "").Code)
}

func TestRevert_StatusMapping(t *testing.T) {
	env := setupTestServer(t)
	p, task := env.seed(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/revert", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/v1/projects/"+p.ID+"/revert", "").Code)

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "").Code)

	w := env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/revert", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res executor.RevertResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "abc123", res.SnapshotRef)

	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/revert", "").Code)
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/v1/projects/"+p.ID+"/revert", "").Code)
}

func TestRevert_NoSnapshotAndResetFailure(t *testing.T) {
	env := setupTestServer(t)
	_, task := env.seed(t)

	env.cps.ref = ""
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/revert", "").Code)

	env.cps.ref = "abc123"
	env.cps.resetErr = &checkpoint.RevertError{Ref: "abc123", Op: "verify", Err: errors.New("bad object")}
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/revert", "").Code)
}

func TestExecutions_API(t *testing.T) {
	env := setupTestServer(t)
	p, task := env.seed(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/tasks/"+task.ID+"/executions/latest", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", "").Code)

	w := env.do(t, "GET", "/api/v1/projects/"+p.ID+"/executions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var attempts []*models.ExecutionAttempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "abc123", attempts[0].SnapshotRef)

	w = env.do(t, "GET", "/api/v1/tasks/"+task.ID+"/executions/latest", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var latest models.ExecutionAttempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	assert.Len(t, latest.Iterations, 1)
}

func TestDiffAndLocks_API(t *testing.T) {
	env := setupTestServer(t)
	p, _ := env.seed(t)

	w := env.do(t, "GET", "/api/v1/projects/"+p.ID+"/diff?from=abc", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "+added line")

	require.True(t, env.locks.Acquire(p.ID, "task-5"))
	w = env.do(t, "GET", "/api/v1/locks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var entries []lock.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "task-5", entries[0].Holder)
}

func TestSession_NotConfigured(t *testing.T) {
	env := setupTestServer(t)
	p, _ := env.seed(t)

	w := env.do(t, "GET", "/api/v1/projects/"+p.ID+"/session", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "OPTIONS", "/api/v1/projects", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
