package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/lock"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type mockRunner struct {
	result *agent.Result
	reqs   []agent.Request
}

func (m *mockRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	m.reqs = append(m.reqs, req)
	return m.result, nil
}

type mockCheckpoints struct {
	resets []string
}

func (m *mockCheckpoints) Snapshot(context.Context, string) (string, bool) { return "feedbeef", true }
func (m *mockCheckpoints) Diff(context.Context, string, string) (string, bool) {
	return "", false
}
func (m *mockCheckpoints) ResetTo(_ context.Context, _ string, ref string) error {
	m.resets = append(m.resets, ref)
	return nil
}

type fixture struct {
	srv    *Server
	store  *store.SQLiteStore
	runner *mockRunner
	cps    *mockCheckpoints
	locks  *lock.Registry
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:  s,
		runner: &mockRunner{result: &agent.Result{Success: true, Stdout: "done"}},
		cps:    &mockCheckpoints{},
		locks:  lock.New(nil),
	}
	mgr := executor.NewManager(executor.Deps{
		Store:       s,
		Locks:       f.locks,
		Checkpoints: f.cps,
		Runner:      f.runner,
	}, executor.Config{MaxIterations: 1})
	f.srv = NewServer(s, mgr, "test")
	return f
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func (f *fixture) seed(t *testing.T) (*models.Project, *models.Task) {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: "web", Path: t.TempDir()}
	require.NoError(t, f.store.CreateProject(ctx, p))
	task := &models.Task{ProjectID: p.ID, Title: "Add footer", Status: models.TaskStatusPending}
	require.NoError(t, f.store.CreateTask(ctx, task))
	return p, task
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMCPIntegration_ListTools(t *testing.T) {
	f := newTestServer(t)
	mcpSrv := f.srv.MCPServer()
	require.NotNil(t, mcpSrv)

	reqJSON := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	respMsg := mcpSrv.HandleMessage(context.Background(), reqJSON)
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	toolNames := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{
		"taskrun_list_projects",
		"taskrun_list_tasks",
		"taskrun_execute_task",
		"taskrun_revert_task",
		"taskrun_revert_project",
		"taskrun_list_executions",
		"taskrun_capture_session",
	} {
		assert.True(t, toolNames[name], "missing tool %s", name)
	}
}

func TestHandleListProjects(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	result, err := f.srv.handleListProjects(ctx, callToolReq("taskrun_list_projects", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	p, _ := f.seed(t)
	result, err = f.srv.handleListProjects(ctx, callToolReq("taskrun_list_projects", nil))
	require.NoError(t, err)

	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, p.ID, out[0]["id"])
	assert.Equal(t, "web", out[0]["name"])
}

func TestHandleListTasks(t *testing.T) {
	f := newTestServer(t)
	_, task := f.seed(t)

	result, err := f.srv.handleListTasks(context.Background(), callToolReq("taskrun_list_tasks", map[string]any{"project": "web"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, task.ID, out[0]["id"])
	assert.Equal(t, "pending", out[0]["status"])
}

func TestHandleListTasks_UnknownProject(t *testing.T) {
	f := newTestServer(t)

	result, err := f.srv.handleListTasks(context.Background(), callToolReq("taskrun_list_tasks", map[string]any{"project": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "project not found")
}

func TestHandleListTasks_MissingArg(t *testing.T) {
	f := newTestServer(t)

	result, err := f.srv.handleListTasks(context.Background(), callToolReq("taskrun_list_tasks", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleExecuteTask(t *testing.T) {
	f := newTestServer(t)
	_, task := f.seed(t)

	result, err := f.srv.handleExecuteTask(context.Background(), callToolReq("taskrun_execute_task", map[string]any{
		"task_id":         task.ID,
		"timeout_seconds": float64(45),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out executor.Outcome
	resultJSON(t, result, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "feedbeef", out.SnapshotRef)
	require.Len(t, f.runner.reqs, 1)
	assert.Equal(t, int64(45), int64(f.runner.reqs[0].Timeout.Seconds()))
}

func TestHandleExecuteTask_Busy(t *testing.T) {
	f := newTestServer(t)
	p, task := f.seed(t)
	require.True(t, f.locks.Acquire(p.ID, "other"))

	result, err := f.srv.handleExecuteTask(context.Background(), callToolReq("taskrun_execute_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "busy")
	assert.Empty(t, f.runner.reqs)
}

func TestHandleRevert(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	_, task := f.seed(t)

	result, err := f.srv.handleRevertTask(ctx, callToolReq("taskrun_revert_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "nothing to revert yet")

	_, err = f.srv.handleExecuteTask(ctx, callToolReq("taskrun_execute_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)

	result, err = f.srv.handleRevertProject(ctx, callToolReq("taskrun_revert_project", map[string]any{"project": "web"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, []string{"feedbeef"}, f.cps.resets)

	result, err = f.srv.handleRevertTask(ctx, callToolReq("taskrun_revert_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already reverted")
}

func TestHandleListExecutions(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	_, task := f.seed(t)

	for range 3 {
		_, err := f.srv.handleExecuteTask(ctx, callToolReq("taskrun_execute_task", map[string]any{"task_id": task.ID}))
		require.NoError(t, err)
	}

	result, err := f.srv.handleListExecutions(ctx, callToolReq("taskrun_list_executions", map[string]any{
		"project": "web",
		"limit":   float64(2),
	}))
	require.NoError(t, err)

	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 2)
	assert.Equal(t, task.ID, out[0]["task_id"])
	iterations, ok := out[0]["iterations"].([]any)
	require.True(t, ok)
	assert.Len(t, iterations, 1)
}

func TestHandleCaptureSession_NotConfigured(t *testing.T) {
	f := newTestServer(t)
	f.seed(t)

	result, err := f.srv.handleCaptureSession(context.Background(), callToolReq("taskrun_capture_session", map[string]any{"project": "web"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
