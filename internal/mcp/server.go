package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

// Server wraps the taskrun executor and exposes it as MCP tools.
type Server struct {
	store   store.Store
	exec    *executor.Manager
	version string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, mgr *executor.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, exec: mgr, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("taskrun", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.executeTaskTool())
	srv.AddTool(s.revertTaskTool())
	srv.AddTool(s.revertProjectTool())
	srv.AddTool(s.listExecutionsTool())
	srv.AddTool(s.captureSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// taskrun_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_projects",
		mcp.WithDescription("List registered projects. Returns a JSON array with id, name, path and description."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}

	type projectOut struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Path        string `json:"path"`
		Description string `json:"description"`
	}

	out := make([]projectOut, len(projects))
	for i, p := range projects {
		out[i] = projectOut{ID: p.ID, Name: p.Name, Path: p.Path, Description: p.Description}
	}
	return jsonResult(out)
}

// taskrun_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_tasks",
		mcp.WithDescription("List the tasks of a project with their status (pending, running, done, failed, reverted)."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tasks, err := s.store.ListTasks(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	type taskOut struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Status      string `json:"status"`
	}
	out := make([]taskOut, len(tasks))
	for i, t := range tasks {
		out[i] = taskOut{ID: t.ID, Title: t.Title, Description: t.Description, Status: string(t.Status)}
	}
	return jsonResult(out)
}

// taskrun_execute_task
func (s *Server) executeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_execute_task",
		mcp.WithDescription("Run a task through the project's coding agent. The project is checkpointed first so the run can be reverted. Fails immediately when another task is running in the same project."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Agent timeout in seconds (default from configuration)")),
	)
	return tool, s.handleExecuteTask
}

func (s *Server) handleExecuteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	timeout := time.Duration(request.GetFloat("timeout_seconds", 0) * float64(time.Second))
	if timeout < 0 {
		return mcp.NewToolResultError("timeout_seconds must not be negative"), nil
	}

	out, err := s.exec.Execute(ctx, taskID, timeout)
	if err != nil {
		if errors.Is(err, executor.ErrBusy) {
			return mcp.NewToolResultError(fmt.Sprintf("%v; retry after the running task finishes", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", err)), nil
	}
	return jsonResult(out)
}

// taskrun_revert_task
func (s *Server) revertTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_revert_task",
		mcp.WithDescription("Reset the project to the checkpoint taken before the task's latest run. Later runs in the same project are discarded too."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	)
	return tool, s.handleRevertTask
}

func (s *Server) handleRevertTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	res, err := s.exec.RevertTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revert failed: %v", err)), nil
	}
	return jsonResult(res)
}

// taskrun_revert_project
func (s *Server) revertProjectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_revert_project",
		mcp.WithDescription("Undo the most recent revertible task run in a project."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
	)
	return tool, s.handleRevertProject
}

func (s *Server) handleRevertProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.exec.RevertProject(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revert failed: %v", err)), nil
	}
	return jsonResult(res)
}

// taskrun_list_executions
func (s *Server) listExecutionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_executions",
		mcp.WithDescription("List execution attempts of a project, newest first, with snapshot, revert state and iteration outcomes."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of attempts to return (default 20)")),
	)
	return tool, s.handleListExecutions
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	attempts, err := s.store.ListAttempts(ctx, p.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	limit := request.GetInt("limit", 20)
	if limit > 0 && len(attempts) > limit {
		attempts = attempts[:limit]
	}

	type iterationOut struct {
		Seq       int                   `json:"seq"`
		Outcome   string                `json:"outcome"`
		Error     string                `json:"error,omitempty"`
		Fix       *models.FixSuggestion `json:"fix_suggestion,omitempty"`
		Applied   string                `json:"applied_fix,omitempty"`
		CreatedAt time.Time             `json:"created_at"`
	}
	type attemptOut struct {
		ID          string         `json:"id"`
		TaskID      string         `json:"task_id"`
		SnapshotRef string         `json:"snapshot_ref,omitempty"`
		Reverted    bool           `json:"reverted"`
		CreatedAt   time.Time      `json:"created_at"`
		Iterations  []iterationOut `json:"iterations"`
	}

	out := make([]attemptOut, len(attempts))
	for i, a := range attempts {
		ao := attemptOut{ID: a.ID, TaskID: a.TaskID, SnapshotRef: a.SnapshotRef, Reverted: a.Reverted, CreatedAt: a.CreatedAt}
		for _, it := range a.Iterations {
			ao.Iterations = append(ao.Iterations, iterationOut{
				Seq:       it.Seq,
				Outcome:   string(it.Outcome),
				Error:     it.Error,
				Fix:       it.FixSuggestion,
				Applied:   it.AppliedFix,
				CreatedAt: it.CreatedAt,
			})
		}
		out[i] = ao
	}
	return jsonResult(out)
}

// taskrun_capture_session
func (s *Server) captureSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_capture_session",
		mcp.WithDescription("Return the current screen of a project's agent session, cleaned of terminal noise unless raw is set."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or ID")),
		mcp.WithBoolean("raw", mcp.Description("Return the unfiltered capture")),
	)
	return tool, s.handleCaptureSession
}

func (s *Server) handleCaptureSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	p, err := s.resolveProject(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	screen, err := s.exec.Capture(ctx, p.ID, request.GetBool("raw", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("capture failed: %v", err)), nil
	}
	if screen == "" {
		return mcp.NewToolResultText("(no session output)"), nil
	}
	return mcp.NewToolResultText(screen), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveProject tries to find a project by name first, then by ID.
func (s *Server) resolveProject(ctx context.Context, name string) (*models.Project, error) {
	if p, err := s.store.GetProjectByName(ctx, name); err == nil {
		return p, nil
	}
	if p, err := s.store.GetProject(ctx, name); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
