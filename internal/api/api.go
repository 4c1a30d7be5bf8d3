package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/checkpoint"
	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	exec   *executor.Manager
	git    git.Client
	logger *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, mgr *executor.Manager, gc git.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  s,
		exec:   mgr,
		git:    gc,
		logger: logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.deleteProject)

	mux.HandleFunc("GET /api/v1/projects/{id}/tasks", s.listProjectTasks)
	mux.HandleFunc("POST /api/v1/projects/{id}/tasks", s.createProjectTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.deleteTask)

	mux.HandleFunc("POST /api/v1/tasks/{id}/execute", s.executeTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/revert", s.revertTask)
	mux.HandleFunc("POST /api/v1/projects/{id}/revert", s.revertProject)

	mux.HandleFunc("GET /api/v1/projects/{id}/executions", s.listExecutions)
	mux.HandleFunc("GET /api/v1/tasks/{id}/executions/latest", s.latestExecution)

	mux.HandleFunc("GET /api/v1/projects/{id}/diff", s.projectDiff)
	mux.HandleFunc("GET /api/v1/projects/{id}/session", s.projectSession)

	mux.HandleFunc("GET /api/v1/locks", s.listLocks)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var revertErr *checkpoint.RevertError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, executor.ErrNoAttempt):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrBusy), errors.Is(err, executor.ErrAlreadyReverted),
		errors.Is(err, executor.ErrProjectExists), errors.Is(err, store.ErrAlreadyReverted):
		return http.StatusConflict
	case errors.Is(err, executor.ErrNoSnapshot), errors.Is(err, executor.ErrProjectDir),
		errors.As(err, &revertErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// --- Projects ---

type projectDetail struct {
	*models.Project
	Git  git.Info    `json:"git"`
	Lock *lockStatus `json:"lock,omitempty"`
}

type lockStatus struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	detail := projectDetail{Project: project, Git: git.Inspect(r.Context(), s.git, project.Path)}
	if e, held := s.exec.Locks().Holder(project.ID); held {
		detail.Lock = &lockStatus{Holder: e.Holder, AcquiredAt: e.AcquiredAt}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.exec.AddProject(r.Context(), &p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks ---

func (s *Server) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createProjectTask(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if task.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task.ProjectID = projectID
	task.Status = models.TaskStatusPending
	if err := s.store.CreateTask(r.Context(), &task); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Execution ---

type executeRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// outcomeStatus maps an execution outcome to its response status.
func outcomeStatus(out *executor.Outcome) int {
	if out.Success {
		return http.StatusOK
	}
	switch out.Kind {
	case agent.KindQuota:
		return http.StatusTooManyRequests
	case agent.KindAuth:
		return http.StatusBadGateway
	case agent.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	out, err := s.exec.Execute(r.Context(), r.PathValue("id"), time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := outcomeStatus(out)
	if status == http.StatusTooManyRequests && out.Quota != nil && out.Quota.RetryAfter > 0 {
		secs := int((out.Quota.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, out)
}

func (s *Server) revertTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.exec.RevertTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) revertProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.exec.RevertProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) latestExecution(w http.ResponseWriter, r *http.Request) {
	att, err := s.store.GetLatestAttempt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// --- Inspection ---

func (s *Server) projectDiff(w http.ResponseWriter, r *http.Request) {
	diff, changed, err := s.exec.Diff(r.Context(), r.PathValue("id"), r.URL.Query().Get("from"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "diff": diff})
}

func (s *Server) projectSession(w http.ResponseWriter, r *http.Request) {
	raw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))
	screen, err := s.exec.Capture(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"screen": screen})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Locks().List())
}
