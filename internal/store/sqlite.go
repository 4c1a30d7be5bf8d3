package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/taskrun/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the HTTP server and the executor share this pool.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. IDs created by this process sort by creation order.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

const projectColumns = `id, name, path, description, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	p := &models.Project{}
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Description, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project not found: %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("project not found: %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, project_id, title, description, code_snippet, status, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var status string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.CodeSnippet, &status, &t.CreatedAt, &t.UpdatedAt)
	t.Status = models.TaskStatus(status)
	return t, err
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.CodeSnippet, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task not found: %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task not found: %s: %w", id, ErrNotFound)
	}
	return nil
}

// TaskContext joins a task with its project for prompt building.
func (s *SQLiteStore) TaskContext(ctx context.Context, taskID string) (*models.TaskContext, error) {
	tc := &models.TaskContext{}
	err := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.project_id, t.title, t.description, t.code_snippet, p.name, p.path
		FROM tasks t JOIN projects p ON p.id = t.project_id
		WHERE t.id = ?`, taskID,
	).Scan(&tc.TaskID, &tc.ProjectID, &tc.Title, &tc.Description, &tc.CodeSnippet, &tc.ProjectName, &tc.ProjectPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task not found: %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task context: %w", err)
	}
	return tc, nil
}

// --- Execution records ---

const attemptColumns = `id, task_id, project_id, snapshot_ref, reverted, reverted_at, created_at`

func scanAttempt(row interface{ Scan(...any) error }) (*models.ExecutionAttempt, error) {
	a := &models.ExecutionAttempt{}
	var revertedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.TaskID, &a.ProjectID, &a.SnapshotRef, &a.Reverted, &revertedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	if revertedAt.Valid {
		a.RevertedAt = &revertedAt.Time
	}
	return a, nil
}

func (s *SQLiteStore) InsertExecutionAttempt(ctx context.Context, taskID, projectID, snapshotRef string) (string, error) {
	id := newULID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_attempts (id, task_id, project_id, snapshot_ref, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, taskID, projectID, snapshotRef, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert execution attempt: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) InsertIteration(ctx context.Context, it *models.Iteration) error {
	if it.ID == "" {
		it.ID = newULID()
	}
	it.CreatedAt = time.Now().UTC()

	var fix string
	if it.FixSuggestion != nil {
		data, err := json.Marshal(it.FixSuggestion)
		if err != nil {
			return fmt.Errorf("encode fix suggestion: %w", err)
		}
		fix = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (id, attempt_id, task_id, seq, command, error, stdout, stderr, fix_suggestion, applied_fix, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.AttemptID, it.TaskID, it.Seq, it.Command, it.Error, it.Stdout, it.Stderr,
		fix, it.AppliedFix, string(it.Outcome), it.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM execution_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution attempt not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution attempt: %w", err)
	}
	if a.Iterations, err = s.listIterations(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) GetLatestAttempt(ctx context.Context, taskID string) (*models.ExecutionAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM execution_attempts WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no execution attempts for task: %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest attempt: %w", err)
	}
	if a.Iterations, err = s.listIterations(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAttempts returns the project's attempts newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, projectID string) ([]*models.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM execution_attempts WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	var attempts []*models.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// Close before issuing more queries: the pool holds a single connection.
	_ = rows.Close()

	for _, a := range attempts {
		if a.Iterations, err = s.listIterations(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return attempts, nil
}

func (s *SQLiteStore) MarkReverted(ctx context.Context, attemptID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_attempts SET reverted = 1, reverted_at = ? WHERE id = ? AND reverted = 0`,
		time.Now().UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("mark reverted: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return err
	}
	return ErrAlreadyReverted
}

func (s *SQLiteStore) listIterations(ctx context.Context, attemptID string) ([]*models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, task_id, seq, command, error, stdout, stderr, fix_suggestion, applied_fix, outcome, created_at
		FROM iterations WHERE attempt_id = ? ORDER BY seq`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var iterations []*models.Iteration
	for rows.Next() {
		it := &models.Iteration{}
		var fix, outcome string
		if err := rows.Scan(&it.ID, &it.AttemptID, &it.TaskID, &it.Seq, &it.Command, &it.Error,
			&it.Stdout, &it.Stderr, &fix, &it.AppliedFix, &outcome, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Outcome = models.IterationOutcome(outcome)
		if fix != "" {
			var fs models.FixSuggestion
			if err := json.Unmarshal([]byte(fix), &fs); err == nil {
				it.FixSuggestion = &fs
			}
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}
