package store

import (
	"context"
	"errors"

	"github.com/joescharf/taskrun/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup that matches no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReverted is returned when marking an attempt that was already reverted.
	ErrAlreadyReverted = errors.New("execution attempt already reverted")
)

// Store defines the persistence interface for taskrun.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
	TaskContext(ctx context.Context, taskID string) (*models.TaskContext, error)

	// Execution records
	InsertExecutionAttempt(ctx context.Context, taskID, projectID, snapshotRef string) (string, error)
	InsertIteration(ctx context.Context, it *models.Iteration) error
	GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error)
	GetLatestAttempt(ctx context.Context, taskID string) (*models.ExecutionAttempt, error)
	ListAttempts(ctx context.Context, projectID string) ([]*models.ExecutionAttempt, error)
	MarkReverted(ctx context.Context, attemptID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
