package models

import "time"

// TaskStatus represents the execution state of a task.
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusReverted TaskStatus = "reverted"
)

// Task is a unit of work ("todo") handed to the agent.
type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	CodeSnippet string
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskContext is everything needed to build the prompt for a task.
type TaskContext struct {
	TaskID      string
	ProjectID   string
	Title       string
	Description string
	CodeSnippet string
	ProjectName string
	ProjectPath string
}
