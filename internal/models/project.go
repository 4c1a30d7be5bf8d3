package models

import "time"

// Project is a working directory the agent is driven against.
type Project struct {
	ID          string
	Name        string
	Path        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
