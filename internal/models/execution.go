package models

import "time"

// IterationOutcome tags the result of a single iteration.
type IterationOutcome string

const (
	OutcomeSuccess     IterationOutcome = "success"
	OutcomeFailed      IterationOutcome = "failed"
	OutcomeFailedNoFix IterationOutcome = "failed_no_fix"
)

// FixType says how a suggested fix is meant to be applied.
type FixType string

const (
	FixTypeCommand FixType = "command"
	FixTypeCode    FixType = "code"
	FixTypeManual  FixType = "manual"
)

// FixSuggestion is the structured answer to an error-analysis request.
type FixSuggestion struct {
	Analysis  string  `json:"analysis"`
	Fix       string  `json:"fix"`
	FixType   FixType `json:"fixType"`
	Reasoning string  `json:"reasoning"`
}

// QuotaInfo carries hints extracted from a rate-limit failure.
type QuotaInfo struct {
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RetryHint  string        `json:"retry_hint,omitempty"`
	Limit      string        `json:"limit,omitempty"`
	Metric     string        `json:"metric,omitempty"`
}

// ExecutionAttempt is one request to run agent-driven work against a project.
type ExecutionAttempt struct {
	ID          string
	TaskID      string
	ProjectID   string
	SnapshotRef string // empty when the project had no repository
	Reverted    bool
	RevertedAt  *time.Time
	CreatedAt   time.Time
	Iterations  []*Iteration
}

// Iteration is one pass through the execute/fix loop of an attempt.
type Iteration struct {
	ID            string
	AttemptID     string
	TaskID        string
	Seq           int
	Command       string
	Error         string
	Stdout        string
	Stderr        string
	FixSuggestion *FixSuggestion
	AppliedFix    string
	Outcome       IterationOutcome
	CreatedAt     time.Time
}
