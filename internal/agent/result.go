package agent

import (
	"fmt"
	"time"

	"github.com/joescharf/taskrun/internal/models"
)

// Kind classifies an unsuccessful run.
type Kind string

const (
	KindFailure Kind = "failure"
	KindQuota   Kind = "quota"
	KindAuth    Kind = "auth"
	KindTimeout Kind = "timeout"
)

// Fixable reports whether a fix-suggestion round trip makes sense for k.
func (k Kind) Fixable() bool { return k == KindFailure }

// Result is the outcome of one driver run. Agent-side failures are
// reported here and never as a Go error.
type Result struct {
	Success bool              `json:"success"`
	Stdout  string            `json:"stdout"`
	Stderr  string            `json:"stderr"`
	Error   string            `json:"error,omitempty"`
	Kind    Kind              `json:"kind,omitempty"`
	Quota   *models.QuotaInfo `json:"quota_info,omitempty"`

	// Response is the cleaned output produced after the prompt was submitted.
	Response string        `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Err returns the failure as an *Error, or nil on success.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Error, Quota: r.Quota}
}

// Error is an agent-side failure.
type Error struct {
	Kind    Kind
	Message string
	Quota   *models.QuotaInfo
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent %s", e.Kind)
	}
	return fmt.Sprintf("agent %s: %s", e.Kind, e.Message)
}
