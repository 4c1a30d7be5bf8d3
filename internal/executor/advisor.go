package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/models"
)

// FixAdvisor proposes a remediation for a failed iteration.
type FixAdvisor interface {
	Suggest(ctx context.Context, tc *models.TaskContext, req agent.FixRequest) (*models.FixSuggestion, error)
}

// AgentAdvisor asks the project's own agent session to analyze the failure.
type AgentAdvisor struct {
	runner  Runner
	timeout time.Duration
}

// NewAgentAdvisor returns an advisor that runs the fix prompt through runner.
func NewAgentAdvisor(runner Runner, timeout time.Duration) *AgentAdvisor {
	return &AgentAdvisor{runner: runner, timeout: timeout}
}

func (a *AgentAdvisor) Suggest(ctx context.Context, tc *models.TaskContext, req agent.FixRequest) (*models.FixSuggestion, error) {
	res, err := a.runner.Run(ctx, agent.Request{
		Prompt:    agent.BuildFixPrompt(req),
		ProjectID: tc.ProjectID,
		WorkDir:   tc.ProjectPath,
		Timeout:   a.timeout,
	})
	if err != nil {
		return nil, err
	}
	// An analysis naturally talks about errors, so a generic failure
	// signature in the reply is expected. Anything else is not.
	if !res.Success && res.Kind != agent.KindFailure {
		return nil, res.Err()
	}
	if strings.TrimSpace(res.Response) == "" {
		return nil, errors.New("agent returned no analysis")
	}
	return agent.ParseFixSuggestion(res.Response), nil
}
