// Package llm asks the Anthropic API to analyze failed task executions.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client wraps the Anthropic API for fix suggestions.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
// Extra request options are passed to the SDK.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildFixPrompt constructs the system and user prompts for failure analysis.
func buildFixPrompt(tc *models.TaskContext, req agent.FixRequest) (system string, user string) {
	system = `You analyze failed runs of an AI coding agent and propose one fix. Return ONLY a JSON object with these fields:
- "analysis": what went wrong, in one or two sentences
- "fix": the concrete remediation; a shell command when one suffices
- "fixType": one of "command", "code", "manual"
- "reasoning": why the fix addresses the failure

Rules:
- Use "manual" only when a human must act (credentials, hardware, policy)
- Keep "fix" short enough to paste into a terminal or an instruction
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if tc != nil {
		fmt.Fprintf(&sb, "Task: %s\n", tc.Title)
		if tc.Description != "" {
			fmt.Fprintf(&sb, "Task details: %s\n", tc.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(agent.BuildFixPrompt(req))
	user = sb.String()
	return
}

// Suggest asks the model for a remediation of a failed iteration.
func (c *Client) Suggest(ctx context.Context, tc *models.TaskContext, req agent.FixRequest) (*models.FixSuggestion, error) {
	systemPrompt, userPrompt := buildFixPrompt(tc, req)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseReply(text)
}

// parseReply returns the first JSON object in the model's reply that
// carries a fix. Markdown fencing and surrounding prose are ignored.
func parseReply(text string) (*models.FixSuggestion, error) {
	for _, obj := range agent.ExtractJSONObjects(text) {
		var probe models.FixSuggestion
		if err := json.Unmarshal([]byte(obj), &probe); err != nil || strings.TrimSpace(probe.Fix) == "" {
			continue
		}
		return agent.ParseFixSuggestion(obj), nil
	}
	return nil, fmt.Errorf("parse LLM response: no fix object\nraw response: %s", text)
}
