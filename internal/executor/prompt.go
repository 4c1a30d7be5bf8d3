package executor

import (
	"fmt"
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// BuildTaskPrompt renders the instruction sent to the agent for a task.
// appliedFix is the remediation carried over from a failed iteration.
func BuildTaskPrompt(tc *models.TaskContext, appliedFix string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working in the project %s", tc.ProjectName)
	if tc.ProjectPath != "" {
		fmt.Fprintf(&b, " at %s", tc.ProjectPath)
	}
	b.WriteString(". Complete the following task by editing files in this directory.\n\n")

	fmt.Fprintf(&b, "Task: %s\n", tc.Title)
	if d := strings.TrimSpace(tc.Description); d != "" {
		fmt.Fprintf(&b, "Details: %s\n", d)
	}
	if s := strings.TrimSpace(tc.CodeSnippet); s != "" {
		fmt.Fprintf(&b, "\nRelevant code:\n%s\n", s)
	}

	if fix := strings.TrimSpace(appliedFix); fix != "" {
		b.WriteString("\nA previous attempt at this task failed. Apply this fix first, then finish the task:\n")
		b.WriteString(fix)
		b.WriteString("\n")
	}

	b.WriteString("\nWhen you are done, reply with a short summary of the changes.")
	return b.String()
}
