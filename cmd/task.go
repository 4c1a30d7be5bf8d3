package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/store"
)

var (
	taskDesc        string
	taskSnippetFile string
	taskStatus      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the tasks of a project",
	Long:  "Add, list, show, and remove the tasks taskrun hands to the agent.",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <project> <title>",
	Short: "Add a task to a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun(cmd.Context(), args[0], args[1])
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list <project>",
	Aliases: []string{"ls"},
	Short:   "List the tasks of a project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd.Context(), args[0])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task and its latest run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(cmd.Context(), args[0])
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a task and its history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRemoveRun(cmd.Context(), args[0])
	},
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskDesc, "description", "d", "", "Task details for the agent")
	taskAddCmd.Flags().StringVar(&taskSnippetFile, "snippet-file", "", "File whose contents are sent as relevant code")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, running, done, failed, reverted)")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskRemoveCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskAddRun(ctx context.Context, projectRef, title string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("task title must not be empty")
	}

	var snippet string
	if taskSnippetFile != "" {
		data, err := os.ReadFile(taskSnippetFile)
		if err != nil {
			return fmt.Errorf("read snippet file: %w", err)
		}
		snippet = string(data)
	}

	t := &models.Task{
		ProjectID:   p.ID,
		Title:       title,
		Description: taskDesc,
		CodeSnippet: snippet,
		Status:      models.TaskStatusPending,
	}

	if dryRun {
		ui.DryRunMsg("Would add task to %s: %s", p.Name, title)
		return nil
	}

	if err := s.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("add task: %w", err)
	}

	ui.Success("Added task %s to %s: %s", output.Cyan(shortID(t.ID)), p.Name, title)
	return nil
}

func taskListRun(ctx context.Context, projectRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	p, err := resolveProject(ctx, s, projectRef)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(ctx, p.ID)
	if err != nil {
		return err
	}

	if taskStatus != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == taskStatus {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if len(tasks) == 0 {
		ui.Info("No tasks in %s. Use 'taskrun task add %s <title>' to add one.", p.Name, p.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Title", "Updated"})
	for _, t := range tasks {
		table.Append([]string{
			output.Cyan(shortID(t.ID)),
			output.StatusColor(string(t.Status)),
			t.Title,
			timeAgo(t.UpdatedAt),
		})
	}
	table.Render()
	return nil
}

func taskShowRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	t, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}
	p, err := s.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(t.ID), t.Title)
	fmt.Fprintf(ui.Out, "  Project:  %s\n", p.Name)
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(ui.Out, "  Updated:  %s\n", timeAgo(t.UpdatedAt))
	fmt.Fprintln(ui.Out)
	ui.Section("Description", t.Description)
	ui.Section("Code", t.CodeSnippet)

	a, err := s.GetLatestAttempt(ctx, t.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	fmt.Fprintln(ui.Out)
	printAttempt(a)
	return nil
}

func taskRemoveRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	t, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove task %s: %s", shortID(t.ID), t.Title)
		return nil
	}

	if err := s.DeleteTask(ctx, t.ID); err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	ui.Success("Removed task %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

// findTask finds a task by full ID or unique prefix.
func findTask(ctx context.Context, s store.Store, id string) (*models.Task, error) {
	// Try exact match first
	if t, err := s.GetTask(ctx, id); err == nil {
		return t, nil
	}

	// Try prefix match across projects
	upper := strings.ToUpper(id)
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*models.Task
	for _, p := range projects {
		tasks, err := s.ListTasks(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if strings.HasPrefix(t.ID, upper) {
				matches = append(matches, t)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous task ID %s: matches %d tasks", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
