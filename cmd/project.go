package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/store"
)

var (
	projectName        string
	projectDescription string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
	Long:  "Add, remove, list, and show the project directories tasks run in.",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Long:  "Register a project directory with taskrun. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(cmd.Context(), args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a project with its tasks and history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(cmd.Context(), args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun(cmd.Context())
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show project details, git state and recent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(cmd.Context(), args[0])
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Override project name (default: directory name)")
	projectAddCmd.Flags().StringVar(&projectDescription, "description", "", "Project description")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectAddRun(ctx context.Context, rawPath string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	p := &models.Project{
		Name:        projectName,
		Path:        absPath,
		Description: projectDescription,
	}

	if dryRun {
		name := p.Name
		if name == "" {
			name = filepath.Base(absPath)
		}
		ui.DryRunMsg("Would add project: %s (%s)", name, absPath)
		return nil
	}

	if err := mgr.AddProject(ctx, p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s (%s)", output.Cyan(p.Name), p.Path)
	if !git.NewClient().IsRepo(ctx, p.Path) {
		ui.Warning("%s is not the top of a git repository; runs will not be checkpointed", p.Path)
	}
	return nil
}

func projectRemoveRun(ctx context.Context, name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.Name)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	ui.Success("Removed project: %s", output.Cyan(p.Name))
	return nil
}

func projectListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects registered. Use 'taskrun project add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Tasks", "Pending", "Last Run"})
	for _, p := range projects {
		tasks, _ := s.ListTasks(ctx, p.ID)
		pending := 0
		for _, t := range tasks {
			if t.Status == models.TaskStatusPending {
				pending++
			}
		}
		lastRun := "-"
		if attempts, err := s.ListAttempts(ctx, p.ID); err == nil && len(attempts) > 0 {
			lastRun = timeAgo(attempts[0].CreatedAt)
		}

		table.Append([]string{
			output.Cyan(p.Name),
			p.Path,
			fmt.Sprintf("%d", len(tasks)),
			fmt.Sprintf("%d", pending),
			lastRun,
		})
	}
	table.Render()
	return nil
}

func projectShowRun(ctx context.Context, name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	p, err := resolveProject(ctx, s, name)
	if err != nil {
		return err
	}

	// Header
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	fmt.Fprintf(ui.Out, "  ID:          %s\n", p.ID)
	fmt.Fprintf(ui.Out, "  Path:        %s\n", p.Path)
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:        %s\n", p.Description)
	}
	fmt.Fprintln(ui.Out)

	// Git info
	info := git.Inspect(ctx, git.NewClient(), p.Path)
	if !info.IsRepo {
		fmt.Fprintf(ui.Out, "  Git:         %s\n", output.Yellow("not a repository"))
	} else {
		if info.Branch != "" {
			fmt.Fprintf(ui.Out, "  Branch:      %s\n", info.Branch)
		}
		status := output.Green("clean")
		if info.IsDirty {
			status = output.Red("dirty")
		}
		fmt.Fprintf(ui.Out, "  Status:      %s\n", status)
		if info.Head != "" {
			fmt.Fprintf(ui.Out, "  Last commit: %s %s\n", output.ShortRef(info.Head), info.LastCommit)
		}
	}

	// Task counts
	tasks, err := s.ListTasks(ctx, p.ID)
	if err == nil && len(tasks) > 0 {
		counts := make(map[models.TaskStatus]int)
		for _, t := range tasks {
			counts[t.Status]++
		}
		fmt.Fprintf(ui.Out, "  Tasks:       %d pending, %d done, %d failed, %d reverted\n",
			counts[models.TaskStatusPending], counts[models.TaskStatusDone],
			counts[models.TaskStatusFailed], counts[models.TaskStatusReverted])
	}

	// Recent runs
	attempts, err := s.ListAttempts(ctx, p.ID)
	if err == nil && len(attempts) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Recent runs:\n")
		for i, a := range attempts {
			if i == 5 {
				break
			}
			fmt.Fprintf(ui.Out, "    %s  %-10s  %s  %s\n",
				output.ShortRef(a.ID), output.ShortRef(a.SnapshotRef), attemptStatus(a), timeAgo(a.CreatedAt))
		}
	}

	return nil
}

// resolveProject finds a project by name, then by ID, then by path.
func resolveProject(ctx context.Context, s store.Store, ref string) (*models.Project, error) {
	if p, err := s.GetProjectByName(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.GetProject(ctx, ref); err == nil {
		return p, nil
	}

	absPath, _ := filepath.Abs(ref)
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Path == absPath {
			return p, nil
		}
	}

	return nil, fmt.Errorf("project not found: %s", ref)
}

// attemptStatus summarizes an attempt by its last iteration outcome.
func attemptStatus(a *models.ExecutionAttempt) string {
	if a.Reverted {
		return output.StatusColor(string(models.TaskStatusReverted))
	}
	if len(a.Iterations) == 0 {
		return output.StatusColor(string(models.TaskStatusRunning))
	}
	return output.StatusColor(string(a.Iterations[len(a.Iterations)-1].Outcome))
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
