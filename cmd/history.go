package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
)

var (
	historyTask  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history [project]",
	Short: "Show past runs",
	Long:  "List the runs of a project newest first, or show the latest run of a task with --task.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyTask != "" {
			return historyTaskRun(cmd.Context(), historyTask)
		}
		if len(args) == 0 {
			return fmt.Errorf("specify a project or --task")
		}
		return historyProjectRun(cmd.Context(), args[0])
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyTask, "task", "", "Show the latest run of this task")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func historyProjectRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}
	attempts, err := s.ListAttempts(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		ui.Info("No runs in %s yet.", p.Name)
		return nil
	}
	if historyLimit > 0 && len(attempts) > historyLimit {
		attempts = attempts[:historyLimit]
	}

	titles := make(map[string]string)
	if tasks, err := s.ListTasks(ctx, p.ID); err == nil {
		for _, t := range tasks {
			titles[t.ID] = t.Title
		}
	}

	table := ui.Table([]string{"Run", "Task", "Title", "Snapshot", "Status", "Iterations", "When"})
	for _, a := range attempts {
		table.Append([]string{
			output.Cyan(shortID(a.ID)),
			shortID(a.TaskID),
			titles[a.TaskID],
			output.ShortRef(a.SnapshotRef),
			attemptStatus(a),
			fmt.Sprintf("%d", len(a.Iterations)),
			timeAgo(a.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func historyTaskRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	t, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}
	a, err := s.GetLatestAttempt(ctx, t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(t.ID)), t.Title)
	printAttempt(a)
	return nil
}

// printAttempt prints an attempt with every iteration and its fix suggestion.
func printAttempt(a *models.ExecutionAttempt) {
	fmt.Fprintf(ui.Out, "Run %s  %s  snapshot %s  %s\n",
		output.Cyan(shortID(a.ID)), attemptStatus(a), output.ShortRef(a.SnapshotRef), timeAgo(a.CreatedAt))

	for _, it := range a.Iterations {
		fmt.Fprintf(ui.Out, "\n  #%d  %s  %s\n", it.Seq, output.StatusColor(string(it.Outcome)), it.CreatedAt.Format("15:04:05"))
		if it.AppliedFix != "" {
			fmt.Fprintf(ui.Out, "    applied fix: %s\n", it.AppliedFix)
		}
		if it.Error != "" {
			fmt.Fprintf(ui.Out, "    error: %s\n", output.Red(it.Error))
		}
		if it.Stderr != "" {
			fmt.Fprintf(ui.Out, "    %s\n", strings.ReplaceAll(strings.TrimRight(it.Stderr, "\n"), "\n", "\n    "))
		}
		if fs := it.FixSuggestion; fs != nil {
			fmt.Fprintf(ui.Out, "    analysis: %s\n", fs.Analysis)
			fmt.Fprintf(ui.Out, "    fix (%s): %s\n", fs.FixType, fs.Fix)
			if ui.Verbose && fs.Reasoning != "" {
				fmt.Fprintf(ui.Out, "    reasoning: %s\n", fs.Reasoning)
			}
		}
		if ui.Verbose {
			ui.Section("    output", it.Stdout)
		}
	}
}
