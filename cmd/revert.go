package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/store"
)

var revertProject string

var revertCmd = &cobra.Command{
	Use:   "revert [task-id]",
	Short: "Reset a project to the checkpoint taken before a run",
	Long: `Reset the project to the checkpoint taken before the task's latest run.
Runs made after it in the same project are discarded too.

With --project, the most recent revertible run of the project is undone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case revertProject != "" && len(args) == 0:
			return revertProjectRun(cmd.Context(), revertProject)
		case revertProject == "" && len(args) == 1:
			return revertTaskRun(cmd.Context(), args[0])
		default:
			return fmt.Errorf("specify either a task ID or --project")
		}
	},
}

func init() {
	revertCmd.Flags().StringVarP(&revertProject, "project", "p", "", "Undo the project's most recent run")
	rootCmd.AddCommand(revertCmd)
}

func revertTaskRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	t, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		a, err := s.GetLatestAttempt(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("%w: %s", executor.ErrNoAttempt, t.ID)
		}
		return previewRevert(ctx, s, a)
	}

	res, err := mgr.RevertTask(ctx, t.ID)
	if err != nil {
		return err
	}
	printRevert(res)
	return nil
}

func revertProjectRun(ctx context.Context, ref string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}

	if dryRun {
		attempts, err := s.ListAttempts(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if !a.Reverted && a.SnapshotRef != "" {
				return previewRevert(ctx, s, a)
			}
		}
		return fmt.Errorf("%w in %s", executor.ErrNoAttempt, p.Name)
	}

	res, err := mgr.RevertProject(ctx, p.ID)
	if err != nil {
		return err
	}
	printRevert(res)
	return nil
}

// previewRevert prints what reverting a would discard.
func previewRevert(ctx context.Context, s store.Store, a *models.ExecutionAttempt) error {
	if a.Reverted {
		return fmt.Errorf("%w: %s", executor.ErrAlreadyReverted, a.ID)
	}
	if a.SnapshotRef == "" {
		return fmt.Errorf("%w: %s", executor.ErrNoSnapshot, a.ID)
	}
	attempts, err := s.ListAttempts(ctx, a.ProjectID)
	if err != nil {
		return err
	}

	ui.DryRunMsg("Would reset to checkpoint %s", output.ShortRef(a.SnapshotRef))
	for _, other := range attempts {
		if other.Reverted {
			continue
		}
		ui.DryRunMsg("Would mark run %s of task %s reverted", shortID(other.ID), shortID(other.TaskID))
		if other.ID == a.ID {
			break
		}
	}
	return nil
}

func printRevert(res *executor.RevertResult) {
	ui.Success("Reset to checkpoint %s", output.ShortRef(res.SnapshotRef))
	for _, id := range res.Attempts {
		ui.VerboseLog("Run %s reverted", shortID(id))
	}
	for _, id := range res.Tasks {
		ui.Info("Task %s is now %s", output.Cyan(shortID(id)), output.StatusColor(string(models.TaskStatusReverted)))
	}
}
