package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/executor"
	"github.com/joescharf/taskrun/internal/output"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run a task through the project's agent",
	Long: `Checkpoint the project, send the task to the agent's tmux session and wait
for its output to settle. A failed run is analyzed and retried with the suggested
fix up to agent.max_iterations times. Use 'taskrun revert' to undo the run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaskRun(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Agent timeout (default agent.timeout)")
	rootCmd.AddCommand(runCmd)
}

func runTaskRun(ctx context.Context, id string) error {
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
		ui.DryRunMsg("Would run task %s: %s", shortID(t.ID), t.Title)
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	ui.Info("Running %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	out, err := mgr.Execute(ctx, t.ID, runTimeout)
	if errors.Is(err, executor.ErrBusy) {
		return fmt.Errorf("%w; retry once the running task finishes", err)
	}
	if out == nil {
		return err
	}

	printOutcome(out)
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("task %s failed (%s)", shortID(t.ID), out.Kind)
	}
	return nil
}

func printOutcome(out *executor.Outcome) {
	fmt.Fprintln(ui.Out)
	for _, it := range out.Iterations {
		fmt.Fprintf(ui.Out, "  #%d  %s", it.Seq, output.StatusColor(string(it.Outcome)))
		if it.FixSuggestion != nil && it.FixSuggestion.Fix != "" {
			fmt.Fprintf(ui.Out, "  fix (%s): %s", it.FixSuggestion.FixType, it.FixSuggestion.Fix)
		}
		fmt.Fprintln(ui.Out)
	}
	fmt.Fprintln(ui.Out)

	ui.Section("Output", out.Stdout)
	ui.Section("Errors", out.Stderr)

	switch {
	case out.Success:
		ui.Success("Done (checkpoint %s)", output.ShortRef(out.SnapshotRef))
	case out.Kind == agent.KindQuota:
		ui.Error("Agent quota exhausted: %s", out.Error)
		if q := out.Quota; q != nil && q.RetryAfter > 0 {
			ui.Info("Retry after %s", q.RetryAfter.Round(time.Second))
		}
	default:
		ui.Error("%s", out.Error)
	}
	if out.SnapshotRef != "" && !out.Success {
		ui.Info("Undo with: taskrun revert %s", shortID(out.TaskID))
	}
}
