package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/output"
)

var sessionRaw bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage a project's agent session",
	Long: `Each project gets one long-lived tmux session running the agent.
Attach to it directly with 'tmux attach -t <name>'.`,
}

var sessionEnsureCmd = &cobra.Command{
	Use:   "ensure <project>",
	Short: "Start the project's agent session if it is not running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionEnsureRun(cmd.Context(), args[0])
	},
}

var sessionCaptureCmd = &cobra.Command{
	Use:   "capture <project>",
	Short: "Print the current screen of the project's agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCaptureRun(cmd.Context(), args[0])
	},
}

var sessionKillCmd = &cobra.Command{
	Use:   "kill <project>",
	Short: "Kill the project's agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionKillRun(cmd.Context(), args[0])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List running taskrun sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

func init() {
	sessionCaptureCmd.Flags().BoolVar(&sessionRaw, "raw", false, "Print the capture without cleaning")

	sessionCmd.AddCommand(sessionEnsureCmd)
	sessionCmd.AddCommand(sessionCaptureCmd)
	sessionCmd.AddCommand(sessionKillCmd)
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionEnsureRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}
	sess := getSessions().Session(p.ID, p.Path)

	if dryRun {
		ui.DryRunMsg("Would ensure session %s in %s", sess.Name, p.Path)
		return nil
	}

	res, err := sess.Ensure(ctx)
	if err != nil {
		return err
	}
	ui.Success("Session %s %s", output.Cyan(sess.Name), res)
	ui.Info("Attach with: tmux attach -t %s", sess.Name)
	return nil
}

func sessionCaptureRun(ctx context.Context, ref string) error {
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

	screen, err := mgr.Capture(ctx, p.ID, sessionRaw)
	if err != nil {
		return err
	}
	if screen == "" {
		ui.Info("No session output for %s", p.Name)
		return nil
	}
	fmt.Fprintln(ui.Out, screen)
	return nil
}

func sessionKillRun(ctx context.Context, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}
	sess := getSessions().Session(p.ID, p.Path)

	if dryRun {
		ui.DryRunMsg("Would kill session %s", sess.Name)
		return nil
	}

	if err := sess.Kill(ctx); err != nil {
		return fmt.Errorf("kill session: %w", err)
	}
	ui.Success("Killed session %s", output.Cyan(sess.Name))
	return nil
}

func sessionListRun(ctx context.Context) error {
	names, err := getSessions().List(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		ui.Info("No taskrun sessions running")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(ui.Out, n)
	}
	return nil
}
