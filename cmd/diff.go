package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var diffFrom string

var diffCmd = &cobra.Command{
	Use:   "diff <project>",
	Short: "Show working-tree changes since a checkpoint",
	Long:  "Show the diff between a commit (default HEAD) and the project's working tree, untracked files included.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return diffRun(cmd.Context(), args[0])
	},
}

func init() {
	diffCmd.Flags().StringVar(&diffFrom, "from", "", "Commit to diff from (default HEAD)")
	rootCmd.AddCommand(diffCmd)
}

func diffRun(ctx context.Context, ref string) error {
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

	diff, ok, err := mgr.Diff(ctx, p.ID, diffFrom)
	if err != nil {
		return err
	}
	if !ok {
		ui.Info("No changes in %s", p.Name)
		return nil
	}
	fmt.Fprint(ui.Out, diff)
	return nil
}
