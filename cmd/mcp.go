package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/taskrun/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio so an MCP client can
list, run and revert tasks. Configure the client with:

  {
    "mcpServers": {
      "taskrun": { "command": "taskrun", "args": ["mcp"] }
    }
  }

Available tools: taskrun_list_projects, taskrun_list_tasks, taskrun_execute_task,
taskrun_revert_task, taskrun_revert_project, taskrun_list_executions,
taskrun_capture_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	go mgr.Locks().Run(ctx, viper.GetDuration("lock.sweep_interval"), viper.GetDuration("lock.max_age"))

	return mcp.NewServer(s, mgr, buildVersion).ServeStdio(ctx)
}
