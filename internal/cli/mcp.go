package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	taskdmcp "github.com/valter-silva-au/taskd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the taskd MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the taskd MCP server on stdio",
	Long: `Start the taskd MCP server on stdio transport.

The server exposes the daemon as MCP tools that AI coding assistants can
call: create_task, get_task, list_tasks, cancel_task, get_output,
get_metrics, get_health. The daemon is started on first use when
client.auto_start is enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Client == nil {
			return errNotInitialized
		}

		srv := taskdmcp.NewServer(Client, appVersion)
		if err := srv.Run(cmd.Context()); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
