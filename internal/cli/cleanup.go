package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/protocol"
)

var cleanupFlags struct {
	retentionDays int
	maxTasks      int
	format        outputFormat
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished tasks",
	Long: `Delete finished tasks older than the retention period, then the oldest
finished tasks beyond the task cap. Pending and running tasks are never
removed. Unset flags use daemon.retention_days and daemon.max_tasks.

The daemon also runs this on daemon.cleanup_interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req protocol.CleanupTasks
		if cmd.Flags().Changed("retention-days") {
			req.RetentionDays = &cleanupFlags.retentionDays
		}
		if cmd.Flags().Changed("max-tasks") {
			req.MaxTasks = &cleanupFlags.maxTasks
		}

		res, err := Client.CleanupTasks(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("cleaning up tasks: %w", err)
		}
		if done, err := cleanupFlags.format.write(cmd.OutOrStdout(), res); done {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d task(s) (retention %d days, cap %d)\n",
			res.Deleted, res.RetentionDays, res.MaxTasks)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupFlags.retentionDays, "retention-days", 0, "Delete finished tasks older than this many days")
	cleanupCmd.Flags().IntVar(&cleanupFlags.maxTasks, "max-tasks", 0, "Keep at most this many tasks")
	addFormatFlags(cleanupCmd, &cleanupFlags.format)
	rootCmd.AddCommand(cleanupCmd)
}
