package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// AppVersion returns the version set by SetVersionInfo.
func AppVersion() string { return appVersion }

var (
	homeDir    string
	configFile string
)

// noBootstrap marks commands that run without configuration or a client.
const noBootstrap = "taskd/no-bootstrap"

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "taskd - background task daemon for agent and shell tasks",
	Long: `taskd runs long-lived agent and shell tasks in a background daemon.

Any number of clients can create tasks, poll their status, stream their
output and cancel them. The daemon is started on demand by the first
client and keeps task state on disk across restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[noBootstrap] != "" || Bootstrap == nil {
			return nil
		}
		return Bootstrap(homeDir, configFile)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if Client != nil {
			_ = Client.Close()
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{noBootstrap: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskd %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "taskd home directory (default $TASKD_HOME or ~/.taskd)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default <home>/taskd.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. SIGINT cancels the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
