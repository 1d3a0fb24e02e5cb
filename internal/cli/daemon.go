package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/client"
	"github.com/valter-silva-au/taskd/internal/daemon"
	"github.com/valter-silva-au/taskd/pkg/models"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the taskd daemon process",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if info, ok := Client.DaemonInfo(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (PID %d)\n", info.PID)
			return nil
		}
		pid, err := Client.StartDaemon(cmd.Context())
		if err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (PID %d)\n", pid)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the running daemon. The daemon gets a termination signal and
stop_timeout to shut down cleanly before it is killed. Tasks still running
are marked cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Client.StopDaemon(cmd.Context()); err != nil {
			if errors.Is(err, client.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			return fmt.Errorf("stopping daemon: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := Client.RestartDaemon(cmd.Context())
		if err != nil {
			return fmt.Errorf("restarting daemon: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon restarted (PID %d)\n", pid)
		return nil
	},
}

// daemonStatus is the --json shape of `daemon status`.
type daemonStatus struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
	DaemonVersion string `json:"daemon_version,omitempty"`
	ClientVersion string `json:"client_version"`
	Health        string `json:"health,omitempty"`
	ActiveTasks   int    `json:"active_tasks"`
	MaxConcurrent int    `json:"max_concurrent"`
	PIDFile       string `json:"pid_file"`
	StorageDir    string `json:"storage_dir"`
}

var daemonStatusFormat outputFormat

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st := daemonStatus{
			ClientVersion: Client.Version(),
			PIDFile:       Cfg.PIDFile,
			StorageDir:    Cfg.StorageDir,
		}
		if info, ok := Client.DaemonInfo(); ok {
			st.Running = true
			st.PID = info.PID
			if info.Version != nil {
				st.DaemonVersion = *info.Version
			}
			// A failed health call leaves the fields empty.
			if h, err := Client.GetHealth(cmd.Context()); err == nil {
				st.Health = h.Status
				st.ActiveTasks = h.ActiveTasks
				st.MaxConcurrent = h.MaxConcurrent
			}
		}

		if done, err := daemonStatusFormat.write(cmd.OutOrStdout(), st); done {
			return err
		}

		w := cmd.OutOrStdout()
		if !st.Running {
			fmt.Fprintln(w, statusFailedStyle.Render("Daemon is not running"))
			fmt.Fprintln(w, hintStyle.Render("start it with `taskd daemon start`"))
			return nil
		}
		fmt.Fprintln(w, statusCompletedStyle.Render(fmt.Sprintf("Daemon running (PID %d)", st.PID)))
		if st.DaemonVersion != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "Version:", st.DaemonVersion)
		}
		if st.Health != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "Health:", st.Health)
			fmt.Fprintf(w, "  %-10s %d/%d\n", "Active:", st.ActiveTasks, st.MaxConcurrent)
		}
		fmt.Fprintf(w, "  %-10s %s\n", "Storage:", st.StorageDir)
		return nil
	},
}

var daemonRunFlags struct {
	storageDir string
	pidFile    string
	transport  string
	socket     string
	pipe       string
	httpHost   string
	httpPort   int
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until interrupted.

This is what 'taskd daemon start' and client auto-start spawn. The flags
override the matching configuration keys so the spawned daemon listens
where the spawning client dials.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *Cfg
		applyDaemonRunFlags(cmd, &cfg)

		logger, err := daemon.NewLogger(os.Stderr, cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)
		if err != nil {
			return err
		}

		d := daemon.New(&cfg, daemon.WithLogger(logger), daemon.WithVersion(appVersion))
		if err := d.Run(cmd.Context()); err != nil {
			return fmt.Errorf("running daemon: %w", err)
		}
		return nil
	},
}

func applyDaemonRunFlags(cmd *cobra.Command, cfg *models.Config) {
	f := cmd.Flags()
	if f.Changed("storage-dir") {
		cfg.StorageDir = daemonRunFlags.storageDir
	}
	if f.Changed("pid-file") {
		cfg.PIDFile = daemonRunFlags.pidFile
	}
	if f.Changed("transport") {
		cfg.Transport.Kind = daemonRunFlags.transport
	}
	if f.Changed("socket") {
		cfg.Transport.SocketPath = daemonRunFlags.socket
	}
	if f.Changed("pipe") {
		cfg.Transport.PipeName = daemonRunFlags.pipe
	}
	if f.Changed("http-host") {
		cfg.Transport.HTTPHost = daemonRunFlags.httpHost
	}
	if f.Changed("http-port") {
		cfg.Transport.HTTPPort = daemonRunFlags.httpPort
	}
}

func init() {
	addFormatFlags(daemonStatusCmd, &daemonStatusFormat)

	f := daemonRunCmd.Flags()
	f.StringVar(&daemonRunFlags.storageDir, "storage-dir", "", "task storage directory")
	f.StringVar(&daemonRunFlags.pidFile, "pid-file", "", "PID file path")
	f.StringVar(&daemonRunFlags.transport, "transport", "", "transport kind (auto, unix, pipe, http)")
	f.StringVar(&daemonRunFlags.socket, "socket", "", "unix socket path")
	f.StringVar(&daemonRunFlags.pipe, "pipe", "", "Windows named pipe name")
	f.StringVar(&daemonRunFlags.httpHost, "http-host", "", "HTTP transport host")
	f.IntVar(&daemonRunFlags.httpPort, "http-port", 0, "HTTP transport port")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonStatusCmd, daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}
