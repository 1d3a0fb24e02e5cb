package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/pkg/models"
)

var metricsFormat outputFormat

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display task counts, rates and durations",
	Long: `Display a metrics snapshot computed by the daemon from every stored task.

Rates and durations consider finished tasks only. The Prometheus
exposition of the same counters is served on daemon.metrics_address and
by the HTTP transport at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := Client.GetMetrics(cmd.Context())
		if err != nil {
			return fmt.Errorf("collecting metrics: %w", err)
		}
		if done, err := metricsFormat.write(cmd.OutOrStdout(), m); done {
			return err
		}
		printMetrics(cmd.OutOrStdout(), m)
		return nil
	},
}

func printMetrics(w io.Writer, m *observability.TaskMetrics) {
	fmt.Fprintf(w, "%s\n\n", headerStyle.Render("Metrics at "+m.CollectedAt.Local().Format(time.RFC3339)))
	fmt.Fprintf(w, "  %-24s %d\n", "Total tasks:", m.TotalTasks)
	fmt.Fprintf(w, "  %-24s %d\n", "Active:", m.ActiveTasks)
	fmt.Fprintf(w, "  %-24s %d\n", "Queued:", m.QueueSize)
	fmt.Fprintf(w, "  %-24s %.1f%%\n", "Success rate:", m.SuccessRate*100)
	fmt.Fprintf(w, "  %-24s %.1f%%\n", "Failure rate:", m.FailureRate*100)
	fmt.Fprintf(w, "  %-24s %s\n", "Avg duration:", seconds(m.AvgDuration))
	fmt.Fprintf(w, "  %-24s %s / %s\n", "Min / max duration:", seconds(m.MinDuration), seconds(m.MaxDuration))

	fmt.Fprintln(w, "\n  Tasks by status:")
	for _, s := range models.AllStatuses {
		label := fmt.Sprintf("    %-20s %d", string(s)+":", m.TasksByStatus[string(s)])
		fmt.Fprintln(w, styleForStatus(s).Render(label))
	}

	fmt.Fprintln(w, "\n  Tasks by type:")
	for _, t := range []models.TaskType{models.TaskTypeAgent, models.TaskTypeProcess} {
		fmt.Fprintf(w, "    %-20s %d\n", string(t)+":", m.TasksByType[string(t)])
	}

	fmt.Fprintln(w, "\n  Last hour:")
	fmt.Fprintf(w, "    %-20s %d\n", "created:", m.CreatedLastHour)
	fmt.Fprintf(w, "    %-20s %d\n", "completed:", m.DoneLastHour)
	fmt.Fprintf(w, "    %-20s %d\n", "failed:", m.FailedLastHour)
}

var healthFormat outputFormat

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	Long: `Check storage, capacity, stuck tasks and the failure rate.

Exits non-zero when the daemon reports itself unhealthy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := Client.GetHealth(cmd.Context())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if done, err := healthFormat.write(cmd.OutOrStdout(), h); done {
			if err != nil {
				return err
			}
		} else {
			printHealth(cmd.OutOrStdout(), h)
		}
		if !h.Healthy {
			return fmt.Errorf("daemon is %s", h.Status)
		}
		return nil
	},
}

func printHealth(w io.Writer, h *observability.HealthStatus) {
	style := statusCompletedStyle
	switch h.Status {
	case observability.HealthDegraded:
		style = statusRunningStyle
	case observability.HealthUnhealthy:
		style = statusFailedStyle
	}
	fmt.Fprintf(w, "Status: %s\n", style.Render(h.Status))
	fmt.Fprintf(w, "  %-12s %v\n", "Storage OK:", h.StorageOK)
	fmt.Fprintf(w, "  %-12s %d/%d\n", "Active:", h.ActiveTasks, h.MaxConcurrent)

	if len(h.Checks) == 0 {
		fmt.Fprintln(w, "\n  No issues.")
		return
	}
	fmt.Fprintln(w)
	for _, c := range h.Checks {
		tag := severityWarningStyle.Render("[WARN]")
		if c.Severity == observability.SeverityIssue {
			tag = severityIssueStyle.Render("[ISSUE]")
		}
		fmt.Fprintf(w, "  %s %s\n", tag, c.Message)
	}
}

var statsFormat outputFormat

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display task statistics and capacity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := Client.GetStatistics(cmd.Context())
		if err != nil {
			return fmt.Errorf("collecting statistics: %w", err)
		}
		if done, err := statsFormat.write(cmd.OutOrStdout(), s); done {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, headerStyle.Render("Overview"))
		fmt.Fprintf(w, "  %-18s %d\n", "Total:", s.Overview.TotalTasks)
		fmt.Fprintf(w, "  %-18s %d\n", "Active:", s.Overview.ActiveTasks)
		fmt.Fprintf(w, "  %-18s %.1f%%\n", "Success rate:", s.Overview.SuccessRate*100)

		fmt.Fprintln(w, headerStyle.Render("\nPerformance"))
		fmt.Fprintf(w, "  %-18s %s\n", "Average:", seconds(s.Performance.AvgDuration))
		fmt.Fprintf(w, "  %-18s %s\n", "Fastest:", seconds(s.Performance.MinDuration))
		fmt.Fprintf(w, "  %-18s %s\n", "Slowest:", seconds(s.Performance.MaxDuration))

		fmt.Fprintln(w, headerStyle.Render("\nLast hour"))
		fmt.Fprintf(w, "  %-18s %d\n", "Created:", s.RecentActivity.Created)
		fmt.Fprintf(w, "  %-18s %d\n", "Completed:", s.RecentActivity.Completed)
		fmt.Fprintf(w, "  %-18s %d\n", "Failed:", s.RecentActivity.Failed)

		fmt.Fprintln(w, headerStyle.Render("\nCapacity"))
		fmt.Fprintf(w, "  %-18s %d\n", "Max concurrent:", s.Capacity.MaxConcurrent)
		fmt.Fprintf(w, "  %-18s %d\n", "Queued:", s.Capacity.Queued)
		fmt.Fprintf(w, "  %-18s %.0f%%\n", "Utilization:", s.Capacity.Utilization*100)
		fmt.Fprintf(w, "  %-18s %d\n", "Free slots:", s.Capacity.Available)
		return nil
	},
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

func init() {
	addFormatFlags(metricsCmd, &metricsFormat)
	addFormatFlags(healthCmd, &healthFormat)
	addFormatFlags(statsCmd, &statsFormat)
	rootCmd.AddCommand(metricsCmd, healthCmd, statsCmd)
}
