package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/valter-silva-au/taskd/pkg/models"
)

// Style definitions shared by the plain commands and top.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)

	statusPendingStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusRunningStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusCompletedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelledStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusInterruptedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	severityIssueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityWarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
)

func styleForStatus(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.StatusPending:
		return statusPendingStyle
	case models.StatusRunning:
		return statusRunningStyle
	case models.StatusCompleted:
		return statusCompletedStyle
	case models.StatusFailed:
		return statusFailedStyle
	case models.StatusCancelled:
		return statusCancelledStyle
	case models.StatusInterrupted:
		return statusInterruptedStyle
	default:
		return lipgloss.NewStyle()
	}
}

// outputFormat holds the --json / --yaml flags of one command.
type outputFormat struct {
	json bool
	yaml bool
}

func addFormatFlags(cmd *cobra.Command, f *outputFormat) {
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&f.yaml, "yaml", false, "Output as YAML")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
}

// write prints v in the selected structured format. It reports false when
// neither flag is set and the caller should render text.
func (f outputFormat) write(w io.Writer, v any) (bool, error) {
	switch {
	case f.json:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("formatting as JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return true, err
	case f.yaml:
		data, err := toYAML(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(data)
		return true, err
	}
	return false, nil
}

// toYAML goes through JSON first so the json tags name the keys.
func toYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("formatting as YAML: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("formatting as YAML: %w", err)
	}
	data, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("formatting as YAML: %w", err)
	}
	return data, nil
}

func printTaskTable(w io.Writer, tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-8s  %-11s  %-9s  %s\n", "ID", "TYPE", "STATUS", "AGE", "NAME")
	now := time.Now()
	for _, t := range tasks {
		status := styleForStatus(t.Status).Render(fmt.Sprintf("%-11s", t.Status))
		fmt.Fprintf(w, "%-36s  %-8s  %s  %-9s  %s\n",
			t.ID, t.Type, status, formatAge(now.Sub(t.CreatedAt)), truncate(taskLabel(t), 48))
	}
}

func printTaskDetail(w io.Writer, t *models.Task) {
	row := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
	}

	row("ID", t.ID)
	row("Name", t.Name)
	row("Description", t.Description)
	row("Type", string(t.Type))
	row("Status", styleForStatus(t.Status).Render(string(t.Status)))
	row("Progress", fmt.Sprintf("%.0f%%", t.Progress*100))
	row("Created", formatTime(&t.CreatedAt))
	row("Started", formatTime(t.StartedAt))
	row("Completed", formatTime(t.CompletedAt))
	if d, ok := t.Duration(); ok {
		row("Duration", d.Round(time.Millisecond).String())
	}
	switch t.Type {
	case models.TaskTypeAgent:
		row("Iterations", fmt.Sprintf("%d/%d", t.Iterations, t.MaxIterations))
	case models.TaskTypeProcess:
		row("Command", t.Command)
		row("Workdir", t.WorkingDirectory)
		if t.PID != nil {
			row("PID", fmt.Sprint(*t.PID))
		}
		if t.ExitCode != nil {
			row("Exit code", fmt.Sprint(*t.ExitCode))
		}
	}
	row("Error", t.Error)
	row("Output", t.OutputPath)
}

func taskLabel(t *models.Task) string {
	if t.Name != "" {
		return t.Name
	}
	if t.Command != "" {
		return t.Command
	}
	if p, ok := t.Config["prompt"].(string); ok {
		return p
	}
	return ""
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
