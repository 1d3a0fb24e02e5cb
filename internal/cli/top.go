package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// Top panel indices.
const (
	panelTasks = iota
	panelMetrics
	panelHealth
	panelCount
)

const topTaskRows = 15

type topModel struct {
	client   TaskClient
	interval time.Duration

	activePanel int
	width       int
	height      int
	cursor      int

	// Data.
	tasks   []*models.Task
	metrics *observability.TaskMetrics
	health  *observability.HealthStatus
	updated time.Time

	// State.
	loading bool
	err     error
	notice  string
}

// topDataMsg carries one poll's results back to the model.
type topDataMsg struct {
	tasks   []*models.Task
	metrics *observability.TaskMetrics
	health  *observability.HealthStatus
	at      time.Time
	err     error
}

type topTickMsg time.Time

type topCancelMsg struct {
	taskID    string
	cancelled bool
	err       error
}

var (
	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(0, 1)

	cursorStyle = lipgloss.NewStyle().Reverse(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newTopModel(c TaskClient, interval time.Duration) topModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return topModel{client: c, interval: interval, loading: true}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return topTickMsg(t) })
}

func (m topModel) load() tea.Cmd {
	c := m.client
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
		defer cancel()

		res := topDataMsg{at: time.Now()}
		tasks, err := c.ListTasks(ctx, protocol.ListTasks{Limit: topTaskRows})
		if err != nil {
			res.err = fmt.Errorf("loading tasks: %w", err)
			return res
		}
		res.tasks = tasks
		if res.metrics, err = c.GetMetrics(ctx); err != nil {
			res.err = fmt.Errorf("loading metrics: %w", err)
			return res
		}
		if res.health, err = c.GetHealth(ctx); err != nil {
			res.err = fmt.Errorf("loading health: %w", err)
		}
		return res
	}
}

func (m topModel) cancelSelected() tea.Cmd {
	if m.cursor >= len(m.tasks) {
		return nil
	}
	id := m.tasks[m.cursor].ID
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ok, err := c.CancelTask(ctx, id)
		return topCancelMsg{taskID: id, cancelled: ok, err: err}
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.tasks)-1 {
				m.cursor++
			}
		case "c":
			return m, m.cancelSelected()
		case "r":
			m.loading = true
			return m, m.load()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case topTickMsg:
		if m.loading {
			return m, m.tick()
		}
		m.loading = true
		return m, tea.Batch(m.load(), m.tick())

	case topDataMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.tasks = msg.tasks
		m.metrics = msg.metrics
		m.health = msg.health
		m.updated = msg.at
		if m.cursor >= len(m.tasks) {
			m.cursor = max(len(m.tasks)-1, 0)
		}
		return m, nil

	case topCancelMsg:
		switch {
		case msg.err != nil:
			m.notice = fmt.Sprintf("cancel %s: %v", msg.taskID, msg.err)
		case msg.cancelled:
			m.notice = fmt.Sprintf("cancelled %s", msg.taskID)
		default:
			m.notice = fmt.Sprintf("%s is not active", msg.taskID)
		}
		m.loading = true
		return m, m.load()
	}

	return m, nil
}

func (m topModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" taskd top ")
	help := helpStyle.Render("tab: switch panel | j/k: select | c: cancel task | r: refresh | q: quit")
	if !m.updated.IsZero() {
		title += helpStyle.Render("  updated " + m.updated.Format("15:04:05"))
	}

	if m.err != nil && m.tasks == nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}
	if m.loading && m.tasks == nil {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	availableWidth := m.width - 2
	tasksWidth := availableWidth - 4
	sideWidth := tasksWidth
	horizontal := availableWidth > 120
	if horizontal {
		tasksWidth = availableWidth*2/3 - 4
		sideWidth = availableWidth/3 - 4
	}
	if tasksWidth < 20 {
		tasksWidth = 20
	}
	if sideWidth < 20 {
		sideWidth = 20
	}

	tasksPanel := m.applyPanelStyle(panelTasks, m.renderTasksPanel(tasksWidth), tasksWidth)
	side := lipgloss.JoinVertical(lipgloss.Left,
		m.applyPanelStyle(panelMetrics, m.renderMetricsPanel(), sideWidth),
		m.applyPanelStyle(panelHealth, m.renderHealthPanel(), sideWidth),
	)

	var body string
	if horizontal {
		body = lipgloss.JoinHorizontal(lipgloss.Top, tasksPanel, side)
	} else {
		body = lipgloss.JoinVertical(lipgloss.Left, tasksPanel, side)
	}

	footer := help
	if m.err != nil {
		footer = statusFailedStyle.Render("  "+m.err.Error()) + "\n" + help
	} else if m.notice != "" {
		footer = labelStyle.Render("  "+m.notice) + "\n" + help
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, footer)
}

func (m topModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m topModel) renderTasksPanel(width int) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Tasks"))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString("  No tasks found.")
		return b.String()
	}

	now := time.Now()
	nameWidth := width - 36
	if nameWidth < 8 {
		nameWidth = 8
	}
	for i, t := range m.tasks {
		line := fmt.Sprintf("%-8s %-8s %-11s %5s %s",
			shortID(t.ID), t.Type, t.Status, formatAge(now.Sub(t.CreatedAt)), truncate(taskLabel(t), nameWidth))
		if i == m.cursor && m.activePanel == panelTasks {
			line = cursorStyle.Render(line)
		} else {
			line = styleForStatus(t.Status).Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m topModel) renderMetricsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Metrics"))
	b.WriteString("\n")

	if m.metrics == nil {
		b.WriteString("  No metrics available.")
		return b.String()
	}

	md := m.metrics
	lines := []struct {
		label string
		value string
	}{
		{"Total", fmt.Sprint(md.TotalTasks)},
		{"Active", fmt.Sprint(md.ActiveTasks)},
		{"Queued", fmt.Sprint(md.QueueSize)},
		{"Success", fmt.Sprintf("%.0f%%", md.SuccessRate*100)},
		{"Avg time", seconds(md.AvgDuration)},
		{"Last hour", fmt.Sprintf("+%d / %d done / %d failed", md.CreatedLastHour, md.DoneLastHour, md.FailedLastHour)},
	}
	for _, l := range lines {
		b.WriteString(fmt.Sprintf("  %-10s %s\n", l.label, l.value))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m topModel) renderHealthPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Health"))
	b.WriteString("\n")

	if m.health == nil {
		b.WriteString("  Unknown.")
		return b.String()
	}

	style := statusCompletedStyle
	switch m.health.Status {
	case observability.HealthDegraded:
		style = statusRunningStyle
	case observability.HealthUnhealthy:
		style = statusFailedStyle
	}
	b.WriteString("  " + style.Render(m.health.Status))
	fmt.Fprintf(&b, "  %d/%d slots\n", m.health.ActiveTasks, m.health.MaxConcurrent)
	for _, c := range m.health.Checks {
		tag := severityWarningStyle.Render("!")
		if c.Severity == observability.SeverityIssue {
			tag = severityIssueStyle.Render("x")
		}
		fmt.Fprintf(&b, "  %s %s\n", tag, c.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var topInterval time.Duration

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of tasks, metrics and health",
	Long: `Launch an interactive terminal dashboard that polls the daemon and
shows recent tasks, metrics and health.

Navigate between panels with Tab, select tasks with j/k, cancel the
selected task with c, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Client == nil {
			return errNotInitialized
		}
		// Fail fast with the usual hints instead of inside the TUI.
		if _, err := Client.Ping(cmd.Context()); err != nil {
			return err
		}
		p := tea.NewProgram(newTopModel(Client, topInterval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		_, err := p.Run()
		return err
	},
}

func init() {
	topCmd.Flags().DurationVar(&topInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(topCmd)
}
