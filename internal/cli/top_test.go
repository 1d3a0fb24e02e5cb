package cli

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/pkg/models"
)

func loadedTopModel(t *testing.T, fc *fakeClient) topModel {
	t.Helper()
	m := newTopModel(fc, time.Second)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = updated.(topModel)
	msg := m.load()()
	updated, _ = m.Update(msg)
	return updated.(topModel)
}

func TestTopModel_LoadsData(t *testing.T) {
	fc := newFakeClient(
		newTask("a1", models.TaskTypeProcess, models.StatusRunning),
		newTask("b2", models.TaskTypeAgent, models.StatusCompleted),
	)
	m := loadedTopModel(t, fc)

	if m.loading {
		t.Error("still loading after data arrived")
	}
	if len(m.tasks) != 2 || m.metrics == nil || m.health == nil {
		t.Fatalf("model = tasks %d metrics %v health %v", len(m.tasks), m.metrics, m.health)
	}
	if fc.filters[0].Limit != topTaskRows {
		t.Errorf("limit = %d, want %d", fc.filters[0].Limit, topTaskRows)
	}

	view := m.View()
	for _, w := range []string{"taskd top", "Tasks", "Metrics", "Health", "a1", "job b2", "healthy"} {
		if !strings.Contains(view, w) {
			t.Errorf("view missing %q", w)
		}
	}
}

func TestTopModel_ViewBeforeSize(t *testing.T) {
	m := newTopModel(newFakeClient(), 0)
	if m.interval != 2*time.Second {
		t.Errorf("default interval = %v", m.interval)
	}
	if m.View() != "Loading..." {
		t.Errorf("view = %q", m.View())
	}
}

func TestTopModel_KeyNavigation(t *testing.T) {
	fc := newFakeClient(
		newTask("a1", models.TaskTypeProcess, models.StatusRunning),
		newTask("b2", models.TaskTypeProcess, models.StatusRunning),
	)
	m := loadedTopModel(t, fc)

	press := func(m topModel, key tea.KeyMsg) topModel {
		updated, _ := m.Update(key)
		return updated.(topModel)
	}

	m = press(m, tea.KeyMsg{Type: tea.KeyDown})
	if m.cursor != 1 {
		t.Errorf("cursor after down = %d, want 1", m.cursor)
	}
	m = press(m, tea.KeyMsg{Type: tea.KeyDown})
	if m.cursor != 1 {
		t.Errorf("cursor moved past the last task: %d", m.cursor)
	}
	m = press(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if m.cursor != 0 {
		t.Errorf("cursor after k = %d, want 0", m.cursor)
	}

	m = press(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activePanel != panelMetrics {
		t.Errorf("panel after tab = %d", m.activePanel)
	}
	m = press(m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.activePanel != panelTasks {
		t.Errorf("panel after shift+tab = %d", m.activePanel)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestTopModel_CancelSelected(t *testing.T) {
	fc := newFakeClient(
		newTask("a1", models.TaskTypeProcess, models.StatusRunning),
		newTask("b2", models.TaskTypeProcess, models.StatusCompleted),
	)
	m := loadedTopModel(t, fc)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cmd == nil {
		t.Fatal("c returned no command")
	}
	msg, ok := cmd().(topCancelMsg)
	if !ok {
		t.Fatalf("cancel produced %T", msg)
	}
	if !msg.cancelled || msg.taskID != "a1" {
		t.Errorf("cancel msg = %+v", msg)
	}
	if fc.tasks["a1"].Status != models.StatusCancelled {
		t.Error("task not cancelled through the client")
	}

	updated, reload := m.Update(msg)
	m = updated.(topModel)
	if !strings.Contains(m.notice, "cancelled a1") || reload == nil {
		t.Errorf("notice = %q reload = %v", m.notice, reload)
	}
}

func TestTopModel_ErrorKeepsLastData(t *testing.T) {
	fc := newFakeClient(newTask("a1", models.TaskTypeProcess, models.StatusRunning))
	m := loadedTopModel(t, fc)

	updated, _ := m.Update(topDataMsg{err: errors.New("connection refused")})
	m = updated.(topModel)
	if len(m.tasks) != 1 {
		t.Error("error wiped the last good data")
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Error("error not shown in the footer")
	}
}

func TestTopModel_TickSkipsWhileLoading(t *testing.T) {
	m := newTopModel(newFakeClient(), time.Second)
	updated, cmd := m.Update(topTickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick must reschedule itself")
	}
	if !updated.(topModel).loading {
		t.Error("loading flag cleared by a tick")
	}
}

func TestTopModel_HealthChecksRendered(t *testing.T) {
	fc := newFakeClient()
	fc.health.Status = observability.HealthDegraded
	fc.health.Checks = []observability.HealthCheck{{Severity: observability.SeverityWarning, Message: "task a1 stuck"}}
	m := loadedTopModel(t, fc)

	if !strings.Contains(m.View(), "task a1 stuck") {
		t.Error("health check message missing from view")
	}
}
