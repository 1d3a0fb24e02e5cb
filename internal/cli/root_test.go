package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/valter-silva-au/taskd/internal/client"
	"github.com/valter-silva-au/taskd/internal/storage"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion, origCommit, origDate := appVersion, appCommit, appDate
	defer func() {
		appVersion, appCommit, appDate = origVersion, origCommit, origDate
	}()

	SetVersionInfo("1.2.3", "abc1234", "2026-02-13")

	if appVersion != "1.2.3" || AppVersion() != "1.2.3" {
		t.Errorf("appVersion = %q, want 1.2.3", appVersion)
	}
	if appCommit != "abc1234" {
		t.Errorf("appCommit = %q, want abc1234", appCommit)
	}
	if appDate != "2026-02-13" {
		t.Errorf("appDate = %q, want 2026-02-13", appDate)
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	_, _, err := runCLI(t, nil, "nonexistent-command")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecute_VersionSkipsBootstrap(t *testing.T) {
	origVersion := appVersion
	defer func() { appVersion = origVersion }()
	appVersion = "test-ver"

	called := false
	fc := newFakeClient()
	out, _, err := runCLIWithBootstrap(t, fc, func(string, string) error {
		called = true
		return errors.New("bootstrap must not run")
	}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if called {
		t.Error("version ran Bootstrap")
	}
	if !strings.Contains(out, "taskd test-ver") {
		t.Errorf("output = %q", out)
	}
}

func TestExecute_BootstrapReceivesGlobalFlags(t *testing.T) {
	var gotHome, gotConfig string
	fc := newFakeClient()
	_, _, err := runCLIWithBootstrap(t, fc, func(home, cfg string) error {
		gotHome, gotConfig = home, cfg
		return nil
	}, "--home", "/srv/taskd", "--config", "/etc/taskd.yaml", "task", "list")
	if err != nil {
		t.Fatalf("task list: %v", err)
	}
	if gotHome != "/srv/taskd" || gotConfig != "/etc/taskd.yaml" {
		t.Errorf("Bootstrap(%q, %q)", gotHome, gotConfig)
	}
	if fc.closed == 0 {
		t.Error("client not closed after the command")
	}
}

func TestExecute_BootstrapErrorStopsCommand(t *testing.T) {
	fc := newFakeClient()
	_, _, err := runCLIWithBootstrap(t, fc, func(string, string) error {
		return errors.New("bad config")
	}, "task", "list")
	if err == nil || !strings.Contains(err.Error(), "bad config") {
		t.Fatalf("err = %v, want bootstrap error", err)
	}
	if len(fc.filters) != 0 {
		t.Error("command ran after a failed bootstrap")
	}
}

func TestFormatError_Hints(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not running", fmt.Errorf("listing tasks: %w", client.ErrDaemonNotRunning), "taskd daemon start"},
		{"connection", &client.ConnectionError{Addr: "/tmp/x.sock", Attempts: 3, Err: errors.New("refused")}, "taskd daemon status"},
		{"version", &client.VersionMismatchError{ClientVersion: "2", DaemonVersion: "1", RunningTasks: 4}, "4 running task(s)"},
		{"locked", storage.ErrRootLocked, "another daemon"},
		{"plain", errors.New("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatError(tt.err)
			if !strings.HasPrefix(got, "Error: ") {
				t.Errorf("FormatError = %q, want Error: prefix", got)
			}
			if tt.want == "" {
				if strings.Contains(got, "hint:") {
					t.Errorf("unexpected hint in %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("FormatError = %q, want hint containing %q", got, tt.want)
			}
		})
	}
}

func runCLIWithBootstrap(t *testing.T, fc *fakeClient, boot func(string, string) error, args ...string) (string, string, error) {
	t.Helper()
	return runCLIWith(t, fc, boot, args...)
}
