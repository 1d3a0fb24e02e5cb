package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/taskd/internal/core"
)

func TestConfigInit(t *testing.T) {
	home := t.TempDir()

	out, _, err := runCLI(t, nil, "--home", home, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	path := filepath.Join(home, core.ConfigFileName)
	if !strings.Contains(out, path) {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if _, _, err := runCLI(t, nil, "--home", home, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second init err = %v, want already exists", err)
	}
	if _, _, err := runCLI(t, nil, "--home", home, "config", "init", "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}

	cfg, err := core.NewConfigurationManager(home).Load()
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Daemon.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d", cfg.Daemon.MaxConcurrentTasks)
	}
}

func TestConfigInit_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "custom.yaml")
	if _, _, err := runCLI(t, nil, "--config", path, "config", "init"); err != nil {
		t.Fatalf("config init --config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config not written to --config path: %v", err)
	}
}

func TestConfigShow(t *testing.T) {
	out, _, err := runCLI(t, newFakeClient(), "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "max_concurrent_tasks: 5") || !strings.Contains(out, "# ") {
		t.Errorf("yaml output = %q", out)
	}

	out, _, err = runCLI(t, newFakeClient(), "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show --json: %v", err)
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	daemon, ok := tree["daemon"].(map[string]any)
	if !ok || daemon["max_concurrent_tasks"] != float64(5) {
		t.Errorf("daemon section = %v", tree["daemon"])
	}
}
