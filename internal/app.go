// Package internal provides the App struct that wires configuration and the
// daemon client together and hands them to the CLI layer.
package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/valter-silva-au/taskd/internal/cli"
	"github.com/valter-silva-au/taskd/internal/client"
	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// LocalHomeDir is the project-local home directory ResolveHome looks for.
const LocalHomeDir = ".taskd"

// App holds the services one taskd invocation needs.
type App struct {
	Home string

	// Configuration
	ConfigMgr core.ConfigurationManager
	Config    *models.Config

	// Daemon client
	Client *client.Client
}

// NewApp loads configuration from home (or configFile) and creates the
// daemon client. version is compared against the running daemon.
func NewApp(home, configFile, version string) (*App, error) {
	home = ResolveHome(home)
	if abs, err := filepath.Abs(home); err == nil {
		home = abs
	}
	if configFile != "" {
		if abs, err := filepath.Abs(configFile); err == nil {
			configFile = abs
		}
	}

	app := &App{Home: home}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManagerWithFile(home, configFile)
	cfg, err := app.ConfigMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	app.Config = cfg

	// --- Client ---
	opts := []client.Option{
		client.WithVersion(version),
		client.WithHome(home),
	}
	if configFile != "" {
		opts = append(opts, client.WithConfigFile(configFile))
	}
	app.Client = client.New(cfg, opts...)

	// --- Wire CLI ---
	cli.ConfigMgr = app.ConfigMgr
	cli.Cfg = app.Config
	cli.Client = app.Client

	return app, nil
}

// Close drops the client's daemon connection.
func (a *App) Close() error {
	if a.Client == nil {
		return nil
	}
	return a.Client.Close()
}

// Bootstrap returns the cli.Bootstrap hook for version.
func Bootstrap(version string) func(home, configFile string) error {
	return func(home, configFile string) error {
		_, err := NewApp(home, configFile, version)
		return err
	}
}

// ResolveHome picks the taskd home directory: the explicit flag value,
// then $TASKD_HOME, then the nearest .taskd directory holding a taskd.yaml
// above the working directory, then ~/.taskd.
func ResolveHome(flag string) string {
	if flag != "" {
		return flag
	}
	if home := os.Getenv("TASKD_HOME"); home != "" {
		return home
	}
	if dir, err := os.Getwd(); err == nil {
		for {
			candidate := filepath.Join(dir, LocalHomeDir)
			if _, err := os.Stat(filepath.Join(candidate, core.ConfigFileName)); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return core.DefaultHome()
}
