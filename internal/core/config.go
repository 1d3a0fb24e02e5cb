// Package core contains the task scheduler, the executors that run agent
// and process tasks, and configuration loading.
package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/taskd/pkg/models"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file looked up in the taskd home directory.
const ConfigFileName = "taskd.yaml"

// EnvPrefix prefixes environment overrides, e.g. TASKD_DAEMON_MAX_TASKS.
const EnvPrefix = "TASKD"

// ConfigurationManager loads and validates taskd configuration.
type ConfigurationManager interface {
	Load() (*models.Config, error)
	Home() string
	ConfigFile() string
	ValidateConfig(cfg *models.Config) error
}

type viperConfigManager struct {
	home string
	file string
}

// NewConfigurationManager creates a ConfigurationManager that reads
// taskd.yaml from home. An empty home uses DefaultHome.
func NewConfigurationManager(home string) ConfigurationManager {
	return NewConfigurationManagerWithFile(home, "")
}

// NewConfigurationManagerWithFile is like NewConfigurationManager but reads
// file instead of home/taskd.yaml when file is not empty. Relative paths in
// the file still resolve against home.
func NewConfigurationManagerWithFile(home, file string) ConfigurationManager {
	if home == "" {
		home = DefaultHome()
	}
	return &viperConfigManager{home: home, file: file}
}

// DefaultHome returns $TASKD_HOME, or ~/.taskd.
func DefaultHome() string {
	if h := os.Getenv("TASKD_HOME"); h != "" {
		return h
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".taskd")
	}
	return ".taskd"
}

func (cm *viperConfigManager) Home() string { return cm.home }

func (cm *viperConfigManager) ConfigFile() string {
	if cm.file != "" {
		return cm.file
	}
	return filepath.Join(cm.home, ConfigFileName)
}

// DefaultConfig returns the configuration used when no file or env
// override is present.
func DefaultConfig(home string) *models.Config {
	return &models.Config{
		StorageDir: filepath.Join(home, "tasks"),
		PIDFile:    filepath.Join(home, "taskd.pid"),
		Transport: models.TransportConfig{
			Kind:       "auto",
			SocketPath: filepath.Join(home, "taskd.sock"),
			PipeName:   `\\.\pipe\taskd`,
			HTTPHost:   "127.0.0.1",
			HTTPPort:   7321,
			Timeout:    30 * time.Second,
		},
		Daemon: models.DaemonConfig{
			MaxConcurrentTasks: 5,
			CleanupInterval:    time.Hour,
			RetentionDays:      30,
			MaxTasks:           1000,
			ShutdownTimeout:    30 * time.Second,
			LogLevel:           "info",
			LogFormat:          "json",
		},
		Client: models.ClientConfig{
			AutoStart:      true,
			StartTimeout:   10 * time.Second,
			StopTimeout:    10 * time.Second,
			ConnectRetries: 3,
			RetryDelay:     500 * time.Millisecond,
		},
		Agent: models.AgentConfig{
			MaxIterations: 10,
		},
		Process: models.ProcessConfig{
			KillGrace: 5 * time.Second,
		},
		Output: models.OutputConfig{
			ToolMaxLines: 50,
			ToolMaxChars: 5000,
		},
	}
}

// configValues flattens cfg to viper's dotted keys.
func configValues(cfg *models.Config) map[string]any {
	return map[string]any{
		"storage_dir":                 cfg.StorageDir,
		"pid_file":                    cfg.PIDFile,
		"transport.kind":              cfg.Transport.Kind,
		"transport.socket_path":       cfg.Transport.SocketPath,
		"transport.pipe_name":         cfg.Transport.PipeName,
		"transport.http_host":         cfg.Transport.HTTPHost,
		"transport.http_port":         cfg.Transport.HTTPPort,
		"transport.timeout":           cfg.Transport.Timeout,
		"daemon.max_concurrent_tasks": cfg.Daemon.MaxConcurrentTasks,
		"daemon.cleanup_interval":     cfg.Daemon.CleanupInterval,
		"daemon.retention_days":       cfg.Daemon.RetentionDays,
		"daemon.max_tasks":            cfg.Daemon.MaxTasks,
		"daemon.shutdown_timeout":     cfg.Daemon.ShutdownTimeout,
		"daemon.metrics_address":      cfg.Daemon.MetricsAddress,
		"daemon.log_level":            cfg.Daemon.LogLevel,
		"daemon.log_format":           cfg.Daemon.LogFormat,
		"client.auto_start":           cfg.Client.AutoStart,
		"client.start_timeout":        cfg.Client.StartTimeout,
		"client.stop_timeout":         cfg.Client.StopTimeout,
		"client.connect_retries":      cfg.Client.ConnectRetries,
		"client.retry_delay":          cfg.Client.RetryDelay,
		"client.executable":           cfg.Client.Executable,
		"agent.command":               cfg.Agent.Command,
		"agent.args":                  cfg.Agent.Args,
		"agent.model_flag":            cfg.Agent.ModelFlag,
		"agent.max_iterations":        cfg.Agent.MaxIterations,
		"process.default_timeout":     cfg.Process.DefaultTimeout,
		"process.kill_grace":          cfg.Process.KillGrace,
		"process.shell":               cfg.Process.Shell,
		"output.tool_max_lines":       cfg.Output.ToolMaxLines,
		"output.tool_max_chars":       cfg.Output.ToolMaxChars,
	}
}

// Load reads taskd.yaml from the home directory, applies TASKD_* env
// overrides and falls back to defaults for anything unset.
func (cm *viperConfigManager) Load() (*models.Config, error) {
	defaults := DefaultConfig(cm.home)

	v := viper.New()
	if cm.file != "" {
		v.SetConfigFile(cm.file)
	} else {
		v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
		v.AddConfigPath(cm.home)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range configValues(defaults) {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", cm.ConfigFile(), err)
		}
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	cfg.StorageDir = cm.resolve(cfg.StorageDir)
	cfg.PIDFile = cm.resolve(cfg.PIDFile)
	if cfg.Transport.SocketPath != "" {
		cfg.Transport.SocketPath = cm.resolve(cfg.Transport.SocketPath)
	}

	if err := cm.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes relative paths relative to the home directory.
func (cm *viperConfigManager) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~"+string(filepath.Separator)) || strings.HasPrefix(path, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, path[2:])
		}
	}
	return filepath.Join(cm.home, path)
}

var (
	validKinds      = map[string]bool{"auto": true, "unix": true, "pipe": true, "http": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

// ValidateConfig checks cfg for values the daemon or client cannot use.
func (cm *viperConfigManager) ValidateConfig(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if cfg.StorageDir == "" {
		return fmt.Errorf("invalid config: storage_dir must not be empty")
	}
	if cfg.PIDFile == "" {
		return fmt.Errorf("invalid config: pid_file must not be empty")
	}
	if !validKinds[cfg.Transport.Kind] {
		return fmt.Errorf("invalid config: transport.kind %q must be one of auto, unix, pipe, http", cfg.Transport.Kind)
	}
	if cfg.Transport.Kind == "http" && (cfg.Transport.HTTPPort <= 0 || cfg.Transport.HTTPPort > 65535) {
		return fmt.Errorf("invalid config: transport.http_port %d out of range", cfg.Transport.HTTPPort)
	}
	if cfg.Transport.Kind == "pipe" && runtime.GOOS != "windows" {
		return fmt.Errorf("invalid config: transport.kind pipe is only available on windows")
	}
	if cfg.Daemon.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid config: daemon.max_concurrent_tasks must be at least 1, got %d", cfg.Daemon.MaxConcurrentTasks)
	}
	if cfg.Daemon.RetentionDays < 0 {
		return fmt.Errorf("invalid config: daemon.retention_days must not be negative")
	}
	if cfg.Daemon.MaxTasks < 0 {
		return fmt.Errorf("invalid config: daemon.max_tasks must not be negative")
	}
	if !validLogLevels[strings.ToLower(cfg.Daemon.LogLevel)] {
		return fmt.Errorf("invalid config: daemon.log_level %q must be debug, info, warn or error", cfg.Daemon.LogLevel)
	}
	if !validLogFormats[strings.ToLower(cfg.Daemon.LogFormat)] {
		return fmt.Errorf("invalid config: daemon.log_format %q must be json or text", cfg.Daemon.LogFormat)
	}
	if cfg.Client.ConnectRetries < 1 {
		return fmt.Errorf("invalid config: client.connect_retries must be at least 1")
	}
	if cfg.Agent.MaxIterations < 1 {
		return fmt.Errorf("invalid config: agent.max_iterations must be at least 1")
	}
	if cfg.Output.ToolMaxLines < 1 || cfg.Output.ToolMaxChars < 1 {
		return fmt.Errorf("invalid config: output.tool_max_lines and output.tool_max_chars must be positive")
	}
	return nil
}

// MarshalConfig renders cfg as nested YAML with human-readable durations.
func MarshalConfig(cfg *models.Config) ([]byte, error) {
	values := configValues(cfg)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := make(map[string]any)
	for _, key := range keys {
		val := values[key]
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshaling configuration: %w", err)
	}
	return data, nil
}

// WriteConfigFile writes cfg to path, refusing to overwrite unless force.
func WriteConfigFile(path string, cfg *models.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	data, err := MarshalConfig(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
