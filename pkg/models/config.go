package models

import "time"

// TransportConfig selects and addresses the IPC channel between clients and
// the daemon.
type TransportConfig struct {
	Kind       string        `yaml:"kind" mapstructure:"kind"`
	SocketPath string        `yaml:"socket_path" mapstructure:"socket_path"`
	PipeName   string        `yaml:"pipe_name" mapstructure:"pipe_name"`
	HTTPHost   string        `yaml:"http_host" mapstructure:"http_host"`
	HTTPPort   int           `yaml:"http_port" mapstructure:"http_port"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DaemonConfig holds settings only the daemon process reads.
type DaemonConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	RetentionDays      int           `yaml:"retention_days" mapstructure:"retention_days"`
	MaxTasks           int           `yaml:"max_tasks" mapstructure:"max_tasks"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MetricsAddress     string        `yaml:"metrics_address" mapstructure:"metrics_address"`
	LogLevel           string        `yaml:"log_level" mapstructure:"log_level"`
	LogFormat          string        `yaml:"log_format" mapstructure:"log_format"`
}

// ClientConfig controls how clients find, start and talk to the daemon.
type ClientConfig struct {
	AutoStart      bool          `yaml:"auto_start" mapstructure:"auto_start"`
	StartTimeout   time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	ConnectRetries int           `yaml:"connect_retries" mapstructure:"connect_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	Executable     string        `yaml:"executable,omitempty" mapstructure:"executable"`
}

// AgentConfig describes the external agent CLI driven by agent tasks.
type AgentConfig struct {
	Command       string   `yaml:"command" mapstructure:"command"`
	Args          []string `yaml:"args,omitempty" mapstructure:"args"`
	ModelFlag     string   `yaml:"model_flag,omitempty" mapstructure:"model_flag"`
	MaxIterations int      `yaml:"max_iterations" mapstructure:"max_iterations"`
}

// ProcessConfig holds defaults for process tasks.
type ProcessConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace" mapstructure:"kill_grace"`
	Shell          string        `yaml:"shell,omitempty" mapstructure:"shell"`
}

// OutputConfig bounds how much tool output agent tasks write to disk.
type OutputConfig struct {
	ToolMaxLines int `yaml:"tool_max_lines" mapstructure:"tool_max_lines"`
	ToolMaxChars int `yaml:"tool_max_chars" mapstructure:"tool_max_chars"`
}

// Config is the full taskd configuration read from taskd.yaml.
type Config struct {
	StorageDir string          `yaml:"storage_dir" mapstructure:"storage_dir"`
	PIDFile    string          `yaml:"pid_file" mapstructure:"pid_file"`
	Transport  TransportConfig `yaml:"transport" mapstructure:"transport"`
	Daemon     DaemonConfig    `yaml:"daemon" mapstructure:"daemon"`
	Client     ClientConfig    `yaml:"client" mapstructure:"client"`
	Agent      AgentConfig     `yaml:"agent" mapstructure:"agent"`
	Process    ProcessConfig   `yaml:"process" mapstructure:"process"`
	Output     OutputConfig    `yaml:"output" mapstructure:"output"`
}
