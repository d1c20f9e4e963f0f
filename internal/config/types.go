package config

import "time"

// Config represents the complete hostmux configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Loop    LoopConfig    `yaml:"loop,omitempty"`
	Jobs    JobsConfig    `yaml:"jobs,omitempty"`
	Journal JournalConfig `yaml:"journal,omitempty"`
	API     APIConfig     `yaml:"api,omitempty"`
	Lock    LockConfig    `yaml:"lock,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoopConfig tunes the main multiplexing loop.
type LoopConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// JobsConfig tunes the process supervisor.
type JobsConfig struct {
	MaxJobs         int           `yaml:"max_jobs"`
	BufferSize      int           `yaml:"buffer_size"`
	TermAfterCycles int           `yaml:"term_after_cycles"`
	KillAfterCycles int           `yaml:"kill_after_cycles"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// JournalConfig defines durable job-history storage settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LockConfig defines the single-instance PID lock.
type LockConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hostmux",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Loop: LoopConfig{
			Interval:      100 * time.Millisecond,
			IdleThreshold: 4 * time.Second,
		},
		Jobs: JobsConfig{
			MaxJobs:         5,
			BufferSize:      4096,
			TermAfterCycles: 1,
			KillAfterCycles: 25,
			ShutdownGrace:   300 * time.Millisecond,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Lock: LockConfig{
			Path: "./data/hostmux.pid",
		},
	}
}
