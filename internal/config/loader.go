package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, verifies, and validates the
// configuration file at configPath. A directory may be given; config.yaml
// inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := verifyChecksum(absPath); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds the config file by checking standard locations in priority
// order: $HOSTMUX_CONFIG, ~/.config/hostmux/config.yaml, /etc/hostmux/config.yaml,
// ./config.yaml.
func Discover() (string, error) {
	if path := os.Getenv("HOSTMUX_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".config", "hostmux", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}
	systemPath := "/etc/hostmux/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $HOSTMUX_CONFIG, ~/.config/hostmux, /etc/hostmux, ./config.yaml)")
}

// verifyChecksum checks the file against the directory's .checksums manifest
// when one exists. A missing manifest skips verification.
func verifyChecksum(absPath string) error {
	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	basename := filepath.Base(absPath)
	expected, ok := manifest.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no entry in %s\n"+
			"Run: hostmux config lock --config %s", basename, filepath.Join(dir, checksumFile), dir)
	}
	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: hostmux config lock --config %s", err, dir)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Loop.Interval == 0 {
		cfg.Loop.Interval = d.Loop.Interval
	}
	if cfg.Loop.IdleThreshold == 0 {
		cfg.Loop.IdleThreshold = d.Loop.IdleThreshold
	}
	if cfg.Jobs.MaxJobs == 0 {
		cfg.Jobs.MaxJobs = d.Jobs.MaxJobs
	}
	if cfg.Jobs.BufferSize == 0 {
		cfg.Jobs.BufferSize = d.Jobs.BufferSize
	}
	if cfg.Jobs.TermAfterCycles == 0 {
		cfg.Jobs.TermAfterCycles = d.Jobs.TermAfterCycles
	}
	if cfg.Jobs.KillAfterCycles == 0 {
		cfg.Jobs.KillAfterCycles = d.Jobs.KillAfterCycles
	}
	if cfg.Jobs.ShutdownGrace == 0 {
		cfg.Jobs.ShutdownGrace = d.Jobs.ShutdownGrace
	}
	if cfg.Journal.Path == "" {
		cfg.Journal = d.Journal
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = d.API
	}
	if cfg.Lock.Path == "" {
		cfg.Lock.Path = d.Lock.Path
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if cfg.Loop.IdleThreshold < 0 {
		return fmt.Errorf("loop.idle_threshold must not be negative")
	}

	if cfg.Jobs.MaxJobs <= 0 {
		return fmt.Errorf("jobs.max_jobs must be positive")
	}
	if cfg.Jobs.BufferSize <= 0 {
		return fmt.Errorf("jobs.buffer_size must be positive")
	}
	if cfg.Jobs.TermAfterCycles <= 0 {
		return fmt.Errorf("jobs.term_after_cycles must be positive")
	}
	if cfg.Jobs.KillAfterCycles <= cfg.Jobs.TermAfterCycles {
		return fmt.Errorf("jobs.kill_after_cycles (%d) must exceed jobs.term_after_cycles (%d)",
			cfg.Jobs.KillAfterCycles, cfg.Jobs.TermAfterCycles)
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled")
	}
	if envVarPattern.MatchString(cfg.Journal.Path) {
		matches := envVarPattern.FindStringSubmatch(cfg.Journal.Path)
		return fmt.Errorf("journal.path: environment variable ${%s} is not set", matches[1])
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled")
	}
	return nil
}
