package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  name: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "test" {
		t.Fatalf("name = %q", cfg.Service.Name)
	}
	if cfg.Service.LogLevel != "info" || cfg.Service.LogFormat != "json" {
		t.Fatalf("log defaults not applied: %+v", cfg.Service)
	}
	if cfg.Loop.Interval != 100*time.Millisecond {
		t.Fatalf("loop.interval = %v", cfg.Loop.Interval)
	}
	if cfg.Jobs.MaxJobs != 5 || cfg.Jobs.KillAfterCycles != 25 {
		t.Fatalf("jobs defaults not applied: %+v", cfg.Jobs)
	}
	if cfg.Jobs.ShutdownGrace != 300*time.Millisecond {
		t.Fatalf("shutdown_grace = %v", cfg.Jobs.ShutdownGrace)
	}
}

func TestLoadAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: dirmode\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "dirmode" {
		t.Fatalf("name = %q", cfg.Service.Name)
	}
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("HOSTMUX_TEST_JOURNAL", "/tmp/test-journal.db")
	path := writeConfig(t, t.TempDir(), "journal:\n  enabled: true\n  path: ${HOSTMUX_TEST_JOURNAL}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/tmp/test-journal.db" {
		t.Fatalf("journal.path = %q", cfg.Journal.Path)
	}
}

func TestLoadRejectsUnresolvedEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "journal:\n  enabled: true\n  path: ${HOSTMUX_DEFINITELY_UNSET_VAR}\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "HOSTMUX_DEFINITELY_UNSET_VAR") {
		t.Fatalf("err = %v, want unresolved env var error", err)
	}
}

func TestLoadRejectsBadEscalationOrder(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "jobs:\n  term_after_cycles: 10\n  kill_after_cycles: 5\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "kill_after_cycles") {
		t.Fatalf("err = %v, want escalation order error", err)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  log_level: loud\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected log level validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestChecksumVerification(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: locked\n")

	if _, err := WriteChecksums(dir, []string{"config.yaml"}); err != nil {
		t.Fatalf("WriteChecksums: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with valid checksums: %v", err)
	}

	// Tampering after lock must be rejected.
	writeConfig(t, dir, "service:\n  name: tampered\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Fatalf("err = %v, want verification failure", err)
	}
}

func TestChecksumMissingManifestSkipsVerification(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  name: unlocked\n")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load without manifest: %v", err)
	}
}
