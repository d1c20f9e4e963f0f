package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hostmux/hostmux/internal/bridge"
	"github.com/hostmux/hostmux/internal/config"
	"github.com/hostmux/hostmux/internal/eventq"
	"github.com/hostmux/hostmux/internal/journal"
	"github.com/hostmux/hostmux/internal/log"
	"github.com/hostmux/hostmux/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

func writeConfigFixture(t *testing.T, dir string) string {
	t.Helper()

	configYAML := `
service:
  name: test-mux
  log_level: info
  log_format: text
journal:
  enabled: true
  path: ` + filepath.Join(dir, "journal.db") + `
lock:
  path: ` + filepath.Join(dir, "hostmux.pid") + `
api:
  enabled: false
`
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "hostmux 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-02-12T11:30:00Z") {
		t.Fatalf("stdout missing build time: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}

	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	if !strings.Contains(stdout, "hostmux <noun> <action> [flags]") {
		t.Fatalf("usage missing action terminology: %s", stdout)
	}
}

func TestRunSystemNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemNoun([]string{"start", "--help"})
	})
	if code != 0 {
		t.Fatalf("runSystemNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: hostmux system start") {
		t.Fatalf("stdout missing start action help usage: %s", stdout)
	}
}

func TestRunConfigNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: hostmux config check") {
		t.Fatalf("stdout missing action help usage: %s", stdout)
	}
}

func TestRunJobNounUnknownAction(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runJobNoun([]string{"bogus"})
	})
	if code == 0 {
		t.Fatal("runJobNoun() should fail for unknown action")
	}
	if !strings.Contains(stderr, "Unknown job action") {
		t.Fatalf("stderr missing unknown action message: %s", stderr)
	}
}

func TestRunConfigLockThenTamperFailsLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "locked config.yaml") {
		t.Fatalf("stdout missing lock confirmation: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}

	if _, err := config.Load(configPath); err != nil {
		t.Fatalf("locked config should still load: %v", err)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("\n# tampered\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if _, err := config.Load(configPath); err == nil {
		t.Fatal("tampered config should fail integrity verification")
	}
}

func TestRunConfigCheckValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stdout: %s, stderr: %s", code, stdout, stderr)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s", code, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy=true; output=%s", stdout)
	}
	if report.Config != "ok" || report.Journal != "ok" || report.Lock != "free" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunSystemStatusDetectsHeldLock(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	lockPath := filepath.Join(tmpDir, "hostmux.pid")
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s", code, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if report.Lock != "held" || report.LockPID != os.Getpid() {
		t.Fatalf("expected held lock with our pid, got %+v", report)
	}
}

func TestRunJobRecentListsRecordedRuns(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFixture(t, tmpDir)

	db, err := storage.Open(context.Background(), filepath.Join(tmpDir, "journal.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	j := journal.New(db)
	j.JobStarted(1, 4242, "cat", []string{"cat"})
	j.JobExited(1, 0)
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobRecent([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runJobRecent() code = %d, stderr: %s", code, stderr)
	}

	var runs []journal.Run
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("failed to parse runs JSON: %v\noutput=%s", err, stdout)
	}
	if len(runs) != 1 || runs[0].Name != "cat" || runs[0].PID != 4242 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].ExitCode == nil || *runs[0].ExitCode != 0 {
		t.Fatalf("expected recorded exit code 0: %+v", runs[0])
	}
}

func TestHandleCommandParsing(t *testing.T) {
	var out bytes.Buffer
	rt := &runtime{queue: eventq.New(), out: &out}

	if rt.handleCommand("") {
		t.Fatal("empty line should not quit")
	}
	if rt.handleCommand("help") {
		t.Fatal("help should not quit")
	}
	if !strings.Contains(out.String(), "commands:") {
		t.Fatalf("help output missing: %s", out.String())
	}

	out.Reset()
	rt.handleCommand("bogus")
	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Fatalf("unknown command output missing: %s", out.String())
	}

	out.Reset()
	rt.handleCommand("start")
	if !strings.Contains(out.String(), "usage: start") {
		t.Fatalf("start usage missing: %s", out.String())
	}

	rt.handleCommand("emit ping hello world")
	ev, ok := rt.queue.Pop(0)
	if !ok || ev.Kind != eventq.KindCustom || ev.Name != "ping" || ev.Args != "hello world" {
		t.Fatalf("emit did not queue custom event: %+v ok=%v", ev, ok)
	}

	if !rt.handleCommand("quit") {
		t.Fatal("quit should request exit")
	}
}

func TestStdinSourceDeliversLinesThenEOF(t *testing.T) {
	src := newStdinSource(strings.NewReader("hello\nworld\n"))

	buf := make([]byte, 64)
	n, err := src.CheckInput(buf, time.Second)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("first line = %q, err = %v", buf[:n], err)
	}
	n, err = src.CheckInput(buf, time.Second)
	if err != nil || string(buf[:n]) != "world" {
		t.Fatalf("second line = %q, err = %v", buf[:n], err)
	}
	if _, err = src.CheckInput(buf, time.Second); err != io.EOF {
		t.Fatalf("expected io.EOF after input exhausted, got %v", err)
	}
}

func TestStdinSourceBoundedWaitExpires(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	src := newStdinSource(r)

	start := time.Now()
	n, err := src.CheckInput(make([]byte, 8), 30*time.Millisecond)
	if err != nil || n != 0 {
		t.Fatalf("quiet source should time out with 0 bytes, got n=%d err=%v", n, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("CheckInput returned before the bounded wait expired")
	}
}

func TestInputClosedEventEndsSession(t *testing.T) {
	var out bytes.Buffer
	rt := &runtime{queue: eventq.New(), logger: log.WithComponent("test"), out: &out}

	if !rt.handleEvent(eventq.Custom(bridge.EventInputClosed, "EOF"), &bridge.IOMutex{}) {
		t.Fatal("input-closed event should end the session")
	}
	if !rt.handleEvent(eventq.Custom("shutdown", "interrupt"), &bridge.IOMutex{}) {
		t.Fatal("shutdown event should end the session")
	}
	if rt.handleEvent(eventq.Custom("ping", ""), &bridge.IOMutex{}) {
		t.Fatal("ordinary custom event should not end the session")
	}
}
