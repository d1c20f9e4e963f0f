package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostmux/hostmux/internal/config"
	"github.com/hostmux/hostmux/internal/doctor"
	"github.com/hostmux/hostmux/internal/journal"
	"github.com/hostmux/hostmux/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)

	// --- ROOT ALIASES ---
	case "run", "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`hostmux - Multiplexed job control for a single-threaded host

Usage:
  hostmux <noun> <action> [flags]

System Commands:
  system start      Run the multiplexer in the foreground
  system status     Show lock, journal, and config health

Config Commands:
  config lock       Pin the current config (update integrity hashes)
  config check      Validate configuration and environment

Job Commands:
  job recent        Show recently recorded job runs

General:
  version           Show version information
  help              Show this help message

Use 'hostmux <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "recent":
		if hasHelpFlag(actionArgs) {
			printJobRecentHelp()
			return 0
		}
		return runJobRecent(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

// --- ACTION IMPLEMENTATIONS ---

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	target, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	dir := filepath.Dir(target)
	manifest, err := config.WriteChecksums(dir, []string{filepath.Base(target)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksums: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("locked %s (%s)\n", name, hash[:12])
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	target, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, filepath.Dir(target)).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

type statusReport struct {
	Config  string `json:"config"`
	Lock    string `json:"lock"`
	LockPID int    `json:"lock_pid,omitempty"`
	Journal string `json:"journal"`
	Healthy bool   `json:"healthy"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true}

	target, err := resolveConfigPath(*configPath)
	if err != nil {
		report.Config = err.Error()
		report.Healthy = false
		printStatus(report, *jsonOut)
		return 1
	}
	cfg, err := config.Load(target)
	if err != nil {
		report.Config = err.Error()
		report.Healthy = false
		printStatus(report, *jsonOut)
		return 1
	}
	report.Config = "ok"

	report.Lock = "free"
	if pid := lockHolder(cfg.Lock.Path); pid > 0 {
		report.Lock = "held"
		report.LockPID = pid
	}

	report.Journal = "disabled"
	if cfg.Journal.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		db, err := storage.Open(ctx, cfg.Journal.Path)
		cancel()
		if err != nil {
			report.Journal = err.Error()
			report.Healthy = false
		} else {
			_ = db.Close()
			report.Journal = "ok"
		}
	}

	printStatus(report, *jsonOut)
	if !report.Healthy {
		return 1
	}
	return 0
}

// lockHolder reports the live PID recorded in the lock file, or 0.
func lockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if unix.Kill(pid, 0) != nil {
		return 0
	}
	return pid
}

func printStatus(report statusReport, jsonOut bool) {
	if jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("config:  %s\n", report.Config)
	if report.LockPID > 0 {
		fmt.Printf("lock:    %s (pid %d)\n", report.Lock, report.LockPID)
	} else {
		fmt.Printf("lock:    %s\n", report.Lock)
	}
	fmt.Printf("journal: %s\n", report.Journal)
}

func runJobRecent(args []string) int {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum runs to show")
	jsonOut := fs.Bool("json", false, "Output runs as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	target, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.Journal.Enabled {
		fmt.Fprintln(os.Stderr, "journal is disabled in config")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := journal.New(db).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	for _, r := range runs {
		status := "running"
		if r.ExitCode != nil {
			status = fmt.Sprintf("exit %d", *r.ExitCode)
		}
		fmt.Printf("%s  slot=%d pid=%d %-12s %s\n",
			r.StartedAt.Format(time.RFC3339), r.Slot, r.PID, r.Name, status)
	}
	return 0
}

func resolveConfigPath(configPath string) (string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return "", err
		}
		configPath = discovered
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "config.yaml")
	}
	return abs, nil
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hostmux %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	buildTime := strings.TrimSpace(buildDate)
	if buildTime == "" || buildTime == "unknown" {
		buildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(buildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- HELP ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hostmux system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hostmux config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hostmux job <action>")
	fmt.Fprintln(w, "Actions: recent")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hostmux system start [--config PATH]")
	fmt.Println("Run the multiplexer in the foreground, reading commands from stdin.")
	fmt.Println()
	fmt.Println("Commands on stdin:")
	fmt.Println("  start <name> <argv...>   Spawn a job")
	fmt.Println("  write <id> <text>        Send a line to a job's stdin")
	fmt.Println("  stop <id>                Begin graduated termination")
	fmt.Println("  jobs                     Show the live job table")
	fmt.Println("  emit <name> [args]       Queue a custom event")
	fmt.Println("  quit                     Shut down all jobs and exit")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: hostmux system status [--config PATH] [--json]")
	fmt.Println("Show config, PID lock, and journal health.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hostmux config lock [--config PATH]")
	fmt.Println("Pin the current configuration by regenerating integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hostmux config check [--config PATH] [--json] [--strict]")
	fmt.Println("Validate configuration values and the runtime environment.")
}

func printJobRecentHelp() {
	fmt.Println("Usage: hostmux job recent [--config PATH] [--limit N] [--json]")
	fmt.Println("Show recently recorded job runs from the journal.")
}
