// Package doctor validates hostmux configuration against the runtime
// environment before anything starts.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hostmux/hostmux/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config against the host it will run on.
type Doctor struct {
	cfg       *config.Config
	configDir string
}

// New creates a Doctor. configDir is the directory the config was loaded
// from; it is used to check the checksum manifest.
func New(cfg *config.Config, configDir string) *Doctor {
	return &Doctor{cfg: cfg, configDir: configDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkLoopTunables(r)
	d.checkJobTunables(r)
	d.checkFileDescriptorLimit(r)
	d.checkJournalPath(r)
	d.checkLockPath(r)
	d.checkAPIListen(r)
	d.checkChecksumManifest(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkLoopTunables(r *Result) {
	if d.cfg.Loop.Interval <= 0 {
		d.addError(r, "loop", "loop.interval", "interval must be positive")
		return
	}
	if d.cfg.Loop.Interval.Milliseconds() < 10 {
		d.addWarning(r, "loop", "loop.interval",
			fmt.Sprintf("interval %v is very short; the loop will spin hot", d.cfg.Loop.Interval))
	}
	if d.cfg.Loop.IdleThreshold > 0 && d.cfg.Loop.IdleThreshold < d.cfg.Loop.Interval {
		d.addWarning(r, "loop", "loop.idle_threshold",
			"idle_threshold below interval fires on every quiet cycle")
	}
}

func (d *Doctor) checkJobTunables(r *Result) {
	jobs := d.cfg.Jobs
	if jobs.KillAfterCycles <= jobs.TermAfterCycles {
		d.addError(r, "jobs", "jobs.kill_after_cycles",
			fmt.Sprintf("kill_after_cycles (%d) must exceed term_after_cycles (%d)",
				jobs.KillAfterCycles, jobs.TermAfterCycles))
	}
	if jobs.BufferSize < 1024 {
		d.addWarning(r, "jobs", "jobs.buffer_size",
			fmt.Sprintf("buffer_size %d is small; chatty jobs will be throttled hard", jobs.BufferSize))
	}
	if jobs.ShutdownGrace.Milliseconds() < 100 {
		d.addWarning(r, "jobs", "jobs.shutdown_grace",
			fmt.Sprintf("shutdown_grace %v gives jobs little time to exit cleanly", jobs.ShutdownGrace))
	}
}

// checkFileDescriptorLimit verifies the process can hold three pipes per job
// plus headroom for the journal, lock, and API sockets.
func (d *Doctor) checkFileDescriptorLimit(r *Result) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		d.addWarning(r, "limits", "", fmt.Sprintf("cannot read RLIMIT_NOFILE: %v", err))
		return
	}

	const headroom = 32
	needed := uint64(d.cfg.Jobs.MaxJobs*3 + headroom)
	if limit.Cur < needed {
		d.addError(r, "limits", "jobs.max_jobs",
			fmt.Sprintf("RLIMIT_NOFILE soft limit %d is below the %d descriptors needed for %d jobs",
				limit.Cur, needed, d.cfg.Jobs.MaxJobs))
	}
}

func (d *Doctor) checkJournalPath(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "path is required when journal is enabled")
		return
	}
	if err := writableDir(filepath.Dir(d.cfg.Journal.Path)); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

func (d *Doctor) checkLockPath(r *Result) {
	if d.cfg.Lock.Path == "" {
		d.addError(r, "lock", "lock.path", "lock path is required")
		return
	}
	if err := writableDir(filepath.Dir(d.cfg.Lock.Path)); err != nil {
		d.addError(r, "lock", "lock.path", err.Error())
	}
}

func (d *Doctor) checkAPIListen(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen",
			fmt.Sprintf("listen address %q is not host:port: %v", d.cfg.API.Listen, err))
	}
}

func (d *Doctor) checkChecksumManifest(r *Result) {
	if d.configDir == "" {
		return
	}
	if _, err := config.LoadChecksums(d.configDir); err != nil {
		if os.IsNotExist(err) {
			d.addWarning(r, "integrity", "",
				fmt.Sprintf("no .checksums manifest in %s; run 'hostmux config lock' to pin the config", d.configDir))
			return
		}
		d.addError(r, "integrity", "", fmt.Sprintf("checksums manifest unreadable: %v", err))
	}
}

// writableDir checks that dir either exists writable or can be created.
func writableDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("directory %s does not exist", dir)
		}
		return writableDir(parent)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %v", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if unix.Access(dir, unix.W_OK) != nil {
		return fmt.Errorf("directory %s is not writable", dir)
	}
	return nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
