package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hostmux/hostmux/internal/api"
	"github.com/hostmux/hostmux/internal/bridge"
	"github.com/hostmux/hostmux/internal/config"
	"github.com/hostmux/hostmux/internal/eventq"
	"github.com/hostmux/hostmux/internal/events"
	"github.com/hostmux/hostmux/internal/jobs"
	"github.com/hostmux/hostmux/internal/journal"
	"github.com/hostmux/hostmux/internal/lock"
	"github.com/hostmux/hostmux/internal/log"
	"github.com/hostmux/hostmux/internal/loop"
	"github.com/hostmux/hostmux/internal/storage"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
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
	cfg, err := config.Load(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("starting", "config", target, "version", currentVersionInfo().Version)

	pidLock, err := lock.Acquire(cfg.Lock.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire lock: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(0)

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		db, err := storage.Open(ctx, cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
			return 1
		}
		defer db.Close()
		jrnl = journal.New(db)
	}

	var lifecycle events.Lifecycle
	if jrnl != nil {
		lifecycle = jrnl
	}
	recorder := events.NewRecorder(hub, lifecycle)

	sup := jobs.New(jobs.Config{
		MaxJobs:         cfg.Jobs.MaxJobs,
		BufferSize:      cfg.Jobs.BufferSize,
		TermAfterCycles: cfg.Jobs.TermAfterCycles,
		KillAfterCycles: cfg.Jobs.KillAfterCycles,
		ShutdownGrace:   cfg.Jobs.ShutdownGrace,
	}, jobs.WithRecorder(recorder))

	// Reaped output goes live to the hub and, when enabled, durably to the
	// journal, alongside the queued event the consumer sees.
	tee := multiNotifier{recorder}
	if jrnl != nil {
		tee = append(tee, jrnl)
	}

	queue := eventq.New()
	ioMu := &bridge.IOMutex{}

	stdin := newStdinSource(os.Stdin)
	br := bridge.New(stdin, queue, ioMu, bridge.WithReadSlice(cfg.Loop.Interval))
	br.Start()
	defer br.Close()

	lp := loop.New(pacerSource{}, queue, sup,
		loop.WithInterval(cfg.Loop.Interval),
		loop.WithIdleThreshold(cfg.Loop.IdleThreshold),
		loop.WithNotifier(tee),
	)

	if cfg.API.Enabled {
		var history api.RunHistory
		if jrnl != nil {
			history = jrnl
		}
		srv := api.New(api.Config{Listen: cfg.API.Listen}, sup, history, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	// Signals land on the queue so the consumer sees them in its normal
	// event stream instead of racing the loop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			queue.Push(eventq.Custom("shutdown", sig.String()))
		}
	}()

	rt := &runtime{
		sup:    sup,
		queue:  queue,
		bridge: br,
		hub:    hub,
		logger: logger,
		out:    os.Stdout,
	}
	code := rt.consume(lp, ioMu)

	hub.Publish(events.TypeShutdown, nil)
	logger.Info("shutting down", "jobs", sup.Count())
	sup.ShutdownAll()
	return code
}

// runtime bundles the pieces the consumer loop touches per event.
type runtime struct {
	sup    *jobs.Supervisor
	queue  *eventq.Queue
	bridge *bridge.Bridge
	hub    *events.Hub
	logger *slog.Logger
	out    io.Writer
}

// consume is the single-threaded main loop. It drives Next indefinitely and
// dispatches each result until a quit command or shutdown signal arrives.
func (rt *runtime) consume(lp *loop.Loop, ioMu *bridge.IOMutex) int {
	if err := rt.bridge.RequestInput(); err != nil {
		rt.logger.Error("initial input request failed", "error", err)
		return 1
	}
	fmt.Fprintln(rt.out, "hostmux ready; type 'help' for commands")

	buf := make([]byte, 256)
	for {
		res, err := lp.Next(buf, loop.WaitIndefinite)
		if err != nil {
			rt.logger.Error("loop failed", "error", err)
			return 1
		}

		switch res.Kind {
		case loop.ResultEvent:
			if done := rt.handleEvent(res.Event, ioMu); done {
				return 0
			}
		case loop.ResultJobActivity:
			// Indicator only; the detail events follow on the queue.
		case loop.ResultIdle:
			rt.logger.Debug("idle threshold reached")
			rt.hub.Publish(events.TypeIdle, nil)
		}
	}
}

func (rt *runtime) handleEvent(ev eventq.Event, ioMu *bridge.IOMutex) bool {
	switch ev.Kind {
	case eventq.KindUserInput:
		line := strings.TrimSpace(string(ev.Input))
		rt.hub.Publish(events.TypeInput, map[string]int{"bytes": len(ev.Input)})

		// Command handlers mutate the job table, so take the host-state
		// token for the duration.
		ioMu.Lock()
		quit := rt.handleCommand(line)
		ioMu.Unlock()
		if quit {
			return true
		}
		if err := rt.bridge.RequestInput(); err != nil && !errors.Is(err, bridge.ErrSignalPending) {
			rt.logger.Error("input request failed", "error", err)
		}
	case eventq.KindJobActivity:
		rt.printActivity(ev)
	case eventq.KindCustom:
		switch ev.Name {
		case "shutdown":
			rt.logger.Info("shutdown requested", "via", ev.Args)
			return true
		case bridge.EventInputClosed:
			rt.logger.Info("input closed, shutting down", "reason", ev.Args)
			return true
		}
		fmt.Fprintf(rt.out, "event %s %s\n", ev.Name, ev.Args)
	case eventq.KindDeferred:
		rt.logger.Debug("deferred event", "payload", ev.Payload)
	}
	return false
}

func (rt *runtime) printActivity(ev eventq.Event) {
	if len(ev.Stdout) > 0 {
		fmt.Fprintf(rt.out, "[job %d] %s", ev.JobID, ensureNewline(ev.Stdout))
	}
	if len(ev.Stderr) > 0 {
		fmt.Fprintf(rt.out, "[job %d!] %s", ev.JobID, ensureNewline(ev.Stderr))
	}
	if len(ev.Stdout) == 0 && len(ev.Stderr) == 0 {
		fmt.Fprintf(rt.out, "[job %d] exited\n", ev.JobID)
	}
}

func ensureNewline(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return string(b)
	}
	return string(b) + "\n"
}

// handleCommand runs one line from stdin. Returns true to quit.
func (rt *runtime) handleCommand(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "start":
		if len(fields) < 2 {
			fmt.Fprintln(rt.out, "usage: start <name> [argv...]")
			return false
		}
		name := fields[1]
		argv := fields[1:]
		if len(fields) > 2 {
			argv = fields[2:]
		}
		id, err := rt.sup.Start(name, argv)
		if err != nil {
			fmt.Fprintf(rt.out, "start failed: %v\n", err)
			return false
		}
		fmt.Fprintf(rt.out, "started job %d (%s)\n", id, name)

	case "write":
		if len(fields) < 3 {
			fmt.Fprintln(rt.out, "usage: write <id> <text>")
			return false
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintf(rt.out, "bad job id %q\n", fields[1])
			return false
		}
		text := strings.Join(fields[2:], " ") + "\n"
		if err := rt.sup.Write(id, []byte(text)); err != nil {
			fmt.Fprintf(rt.out, "write failed: %v\n", err)
		}

	case "stop":
		if len(fields) != 2 {
			fmt.Fprintln(rt.out, "usage: stop <id>")
			return false
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintf(rt.out, "bad job id %q\n", fields[1])
			return false
		}
		if err := rt.sup.Stop(id); err != nil {
			fmt.Fprintf(rt.out, "stop failed: %v\n", err)
		} else {
			fmt.Fprintf(rt.out, "stopping job %d\n", id)
		}

	case "jobs":
		snapshot := rt.sup.Snapshot()
		if len(snapshot) == 0 {
			fmt.Fprintln(rt.out, "no jobs")
			return false
		}
		for _, info := range snapshot {
			fmt.Fprintf(rt.out, "%3d  %-10s pid=%-7d %-8s out=%d err=%d pending=%d\n",
				info.ID, info.Name, info.PID, info.State,
				info.StdoutBuffered, info.StderrBuffered, info.PendingWrites)
		}

	case "emit":
		if len(fields) < 2 {
			fmt.Fprintln(rt.out, "usage: emit <name> [args]")
			return false
		}
		rt.queue.Push(eventq.Custom(fields[1], strings.Join(fields[2:], " ")))

	case "help":
		fmt.Fprintln(rt.out, "commands: start, write, stop, jobs, emit, quit")

	case "quit", "exit":
		return true

	default:
		fmt.Fprintf(rt.out, "unknown command %q; type 'help'\n", fields[0])
	}
	return false
}

// multiNotifier fans one activity record out to several sinks.
type multiNotifier []jobs.Notifier

func (m multiNotifier) JobActivity(id int, name string, stdout, stderr []byte) {
	for _, n := range m {
		n.JobActivity(id, name, stdout, stderr)
	}
}

// stdinSource adapts os.Stdin's blocking line reads to the bounded-wait
// CheckInput contract. A background scanner feeds lines into a channel; a
// bounded wait then becomes a select against a timer.
type stdinSource struct {
	lines chan []byte
}

func newStdinSource(r io.Reader) *stdinSource {
	s := &stdinSource{lines: make(chan []byte, 4)}
	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			s.lines <- line
		}
	}()
	return s
}

func (s *stdinSource) CheckInput(p []byte, wait time.Duration) (int, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case line, ok := <-s.lines:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, line), nil
	case <-timer.C:
		return 0, nil
	}
}

// pacerSource is the loop's input source when the bridge owns stdin: it only
// paces the cycle, never delivering bytes itself.
type pacerSource struct{}

func (pacerSource) CheckInput(_ []byte, wait time.Duration) (int, error) {
	time.Sleep(wait)
	return 0, nil
}
