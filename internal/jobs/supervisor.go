// Package jobs supervises a bounded set of concurrently running child
// processes. Standard streams are multiplexed without blocking: the
// supervisor is driven entirely by the thread calling Poll/Reap and never
// waits on child I/O, no matter how the children behave.
package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostmux/hostmux/internal/log"
)

const (
	// DefaultMaxJobs bounds the job table.
	DefaultMaxJobs = 5
	// DefaultBufferSize is the per-stream read buffer capacity.
	DefaultBufferSize = 4096
	// DefaultTermAfterCycles is the poll cycle (counted from Stop) at
	// which stdin is closed and SIGTERM sent.
	DefaultTermAfterCycles = 1
	// DefaultKillAfterCycles is the poll cycle at which a survivor gets
	// SIGKILL. At the 100ms poll interval the default is ~2.4s of grace.
	DefaultKillAfterCycles = 25
	// DefaultShutdownGrace is the single bounded wait ShutdownAll allows
	// between SIGTERM and SIGKILL.
	DefaultShutdownGrace = 300 * time.Millisecond
)

var (
	// ErrInvalidJob is returned for ids that name no live job.
	ErrInvalidJob = errors.New("jobs: invalid job id")
	// ErrTableFull is returned by Start when every slot is occupied.
	ErrTableFull = errors.New("jobs: job table full")
)

// Config tunes the supervisor. Zero values fall back to the defaults.
type Config struct {
	MaxJobs         int
	BufferSize      int
	TermAfterCycles int
	KillAfterCycles int
	ShutdownGrace   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.TermAfterCycles <= 0 {
		c.TermAfterCycles = DefaultTermAfterCycles
	}
	if c.KillAfterCycles <= c.TermAfterCycles {
		c.KillAfterCycles = c.TermAfterCycles + DefaultKillAfterCycles
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Notifier receives one activity record per job with buffered output or a
// dead process, emitted by Reap.
type Notifier interface {
	JobActivity(id int, name string, stdout, stderr []byte)
}

// Recorder receives job lifecycle transitions. All methods are optional
// side-channels (journal, event hub); errors are the implementor's problem.
type Recorder interface {
	JobStarted(id, pid int, name string, argv []string)
	JobSignaled(id int, signal string)
	JobExited(id, exitCode int)
}

// writeChunk is one queued stdin payload with a flush cursor. A chunk is
// discarded only once fully written; partial writes advance pos.
type writeChunk struct {
	data []byte
	pos  int
}

type jobState int

const (
	stateRunning jobState = iota
	stateStopping
	stateDead
)

func (s jobState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateDead:
		return "dead"
	default:
		return "unknown"
	}
}

type job struct {
	id   int
	name string
	argv []string
	pid  int

	stdin  int // parent write end, -1 once closed
	stdout int // parent read end
	stderr int // parent read end

	state      jobState
	stopCycles int // poll cycles since Stop
	termSent   bool
	killSent   bool

	outBuf []byte // len = fill cursor, cap = capacity C
	errBuf []byte
	outEOF bool
	errEOF bool

	pending []*writeChunk

	exited       bool
	exitRecorded bool
	exitCode     int
}

func (j *job) alive() bool {
	return !j.exited && unix.Kill(j.pid, 0) == nil
}

// Supervisor owns the fixed-capacity job table. Descriptor I/O is
// single-threaded by contract; the mutex only protects table bookkeeping
// against snapshot readers.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	mu    sync.Mutex
	table []*job
	count int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder attaches a lifecycle recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) {
		s.recorder = r
	}
}

// New creates a supervisor with an empty table.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("jobs"),
	}
	s.table = make([]*job, s.cfg.MaxJobs)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns argv[0] with its standard streams piped and records it in the
// first free table slot. Returns the job id (1-based), or 0 with
// ErrTableFull when no slot is free or 0 with the underlying error when the
// spawn fails; a failed spawn leaves the table unchanged.
func (s *Supervisor) Start(name string, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("jobs: empty argv")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := -1
	for i, j := range s.table {
		if j == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, ErrTableFull
	}

	j, err := spawn(name, argv)
	if err != nil {
		return 0, err
	}
	j.id = slot + 1
	j.outBuf = make([]byte, 0, s.cfg.BufferSize)
	j.errBuf = make([]byte, 0, s.cfg.BufferSize)

	s.table[slot] = j
	s.count++

	s.logger.Info("job started", "job_id", j.id, "name", name, "pid", j.pid)
	if s.recorder != nil {
		s.recorder.JobStarted(j.id, j.pid, name, argv)
	}
	return j.id, nil
}

// spawn creates the three pipes and the child process. All parent-side ends
// are non-blocking and close-on-exec; the child sees only its own stdio.
func spawn(name string, argv []string) (*job, error) {
	var in, out, errp [2]int
	pipes := [][2]int{}
	closeAll := func() {
		for _, p := range pipes {
			unix.Close(p[0])
			unix.Close(p[1])
		}
	}

	for _, target := range []*[2]int{&in, &out, &errp} {
		if err := unix.Pipe2(target[:], unix.O_CLOEXEC); err != nil {
			closeAll()
			return nil, fmt.Errorf("create pipe: %w", err)
		}
		pipes = append(pipes, *target)
	}

	for _, fd := range []int{in[1], out[0], errp[0]} {
		if err := unix.SetNonblock(fd, true); err != nil {
			closeAll()
			return nil, fmt.Errorf("set nonblocking: %w", err)
		}
	}

	// Child-side ends as *os.File so os/exec dup2s them onto the child's
	// stdio. The dup clears close-on-exec for exactly those three.
	childIn := os.NewFile(uintptr(in[0]), "|0")
	childOut := os.NewFile(uintptr(out[1]), "|1")
	childErr := os.NewFile(uintptr(errp[1]), "|2")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = childErr

	err := cmd.Start()

	// Parent never uses the child ends again, spawned or not.
	childIn.Close()
	childOut.Close()
	childErr.Close()

	if err != nil {
		unix.Close(in[1])
		unix.Close(out[0])
		unix.Close(errp[0])
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	return &job{
		name:   name,
		argv:   append([]string(nil), argv...),
		pid:    cmd.Process.Pid,
		stdin:  in[1],
		stdout: out[0],
		stderr: errp[0],
		state:  stateRunning,
	}, nil
}

// Write queues data for asynchronous delivery to the job's stdin. It never
// blocks; delivery happens across subsequent Poll cycles.
func (s *Supervisor) Write(id int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.lookup(id)
	if err != nil {
		return err
	}
	j.pending = append(j.pending, &writeChunk{data: append([]byte(nil), data...)})
	return nil
}

// Stop marks the job for graduated termination. Nothing is signaled here;
// escalation is driven by subsequent Poll cycles and never resets.
func (s *Supervisor) Stop(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.lookup(id)
	if err != nil {
		return err
	}
	if j.state == stateRunning {
		j.state = stateStopping
		j.stopCycles = 0
		s.logger.Info("job stopping", "job_id", id, "pid", j.pid)
	}
	return nil
}

func (s *Supervisor) lookup(id int) (*job, error) {
	if id <= 0 || id > len(s.table) || s.table[id-1] == nil {
		return nil, ErrInvalidJob
	}
	return s.table[id-1], nil
}

// Poll is the central non-blocking multiplexing step, meant to run once per
// poll-loop interval. Stopping jobs advance their kill countdown; live jobs
// have their descriptors checked for readiness with zero wait. Read-interest
// is registered only while the stream buffer has free capacity, so a full
// buffer flow-controls the child. Returns whether any I/O happened.
func (s *Supervisor) Poll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return false
	}

	type want struct {
		j     *job
		write bool
	}

	var fds []unix.PollFd
	var owners []want

	add := func(j *job, fd int, events int16, write bool) {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		owners = append(owners, want{j: j, write: write})
	}

	for _, j := range s.table {
		if j == nil {
			continue
		}
		if j.state == stateStopping {
			s.escalate(j)
			continue
		}
		if j.pending != nil && j.stdin >= 0 {
			add(j, j.stdin, unix.POLLOUT, true)
		}
		if !j.outEOF && len(j.outBuf) < cap(j.outBuf) {
			add(j, j.stdout, unix.POLLIN, false)
		}
		if !j.errEOF && len(j.errBuf) < cap(j.errBuf) {
			add(j, j.stderr, unix.POLLIN, false)
		}
	}

	if len(fds) == 0 {
		return false
	}

	n, err := unix.Poll(fds, 0)
	if err != nil {
		if err != unix.EINTR {
			s.logger.Error("job descriptor poll failed", "error", err)
		}
		return false
	}
	if n <= 0 {
		return false
	}

	activity := false
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		j := owners[i].j
		if owners[i].write {
			if s.flushPending(j) {
				activity = true
			}
			continue
		}
		if s.fillBuffer(j, int(pfd.Fd)) {
			activity = true
		}
	}
	return activity
}

// escalate advances the graduated-termination countdown for one job by one
// poll cycle. The counter only moves toward termination.
func (s *Supervisor) escalate(j *job) {
	j.stopCycles++
	switch {
	case j.stopCycles == s.cfg.TermAfterCycles && !j.termSent:
		j.termSent = true
		s.closeStdin(j)
		s.signal(j, unix.SIGTERM, "TERM")
	case j.stopCycles == s.cfg.KillAfterCycles && !j.killSent:
		if j.alive() {
			j.killSent = true
			s.signal(j, unix.SIGKILL, "KILL")
		}
	}
}

func (s *Supervisor) signal(j *job, sig unix.Signal, name string) {
	if err := unix.Kill(j.pid, sig); err != nil && err != unix.ESRCH {
		s.logger.Warn("signal failed", "job_id", j.id, "signal", name, "error", err)
		return
	}
	s.logger.Info("job signaled", "job_id", j.id, "signal", name, "pid", j.pid)
	if s.recorder != nil {
		s.recorder.JobSignaled(j.id, name)
	}
}

func (s *Supervisor) closeStdin(j *job) {
	if j.stdin >= 0 {
		unix.Close(j.stdin)
		j.stdin = -1
		j.pending = nil
	}
}

// fillBuffer reads whatever the descriptor has into the matching bounded
// buffer. Partial reads just advance the fill cursor.
func (s *Supervisor) fillBuffer(j *job, fd int) bool {
	var buf *[]byte
	var eof *bool
	if fd == j.stdout {
		buf, eof = &j.outBuf, &j.outEOF
	} else {
		buf, eof = &j.errBuf, &j.errEOF
	}

	free := (*buf)[len(*buf):cap(*buf)]
	n, err := unix.Read(fd, free)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return false
	case err != nil:
		s.logger.Warn("job read failed", "job_id", j.id, "error", err)
		*eof = true
		return false
	case n == 0:
		*eof = true
		return false
	default:
		*buf = (*buf)[:len(*buf)+n]
		return true
	}
}

// flushPending writes as much queued stdin data as the pipe accepts. The
// front chunk's cursor survives partial writes; a chunk is dropped only when
// fully delivered.
func (s *Supervisor) flushPending(j *job) bool {
	wrote := false
	for len(j.pending) > 0 {
		chunk := j.pending[0]
		n, err := unix.Write(j.stdin, chunk.data[chunk.pos:])
		if err == unix.EAGAIN || err == unix.EINTR {
			break
		}
		if err != nil {
			// Broken pipe and friends: the child stopped reading.
			// Drop the backlog; exit handling happens in Reap.
			s.logger.Warn("job write failed", "job_id", j.id, "error", err)
			s.closeStdin(j)
			break
		}
		if n > 0 {
			wrote = true
		}
		chunk.pos += n
		if chunk.pos < len(chunk.data) {
			break
		}
		j.pending = j.pending[1:]
		if len(j.pending) == 0 {
			j.pending = nil
		}
	}
	return wrote
}

// Reap emits one activity record per job that has buffered output or a dead
// process, then releases dead jobs. A dead job with buffered data always
// gets its final notification before its exit is recorded and the slot is
// freed.
func (s *Supervisor) Reap(sink Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.table {
		if j == nil {
			continue
		}
		s.checkExited(j)
		if j.exited {
			// The pipes may still hold output written just before
			// death; collect it so the final notification is whole.
			s.drainExited(j, sink)
		}

		if !j.exited && len(j.outBuf) == 0 && len(j.errBuf) == 0 {
			continue
		}

		if sink != nil {
			sink.JobActivity(j.id, j.name, j.outBuf, j.errBuf)
		}
		j.outBuf = j.outBuf[:0]
		j.errBuf = j.errBuf[:0]

		if j.exited {
			s.recordExit(j)
			s.release(i)
		}
	}
}

// drainExited empties what the dead child left in its pipes. When a stream
// buffer fills mid-drain the current contents are flushed to the sink so
// nothing is truncated.
func (s *Supervisor) drainExited(j *job, sink Notifier) {
	for {
		progress := false
		for !j.outEOF && len(j.outBuf) < cap(j.outBuf) && s.fillBuffer(j, j.stdout) {
			progress = true
		}
		for !j.errEOF && len(j.errBuf) < cap(j.errBuf) && s.fillBuffer(j, j.stderr) {
			progress = true
		}
		full := len(j.outBuf) == cap(j.outBuf) || len(j.errBuf) == cap(j.errBuf)
		if full && sink != nil {
			sink.JobActivity(j.id, j.name, j.outBuf, j.errBuf)
			j.outBuf = j.outBuf[:0]
			j.errBuf = j.errBuf[:0]
			continue
		}
		if !progress {
			return
		}
	}
}

// checkExited reaps the child with a non-blocking wait so exit detection
// never stalls the caller.
func (s *Supervisor) checkExited(j *job) {
	if j.exited {
		return
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(j.pid, &ws, unix.WNOHANG, nil)
	if err != nil || pid != j.pid {
		return
	}
	j.exited = true
	j.state = stateDead
	switch {
	case ws.Exited():
		j.exitCode = ws.ExitStatus()
	case ws.Signaled():
		j.exitCode = 128 + int(ws.Signal())
	}
	s.logger.Info("job exited", "job_id", j.id, "pid", j.pid, "exit_code", j.exitCode)
}

// recordExit fires the lifecycle recorder once per job, strictly after the
// final activity notification so recorders that key run state off the exit
// still see the last output.
func (s *Supervisor) recordExit(j *job) {
	if j.exitRecorded {
		return
	}
	j.exitRecorded = true
	if s.recorder != nil {
		s.recorder.JobExited(j.id, j.exitCode)
	}
}

// release closes descriptors and frees the slot. Caller holds the lock.
func (s *Supervisor) release(slot int) {
	j := s.table[slot]
	s.closeStdin(j)
	unix.Close(j.stdout)
	unix.Close(j.stderr)
	s.table[slot] = nil
	s.count--
}

// ShutdownAll terminates every live job: stdin closed and SIGTERM sent to
// all, one bounded grace wait, SIGKILL for survivors, then unconditional
// release of every slot. The table is empty when it returns.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.table {
		if j == nil {
			continue
		}
		s.checkExited(j)
		if j.exited {
			continue
		}
		s.closeStdin(j)
		s.signal(j, unix.SIGTERM, "TERM")
	}

	graceWaited := false
	for i, j := range s.table {
		if j == nil {
			continue
		}
		s.checkExited(j)
		if !j.exited {
			if !graceWaited {
				time.Sleep(s.cfg.ShutdownGrace)
				graceWaited = true
				s.checkExited(j)
			}
			if !j.exited {
				s.signal(j, unix.SIGKILL, "KILL")
				// SIGKILL is prompt; a blocking reap here cannot hang.
				var ws unix.WaitStatus
				_, _ = unix.Wait4(j.pid, &ws, 0, nil)
				j.exited = true
				j.state = stateDead
				j.exitCode = 128 + int(unix.SIGKILL)
			}
		}
		s.recordExit(j)
		s.release(i)
	}
}

// Count returns the number of occupied slots.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// JobInfo is a point-in-time view of one table slot for introspection.
type JobInfo struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	PID            int      `json:"pid"`
	State          string   `json:"state"`
	Argv           []string `json:"argv"`
	StdoutBuffered int      `json:"stdout_buffered"`
	StderrBuffered int      `json:"stderr_buffered"`
	PendingWrites  int      `json:"pending_writes"`
}

// Snapshot returns the live job table for status reporting.
func (s *Supervisor) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, s.count)
	for _, j := range s.table {
		if j == nil {
			continue
		}
		out = append(out, JobInfo{
			ID:             j.id,
			Name:           j.name,
			PID:            j.pid,
			State:          j.state.String(),
			Argv:           append([]string(nil), j.argv...),
			StdoutBuffered: len(j.outBuf),
			StderrBuffered: len(j.errBuf),
			PendingWrites:  len(j.pending),
		})
	}
	return out
}
