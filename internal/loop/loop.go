// Package loop multiplexes the host's blocking read primitive with job
// descriptor polling and queued events. A single consumer calls Next in its
// main loop; bounded waits pass straight through to the host, while an
// indefinite wait turns into a fixed-interval cycle that keeps jobs serviced
// and surfaces idleness exactly once per quiet stretch.
package loop

import (
	"log/slog"
	"time"

	"github.com/hostmux/hostmux/internal/eventq"
	"github.com/hostmux/hostmux/internal/jobs"
	"github.com/hostmux/hostmux/internal/log"
)

//go:generate mockgen -destination=mocks/mock_input.go -package=mocks github.com/hostmux/hostmux/internal/loop InputSource

// InputSource is the bounded-wait host read primitive the loop multiplexes.
// CheckInput fills p with up to len(p) bytes, waiting at most wait; 0 bytes
// means the wait expired with nothing to read.
type InputSource interface {
	CheckInput(p []byte, wait time.Duration) (int, error)
}

// JobTable is the slice of the supervisor the loop drives each cycle.
type JobTable interface {
	Poll() bool
	Reap(sink jobs.Notifier)
	Count() int
}

// WaitIndefinite makes Next cycle until something happens instead of
// forwarding a bounded wait. Any negative wait is treated the same way.
const WaitIndefinite time.Duration = -1

const (
	// DefaultInterval is the slice length of one indefinite-wait cycle.
	DefaultInterval = 100 * time.Millisecond
	// DefaultIdleThreshold is how long the loop stays quiet before it
	// reports idleness to the consumer.
	DefaultIdleThreshold = 4 * time.Second
)

// ResultKind says what Next came back with.
type ResultKind int

const (
	// ResultInput means host input was read into the caller's buffer.
	ResultInput ResultKind = iota
	// ResultEvent carries one event drained from the queue.
	ResultEvent
	// ResultJobActivity means a job produced output or died this cycle;
	// the detail events are already on the queue.
	ResultJobActivity
	// ResultIdle is the once-per-quiet-stretch idleness indicator.
	ResultIdle
	// ResultTimeout means a bounded wait expired with nothing to deliver.
	ResultTimeout
)

func (k ResultKind) String() string {
	switch k {
	case ResultInput:
		return "input"
	case ResultEvent:
		return "event"
	case ResultJobActivity:
		return "job-activity"
	case ResultIdle:
		return "idle"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is what one call to Next produced.
type Result struct {
	Kind ResultKind
	// N is the byte count read into the caller's buffer for ResultInput.
	N int
	// Event is populated for ResultEvent.
	Event eventq.Event
}

// Loop owns the multiplexing state. It is driven by exactly one goroutine.
type Loop struct {
	src    InputSource
	queue  *eventq.Queue
	table  JobTable
	tee    jobs.Notifier
	logger *slog.Logger

	interval      time.Duration
	idleThreshold time.Duration

	idle      time.Duration
	idleFired bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the indefinite-wait cycle length.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithIdleThreshold sets how much accumulated quiet triggers ResultIdle.
// Zero disables the indicator.
func WithIdleThreshold(d time.Duration) Option {
	return func(l *Loop) {
		l.idleThreshold = d
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNotifier tees reaped job output to an additional sink (the event hub,
// the journal) besides the queue.
func WithNotifier(n jobs.Notifier) Option {
	return func(l *Loop) {
		l.tee = n
	}
}

// New builds a loop over the host source, the shared event queue, and the job
// table. table may be nil when no jobs will ever run.
func New(src InputSource, q *eventq.Queue, table JobTable, opts ...Option) *Loop {
	l := &Loop{
		src:           src,
		queue:         q,
		table:         table,
		logger:        log.WithComponent("loop"),
		interval:      DefaultInterval,
		idleThreshold: DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Next waits for the next thing the consumer should handle. A wait >= 0 is a
// plain bounded host read. A negative wait cycles indefinitely: each slice
// does a bounded host read, then services job descriptors, then drains one
// queued event, and accounts idle time when nothing happened.
func (l *Loop) Next(buf []byte, wait time.Duration) (Result, error) {
	if wait >= 0 {
		n, err := l.src.CheckInput(buf, wait)
		if err != nil {
			return Result{}, err
		}
		if n > 0 {
			return Result{Kind: ResultInput, N: n}, nil
		}
		return Result{Kind: ResultTimeout}, nil
	}

	for {
		n, err := l.src.CheckInput(buf, l.interval)
		if err != nil {
			l.logger.Error("host read failed", "error", err)
			return Result{}, err
		}
		if n > 0 {
			l.resetIdle()
			return Result{Kind: ResultInput, N: n}, nil
		}

		if l.table != nil && l.table.Count() > 0 {
			activity := l.table.Poll()
			l.table.Reap(queueNotifier{queue: l.queue, tee: l.tee})
			if activity {
				l.resetIdle()
				return Result{Kind: ResultJobActivity}, nil
			}
		}

		if ev, ok := l.queue.Pop(0); ok {
			l.resetIdle()
			return Result{Kind: ResultEvent, Event: ev}, nil
		}

		l.idle += l.interval
		if !l.idleFired && l.idleThreshold > 0 && l.idle >= l.idleThreshold {
			l.idleFired = true
			return Result{Kind: ResultIdle}, nil
		}
	}
}

func (l *Loop) resetIdle() {
	l.idle = 0
	l.idleFired = false
}

// queueNotifier turns reap notifications into queued JobActivity events so
// the consumer picks up job output through the same channel as everything
// else.
type queueNotifier struct {
	queue *eventq.Queue
	tee   jobs.Notifier
}

func (n queueNotifier) JobActivity(id int, name string, stdout, stderr []byte) {
	n.queue.Push(eventq.JobActivity(id, stdout, stderr))
	if n.tee != nil {
		n.tee.JobActivity(id, name, stdout, stderr)
	}
}
