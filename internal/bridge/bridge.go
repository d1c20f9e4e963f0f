// Package bridge runs the blocking host read primitive on a background
// goroutine so the single-threaded host never blocks on input itself. The
// bridge reads only when handed an explicit go-signal and deposits exactly
// one UserInput event per signal onto the event queue.
package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostmux/hostmux/internal/eventq"
	"github.com/hostmux/hostmux/internal/log"
)

// Source is the bounded-wait host read primitive. CheckInput fills p with up
// to len(p) bytes, waiting at most wait, and returns the number of bytes
// read; 0 means nothing arrived within the wait.
type Source interface {
	CheckInput(p []byte, wait time.Duration) (int, error)
}

// IOMutex is the exclusivity token for shared host state. It is held by
// exactly one actor (consumer or bridge) at any instant; the bridge releases
// it between read slices so the consumer is never starved.
type IOMutex struct {
	sync.Mutex
}

// State describes where the bridge goroutine currently is.
type State int32

const (
	// StateIdle means the goroutine is between read requests.
	StateIdle State = iota
	// StateWaiting means the goroutine is parked waiting for a go-signal.
	StateWaiting
	// StateReading means the goroutine is slicing through a host read.
	StateReading
	// StateReady means a UserInput event is being emitted.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReading:
		return "reading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrSignalPending is returned by RequestInput when a previous go-signal has
// not been consumed yet; the caller already has a read in flight.
var ErrSignalPending = errors.New("bridge: go-signal already pending")

// EventInputClosed is the Custom event name emitted when the host read
// primitive fails (EOF included). The consumer decides whether that ends the
// session; the bridge just stops the current read request.
const EventInputClosed = "input.closed"

const (
	defaultReadSlice = 100 * time.Millisecond
	defaultMaxRead   = 256
)

// Bridge owns the background input-reading goroutine.
type Bridge struct {
	src    Source
	queue  *eventq.Queue
	io     *IOMutex
	logger *slog.Logger

	readSlice time.Duration
	maxRead   int

	// goCh holds at most one pending go-signal. A signal sent before the
	// goroutine reaches its receive is retained, so the
	// no-UserInput-without-go-signal ordering holds without any spin-wait
	// handoff.
	goCh  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	state atomic.Int32

	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithReadSlice bounds each individual host read (default 100ms).
func WithReadSlice(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.readSlice = d
		}
	}
}

// WithMaxRead sets the per-event read buffer size.
func WithMaxRead(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxRead = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge over src that deposits UserInput events onto q. The
// shared io token must be the same one the consumer holds while touching
// host state.
func New(src Source, q *eventq.Queue, io *IOMutex, opts ...Option) *Bridge {
	b := &Bridge{
		src:       src,
		queue:     q,
		io:        io,
		logger:    log.WithComponent("bridge"),
		readSlice: defaultReadSlice,
		maxRead:   defaultMaxRead,
		goCh:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the background goroutine. Safe to call once.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// RequestInput hands the bridge permission to perform one host read. The
// resulting UserInput event appears on the queue when input arrives.
func (b *Bridge) RequestInput() error {
	select {
	case b.goCh <- struct{}{}:
		return nil
	default:
		return ErrSignalPending
	}
}

// State reports the goroutine's current phase.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Close stops the goroutine and waits for it to exit. A read slice in
// progress finishes first, so Close can take up to one slice.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *Bridge) run() {
	defer close(b.done)
	defer b.state.Store(int32(StateIdle))

	buf := make([]byte, b.maxRead)
	for {
		b.state.Store(int32(StateWaiting))
		select {
		case <-b.stop:
			return
		case <-b.goCh:
		}

		b.state.Store(int32(StateReading))
		if !b.readOne(buf) {
			return
		}
		b.state.Store(int32(StateIdle))
	}
}

// readOne slices through the host read until a unit of input arrives, then
// emits it. Returns false when the bridge is shutting down.
func (b *Bridge) readOne(buf []byte) bool {
	for {
		select {
		case <-b.stop:
			return false
		default:
		}

		// Hold the host-state token only for one bounded slice.
		b.io.Lock()
		n, err := b.src.CheckInput(buf, b.readSlice)
		b.io.Unlock()

		if err != nil {
			b.logger.Warn("host read failed, dropping request", "error", err)
			b.queue.Push(eventq.Custom(EventInputClosed, err.Error()))
			return true
		}
		if n > 0 {
			b.state.Store(int32(StateReady))
			b.queue.Push(eventq.UserInput(buf[:n]))
			return true
		}
	}
}
