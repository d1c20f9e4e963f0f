// Package eventq provides the FIFO mailbox that bridges background
// producers (input bridge, job supervisor, custom triggers) to the single
// consumer driving the poll loop.
package eventq

import (
	"sync"
	"time"
)

// Kind discriminates the event variants carried by the queue.
type Kind int

const (
	// KindUserInput is a unit of host input read by the input bridge.
	KindUserInput Kind = iota
	// KindCustom is a user-defined out-of-band event.
	KindCustom
	// KindDeferred is a call payload to be executed by the consumer.
	KindDeferred
	// KindJobActivity is buffered stdout/stderr from a supervised job.
	KindJobActivity
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindCustom:
		return "custom"
	case KindDeferred:
		return "deferred"
	case KindJobActivity:
		return "job_activity"
	default:
		return "unknown"
	}
}

// Event is a single notification unit. Events are immutable once created
// and are consumed exactly once.
type Event struct {
	Kind Kind

	// Input holds the bytes read from the host primitive (KindUserInput).
	Input []byte

	// Name and Args identify a custom event (KindCustom).
	Name string
	Args string

	// Payload is an opaque deferred-call payload (KindDeferred).
	Payload any

	// JobID plus captured stream bytes (KindJobActivity).
	JobID  int
	Stdout []byte
	Stderr []byte
}

// UserInput builds a KindUserInput event, copying the buffer.
func UserInput(data []byte) Event {
	return Event{Kind: KindUserInput, Input: append([]byte(nil), data...)}
}

// Custom builds a KindCustom event.
func Custom(name, args string) Event {
	return Event{Kind: KindCustom, Name: name, Args: args}
}

// Deferred builds a KindDeferred event.
func Deferred(payload any) Event {
	return Event{Kind: KindDeferred, Payload: payload}
}

// JobActivity builds a KindJobActivity event, copying both buffers.
func JobActivity(jobID int, stdout, stderr []byte) Event {
	return Event{
		Kind:   KindJobActivity,
		JobID:  jobID,
		Stdout: append([]byte(nil), stdout...),
		Stderr: append([]byte(nil), stderr...),
	}
}

// WaitForever makes Pop block until an event arrives.
const WaitForever time.Duration = -1

// Queue is a thread-safe FIFO. Push never blocks and is safe for multiple
// concurrent producers; Pop serves the single logical consumer.
type Queue struct {
	mu    sync.Mutex
	items []Event

	// ready carries at most one wakeup token. Push deposits it without
	// blocking; Pop drains it before re-checking the queue, so a stale
	// token costs one extra loop iteration, never a lost event.
	ready chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends an event at the tail and wakes a blocked consumer.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head event in FIFO order.
//
// timeout < 0 (WaitForever) blocks until an event exists, timeout == 0 is a
// non-blocking check, timeout > 0 waits at most that long. The second return
// is false when the wait expired with nothing available.
func (q *Queue) Pop(timeout time.Duration) (Event, bool) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		if ev, ok := q.take(); ok {
			return ev, true
		}
		if timeout == 0 {
			return Event{}, false
		}
		if timeout < 0 {
			<-q.ready
			continue
		}
		select {
		case <-q.ready:
		case <-expire:
			// Last look: a push may have raced the timer.
			return q.take()
		}
	}
}

// Peek reports whether the queue is non-empty without consuming anything.
func (q *Queue) Peek() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) take() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Drop the drained backing array so head/tail reset together.
		q.items = nil
	}
	return ev, true
}
