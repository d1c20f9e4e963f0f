// Package events fans job lifecycle and loop notifications out to observers
// (the API's SSE stream, the journal) without ever blocking the single
// consumer thread that produces them.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the runtime.
const (
	TypeJobStarted  = "job.started"
	TypeJobOutput   = "job.output"
	TypeJobSignaled = "job.signaled"
	TypeJobExited   = "job.exited"
	TypeInput       = "input.received"
	TypeIdle        = "loop.idle"
	TypeShutdown    = "shutdown"
)

// Event is one published notification. Data is a JSON encoding of the typed
// payload structs below.
type Event struct {
	Seq  int64           `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload for job lifecycle types.
type JobEvent struct {
	ID       int    `json:"id"`
	Name     string `json:"name,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Signal   string `json:"signal,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// OutputEvent is the payload for TypeJobOutput.
type OutputEvent struct {
	ID     int    `json:"id"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Hub is an in-memory pub/sub with a bounded replay ring for observers that
// attach late. Publishing never blocks: a subscriber that cannot keep up
// loses events rather than stalling the producer.
type Hub struct {
	seq atomic.Int64

	mu      sync.Mutex
	ring    []Event
	start   int
	size    int
	subs    map[int]chan Event
	nextSub int
}

const defaultRing = 256

// NewHub creates a hub retaining the last capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultRing
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish encodes payload and delivers the event to the ring and every
// current subscriber.
func (h *Hub) Publish(eventType string, payload any) {
	data := json.RawMessage("{}")
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	ev := Event{
		Seq:  h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	}

	h.mu.Lock()
	h.retain(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers an observer. The returned cancel must be called when
// the observer goes away; it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Replay returns retained events with Seq > since, oldest first. since == 0
// returns everything still in the ring.
func (h *Hub) Replay(since int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) retain(ev Event) {
	n := len(h.ring)
	if n == 0 {
		return
	}
	if h.size < n {
		h.ring[(h.start+h.size)%n] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % n
}
