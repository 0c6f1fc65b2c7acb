// Package bus carries orchestration events between components in
// process: successions, wave changes, and run lifecycle notices.
package bus

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	EventSuccession   = "succession"
	EventWaveChange   = "wave_change"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventAgentDone    = "agent_done"
)

// Event is one orchestration notice.
type Event struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the side components publish on.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Slow subscribers drop events
// rather than blocking publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: map[chan Event]struct{}{}}
}

// Subscribe returns a buffered channel receiving future events.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber, stamping the time if
// unset. Full subscriber buffers are skipped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
