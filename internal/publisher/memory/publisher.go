// Package memory contains an in-memory job event notifier for tests and
// single-process runs.
package memory

import (
	"context"
	"sync"

	"github.com/Rorqualx/scrollharvest/internal/job"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []job.Event
	subs   []chan job.Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Notify records the event and fans it out to subscribers. Slow subscribers
// miss events rather than block the caller.
func (p *Publisher) Notify(_ context.Context, ev job.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving every event published after the call.
func (p *Publisher) Subscribe(buffer int) <-chan job.Event {
	ch := make(chan job.Event, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Events returns the recorded events.
func (p *Publisher) Events() []job.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]job.Event, len(p.events))
	copy(out, p.events)
	return out
}
