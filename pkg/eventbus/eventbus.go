// Package eventbus provides the default in-process implementation of the
// audit.Sink collaborator: a small fan-out bus that buffers published
// events and lets callers (the shell collaborator, an IPC bridge, a test)
// drain or subscribe to them. Replaceable: any type satisfying
// audit.Sink can stand in for it.
package eventbus

import (
	"sync"

	"github.com/beam-cloud/larc/pkg/audit"
)

// Bus fans out published events to zero or more subscriber channels and
// keeps a bounded ring buffer of the most recent events for polling
// consumers (the command interface's IPC bridge, §6).
type Bus struct {
	mu          sync.Mutex
	subscribers []chan audit.Event
	ring        []audit.Event
	ringCap     int
}

// New creates a Bus retaining up to ringCap recent events for Recent().
func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 256
	}
	return &Bus{ringCap: ringCap}
}

// Publish implements audit.Sink.
func (b *Bus) Publish(ev audit.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than block the extraction path
		}
	}
}

// Subscribe returns a channel that receives every event published from
// this point on. The channel is buffered; a full channel drops events
// rather than blocking Publish.
func (b *Bus) Subscribe(buffer int) <-chan audit.Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan audit.Event, buffer)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	return ch
}

// Recent returns a snapshot of the most recently published events, oldest
// first, for callers that want to poll instead of subscribe.
func (b *Bus) Recent() []audit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]audit.Event, len(b.ring))
	copy(out, b.ring)
	return out
}
