// Package eventbus implements the engine's bounded, in-memory event
// queue: a non-blocking FIFO that round probes and the submission
// service publish into, and the event dispatcher drains.
package eventbus

import (
	"sync"

	"github.com/arenactf/engine/internal/model"
)

// Bus is a bounded FIFO queue of events. Put never blocks: a full bus
// drops the event and reports it via Dropped. Many producers may call
// Put concurrently; DrainAll is meant for a single consumer.
type Bus struct {
	ch chan model.Event

	mu      sync.Mutex
	dropped int64
}

// New creates a Bus with the given channel capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{ch: make(chan model.Event, capacity)}
}

// Put enqueues an event without blocking. It reports false if the bus
// is full, in which case the event is dropped.
func (b *Bus) Put(e model.Event) bool {
	select {
	case b.ch <- e:
		return true
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return false
	}
}

// TryGet pops a single event without blocking. ok is false if the bus
// is currently empty.
func (b *Bus) TryGet() (e model.Event, ok bool) {
	select {
	case e = <-b.ch:
		return e, true
	default:
		return model.Event{}, false
	}
}

// DrainAll removes and returns every event currently queued, in FIFO
// order. It never blocks: once the channel reports empty, it stops.
func (b *Bus) DrainAll() []model.Event {
	var batch []model.Event
	for {
		e, ok := b.TryGet()
		if !ok {
			return batch
		}
		batch = append(batch, e)
	}
}

// Len reports the number of events currently queued.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Dropped reports how many events have been dropped because the bus
// was full at Put time.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
