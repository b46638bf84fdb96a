package relay

import (
	"sync"

	"github.com/dmarchetti/vela/internal/upstream"
)

// EventRelay fans upstream events out to the session's push stream. Publishing
// never blocks the upstream read loop: when the consumer falls behind and the
// buffer fills, new events are dropped. Events that do arrive are delivered in
// publish order.
type EventRelay struct {
	mu      sync.Mutex
	ch      chan upstream.Event
	closed  bool
	dropped int
}

func NewEventRelay(buffer int) *EventRelay {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventRelay{ch: make(chan upstream.Event, buffer)}
}

// Publish enqueues an event for the consumer. Returns false if the event was
// dropped because the relay is closed or the buffer is full.
func (r *EventRelay) Publish(ev upstream.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- ev:
		return true
	default:
		r.dropped++
		return false
	}
}

// Events returns the consumer side of the relay. The channel closes when the
// session reaches a terminal state.
func (r *EventRelay) Events() <-chan upstream.Event {
	return r.ch
}

// Dropped reports how many events were discarded under backpressure.
func (r *EventRelay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close is idempotent and releases the consumer.
func (r *EventRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
