//
//
// Package bus is the in-process publish/subscribe hub that decouples the
// control core from everything that observes it.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the number of events retained for replay.
const DefaultCapacity = 1000

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block for long.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to handlers registered by type. Construct one with
// New and pass it to every component.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	all      []subscription
	nextID   uint64

	ring   *Ring
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a bus retaining up to capacity events.
func New(capacity int, logger zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		handlers: make(map[Type][]subscription),
		ring:     NewRing(capacity),
		logger:   logger,
	}
}

// Subscribe registers h for events of type t. The returned function
// removes the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[t] = remove(b.handlers[t], id)
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish records e in the ring and invokes every matching handler
// synchronously. A panicking handler is logged and skipped; the remaining
// handlers still run. The stamped event is returned.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e = b.ring.add(e)

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.handlers[e.Type])+len(b.all))
	targets = append(targets, b.handlers[e.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(s, e)
	}
	return e
}

func (b *Bus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(e.Type)).
				Uint64("subscription", s.id).
				Str("panic", fmt.Sprint(r)).
				Msg("Event handler panicked")
		}
	}()
	s.handler(e)
}

// PublishAsync publishes e on a new goroutine and returns immediately.
func (b *Bus) PublishAsync(e Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Publish(e)
	}()
}

// Emit is shorthand for Publish(NewEvent(t, data)).
func (b *Bus) Emit(t Type, data map[string]interface{}) Event {
	return b.Publish(NewEvent(t, data))
}

// Wait blocks until every PublishAsync dispatch has finished.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Recent returns up to limit of the newest events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	return b.ring.Recent(limit)
}

// RecentOfType returns up to limit of the newest events of type t.
func (b *Bus) RecentOfType(t Type, limit int) []Event {
	var out []Event
	for _, e := range b.ring.Recent(0) {
		if e.Type == t {
			out = append(out, e)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out
}

// After returns retained events newer than seq, for stream resume.
func (b *Bus) After(seq int64) []Event {
	return b.ring.After(seq)
}

// Ring exposes the retention buffer.
func (b *Bus) Ring() *Ring {
	return b.ring
}
