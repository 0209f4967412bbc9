//
//
package bus

import "sync"

// Ring keeps the most recent events in a fixed-size circular buffer.
type Ring struct {
	mu     sync.RWMutex
	events []Event
	head   int
	size   int
	next   int64
}

// NewRing creates a ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{events: make([]Event, capacity), next: 1}
}

// add assigns the next sequence number to e and stores it, evicting the
// oldest event when full.
func (r *Ring) add(e Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.Seq = r.next
	r.next++

	idx := (r.head + r.size) % len(r.events)
	r.events[idx] = e
	if r.size < len(r.events) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.events)
	}
	return e
}

// snapshot returns the retained events oldest first.
func (r *Ring) snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.events[(r.head+i)%len(r.events)]
	}
	return out
}

// Recent returns up to limit of the newest events, oldest first. A limit
// of zero or less returns everything retained.
func (r *Ring) Recent(limit int) []Event {
	all := r.snapshot()
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

// After returns retained events with Seq greater than seq.
func (r *Ring) After(seq int64) []Event {
	var out []Event
	for _, e := range r.snapshot() {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Capacity returns the maximum number of retained events.
func (r *Ring) Capacity() int {
	return len(r.events)
}

// Size returns the number of retained events.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
