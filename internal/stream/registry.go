// Package stream owns the in-memory buffers for AI turns that are
// still being generated. A buffer lives for exactly one turn: it is
// created on first Update and must be cleared when the turn ends, so
// the registry never grows with finished messages.
package stream

import "sync"

// Registry holds per-message streaming buffers keyed by message id.
type Registry struct {
	mu      sync.Mutex
	buffers map[string]*buffer
}

type buffer struct {
	text string
	subs map[int]chan string
	next int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string]*buffer)}
}

// Update appends delta to the message's buffer and fans it out to
// subscribers. Fan-out never blocks: a slow subscriber misses deltas
// but can recover the full text via Text.
func (r *Registry) Update(msgID, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.buffers[msgID]
	if b == nil {
		b = &buffer{subs: make(map[int]chan string)}
		r.buffers[msgID] = b
	}
	b.text += delta
	for _, ch := range b.subs {
		select {
		case ch <- delta:
		default:
		}
	}
}

// Text returns the accumulated text for the message, or "" if no
// buffer exists.
func (r *Registry) Text(msgID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.buffers[msgID]; b != nil {
		return b.text
	}
	return ""
}

// Subscribe returns a channel receiving future deltas for the message
// and an unsubscribe function. Subscribing creates the buffer if the
// turn has not produced text yet.
func (r *Registry) Subscribe(msgID string, bufSize int) (<-chan string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.buffers[msgID]
	if b == nil {
		b = &buffer{subs: make(map[int]chan string)}
		r.buffers[msgID] = b
	}
	ch := make(chan string, bufSize)
	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if b := r.buffers[msgID]; b != nil {
			delete(b.subs, id)
		}
	}
}

// Clear drops the message's buffer and closes all subscriber channels.
// Callers must invoke this when the turn finalizes, whether it ended
// in done or failed.
func (r *Registry) Clear(msgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.buffers[msgID]
	if b == nil {
		return
	}
	for _, ch := range b.subs {
		close(ch)
	}
	delete(r.buffers, msgID)
}

// Len reports how many turns currently hold buffers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
