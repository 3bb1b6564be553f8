// Package sensor implements the orientation feed for sessions whose device
// events arrive over the websocket gateway.
package sensor

import (
	"sync"

	"github.com/ent0n29/livegate/internal/liveness"
)

// Hub fans orientation samples out to subscribers. It keeps no history:
// delivery is push-only at whatever cadence the client produces, and the
// most recent sample wins downstream.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(liveness.SensorSample)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]func(liveness.SensorSample))}
}

// Subscribe registers fn for every future sample and returns a cancel
// function. Cancelling twice is safe.
func (h *Hub) Subscribe(fn func(liveness.SensorSample)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers one sample to every current subscriber.
func (h *Hub) Publish(sample liveness.SensorSample) {
	h.mu.Lock()
	fns := make([]func(liveness.SensorSample), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(sample)
	}
}
