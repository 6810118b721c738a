package liveness

import (
	"sync"
	"time"
)

// DefaultTTL is how long a heartbeat keeps a device connected.
const DefaultTTL = 60 * time.Second

// Record is one device's presence entry.
type Record struct {
	ID       string    `json:"device_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// Connected reports whether the record was refreshed within ttl of now.
// The boundary is inclusive: a heartbeat exactly ttl old still counts.
func (r Record) Connected(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastSeen) <= ttl
}

// Status is a record annotated with its derived connectivity.
type Status struct {
	Record
	Connected bool `json:"connected"`
}

// EventType identifies a registry change.
type EventType string

// Registry event types.
const (
	EventPresence EventType = "device.presence"
	EventRemoved  EventType = "device.pruned"
)

// Event describes a registry change delivered to listeners.
//
// Seq is assigned under the registry lock and increases with every change,
// so it gives the commit order even when listeners see events out of it.
type Event struct {
	Type    EventType `json:"type"`
	Record  Record    `json:"record"`
	Created bool      `json:"created,omitempty"`
	Seq     uint64    `json:"seq"`
}

// Listener receives registry events. It is called outside the registry
// lock, on the goroutine that made the change, and must not block.
// Concurrent changes may arrive out of commit order; wrap listeners that
// keep per-device state with InOrder.
type Listener func(Event)

// Ordered passes on an event only if it is newer than the last one
// delivered for the same device. Events with a zero Seq always pass.
// The zero value is ready to use.
type Ordered struct {
	mu   sync.Mutex
	last map[string]uint64
}

// Deliver calls fn with ev unless a later event for ev's device has
// already been delivered. fn runs under the Ordered lock and must not
// block. Returns false when ev was dropped as stale.
func (o *Ordered) Deliver(ev Event, fn Listener) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ev.Seq != 0 {
		if ev.Seq <= o.last[ev.Record.ID] {
			return false
		}
		if o.last == nil {
			o.last = make(map[string]uint64)
		}
		o.last[ev.Record.ID] = ev.Seq
	}
	fn(ev)
	return true
}

// InOrder wraps fn so it never sees an event older than one it has
// already been given for the same device.
func InOrder(fn Listener) Listener {
	o := &Ordered{}
	return func(ev Event) {
		o.Deliver(ev, fn)
	}
}
