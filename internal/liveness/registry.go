package liveness

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry maps device ids to presence records.
//
// All public methods are thread-safe. Concurrent updates for one id are
// linearised by the lock; the last writer wins.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	ttl     time.Duration
	seq     uint64

	listenersMu sync.RWMutex
	listeners   []Listener

	logger Logger
}

// NewRegistry creates an empty registry. A non-positive ttl selects DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		records: make(map[string]Record),
		ttl:     ttl,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// AddListener registers fn to receive every subsequent registry event.
func (r *Registry) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// TTL returns the connectivity window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// RecordPresence inserts or overwrites the record for id.
//
// Matching is by id only; a known id arriving from a new address simply
// moves. Returns created=true when the id was not present before.
// An empty id returns ErrInvalidIdentifier without touching the registry.
func (r *Registry) RecordPresence(id, address string, now time.Time) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidIdentifier
	}

	rec := Record{ID: id, Address: address, LastSeen: now}

	r.mu.Lock()
	_, existed := r.records[id]
	r.records[id] = rec
	r.seq++
	ev := Event{Type: EventPresence, Record: rec, Created: !existed, Seq: r.seq}
	r.mu.Unlock()

	if !existed {
		r.logger.Info("device registered", "device_id", id, "address", address)
	} else {
		r.logger.Debug("device heartbeat", "device_id", id, "address", address)
	}

	r.emit(ev)
	return !existed, nil
}

// Touch refreshes last_seen for a known id without changing its address.
// Returns false if the id is unknown.
func (r *Registry) Touch(id string, now time.Time) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		rec.LastSeen = now
		r.records[id] = rec
	}
	r.mu.Unlock()
	return ok
}

// IsConnected reports whether id has a record no older than the TTL.
// Unknown ids are not connected.
func (r *Registry) IsConnected(id string, now time.Time) bool {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	return ok && rec.Connected(now, r.ttl)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Status returns the record for id annotated with connectivity at now.
func (r *Registry) Status(id string, now time.Time) (Status, error) {
	rec, ok := r.Get(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	return Status{Record: rec, Connected: rec.Connected(now, r.ttl)}, nil
}

// Snapshot returns an independent copy of every record, sorted by id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Statuses returns Snapshot annotated with connectivity at now.
func (r *Registry) Statuses(now time.Time) []Status {
	snap := r.Snapshot()
	out := make([]Status, len(snap))
	for i, rec := range snap {
		out[i] = Status{Record: rec, Connected: rec.Connected(now, r.ttl)}
	}
	return out
}

// Remove deletes id unconditionally. Returns false if it was not present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	var ev Event
	if ok {
		delete(r.records, id)
		r.seq++
		ev = Event{Type: EventRemoved, Record: rec, Seq: r.seq}
	}
	r.mu.Unlock()

	if ok {
		r.emit(ev)
	}
	return ok
}

// RemoveIfUnchanged deletes the record only if it still matches seen.
//
// A sweep probes a snapshot; if the device re-registered while its probe
// was in flight, the newer record survives.
func (r *Registry) RemoveIfUnchanged(seen Record) bool {
	r.mu.Lock()
	cur, ok := r.records[seen.ID]
	ok = ok && cur.Address == seen.Address && cur.LastSeen.Equal(seen.LastSeen)
	var ev Event
	if ok {
		delete(r.records, seen.ID)
		r.seq++
		ev = Event{Type: EventRemoved, Record: cur, Seq: r.seq}
	}
	r.mu.Unlock()

	if ok {
		r.emit(ev)
	}
	return ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) emit(ev Event) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
