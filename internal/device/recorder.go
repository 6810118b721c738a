package device

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/gadget-fleet/internal/liveness"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives time-series points. *influxdb.Client satisfies it.
type Metrics interface {
	WritePresence(deviceID string, event influxdb.PresenceEvent, created bool, at time.Time)
	WriteTransfer(deviceID, backend string, succeeded bool, duration time.Duration, at time.Time)
}

// Transfer event names reported by gadgets.
const (
	TransferStarted   = "started"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Recorder persists registry events off the registry's goroutine.
type Recorder struct {
	repo    Repository
	metrics Metrics
	now     func() time.Time
	queue   chan liveness.Event
	order   liveness.Ordered
	dropped atomic.Uint64
	logger  Logger
}

// NewRecorder creates a recorder writing to repo. metrics may be nil.
func NewRecorder(repo Repository, metrics Metrics) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan liveness.Event, defaultQueueSize),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Listen is a liveness.Listener. It never blocks; events arriving while
// the queue is full are dropped and counted. An event older than one
// already queued for the same device is ignored, so history always ends
// on the registry's latest state.
func (r *Recorder) Listen(ev liveness.Event) {
	r.order.Deliver(ev, r.enqueue)
}

func (r *Recorder) enqueue(ev liveness.Event) {
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("device history queue full, event dropped",
			"device_id", ev.Record.ID, "type", string(ev.Type), "dropped_total", n)
	}
}

// Dropped returns how many events Listen has discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then drains what is
// already queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) record(ev liveness.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch ev.Type {
	case liveness.EventPresence:
		if err := r.repo.Upsert(ctx, ev.Record.ID, ev.Record.Address, ev.Record.LastSeen); err != nil {
			r.logger.Error("recording device presence", "device_id", ev.Record.ID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.WritePresence(ev.Record.ID, influxdb.PresenceSeen, ev.Created, ev.Record.LastSeen)
		}
	case liveness.EventRemoved:
		at := r.now()
		if err := r.repo.MarkRemoved(ctx, ev.Record.ID, at); err != nil {
			r.logger.Error("recording device removal", "device_id", ev.Record.ID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.WritePresence(ev.Record.ID, influxdb.PresencePruned, false, at)
		}
	}
}

// RecordTransfer stores a gadget's transfer report and, for finished
// transfers, writes a transfer point.
func (r *Recorder) RecordTransfer(ctx context.Context, t Transfer) error {
	if err := r.repo.RecordTransfer(ctx, t); err != nil {
		return err
	}
	if r.metrics == nil || t.Event == TransferStarted {
		return nil
	}
	at := t.ReportedAt
	if at.IsZero() {
		at = r.now()
	}
	r.metrics.WriteTransfer(t.DeviceID, t.Backend, t.Event == TransferCompleted,
		time.Duration(t.DurationMS)*time.Millisecond, at)
	return nil
}
