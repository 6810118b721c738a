package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Active protocol defaults.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
)

// ActiveConfig tunes the probe sweep.
type ActiveConfig struct {
	// Interval between sweep starts. Rounded down to whole seconds, minimum 1s.
	Interval time.Duration

	// ProbeTimeout bounds each probe so one hung device cannot stall a sweep.
	ProbeTimeout time.Duration

	// Concurrency caps parallel probes. 0 means one goroutine per device.
	Concurrency int
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Probed  int
	Alive   []string
	Pruned  []string
	Skipped bool
}

// ActiveProtocol holds registered endpoints and probes each of them on a
// schedule. A device whose probe fails in a sweep is removed and must
// register again. Failed probes are not retried within a sweep.
type ActiveProtocol struct {
	registry *Registry
	prober   Prober
	clock    Clock
	cfg      ActiveConfig
	logger   Logger

	mu        sync.Mutex
	scheduler *cron.Cron
	runCtx    context.Context
	cancel    context.CancelFunc
	onSweep   func(SweepResult)
}

// NewActiveProtocol creates an active protocol. Zero config fields take
// the package defaults; a nil clock uses SystemClock.
func NewActiveProtocol(registry *Registry, prober Prober, clock Clock, cfg ActiveConfig) *ActiveProtocol {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &ActiveProtocol{
		registry: registry,
		prober:   prober,
		clock:    clock,
		cfg:      cfg,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for sweeps.
func (p *ActiveProtocol) SetLogger(logger Logger) {
	p.logger = logger
}

// OnSweep registers a callback invoked after every scheduled sweep.
func (p *ActiveProtocol) OnSweep(fn func(SweepResult)) {
	p.mu.Lock()
	p.onSweep = fn
	p.mu.Unlock()
}

// Mode returns ModeActive.
func (p *ActiveProtocol) Mode() string { return ModeActive }

// Registry returns the underlying store.
func (p *ActiveProtocol) Registry() *Registry { return p.registry }

// Accept registers (or re-registers) a device at its probe address.
func (p *ActiveProtocol) Accept(_ context.Context, a Announcement) (bool, error) {
	if !validAddress(a.Address) {
		if a.DeviceID == "" {
			return false, ErrInvalidIdentifier
		}
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, a.Address)
	}
	return p.registry.RecordPresence(a.DeviceID, a.Address, p.clock.Now())
}

// Start schedules sweeps every cfg.Interval. A sweep that overruns the
// interval causes the next tick to be skipped rather than overlapped.
func (p *ActiveProtocol) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scheduler != nil {
		return ErrAlreadyStarted
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)

	logger := cronLogger{p.logger}
	p.scheduler = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	p.scheduler.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(p.runScheduled))
	p.scheduler.Start()

	p.logger.Info("probe sweep scheduled",
		"interval", p.cfg.Interval,
		"probe_timeout", p.cfg.ProbeTimeout,
	)
	return nil
}

// Stop cancels in-flight probes and waits for the running sweep to finish
// or for ctx to expire.
func (p *ActiveProtocol) Stop(ctx context.Context) error {
	p.mu.Lock()
	scheduler, cancel := p.scheduler, p.cancel
	p.scheduler, p.cancel = nil, nil
	p.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	cancel()
	done := scheduler.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping probe sweep: %w", ctx.Err())
	}
}

func (p *ActiveProtocol) runScheduled() {
	p.mu.Lock()
	ctx, onSweep := p.runCtx, p.onSweep
	p.mu.Unlock()

	if ctx == nil {
		return
	}

	result := p.Sweep(ctx)
	if onSweep != nil {
		onSweep(result)
	}
}

// Sweep probes every registered device once, concurrently, each under
// ProbeTimeout. Devices that answer have last_seen refreshed; devices that
// fail are removed. If ctx is cancelled mid-sweep nothing is pruned.
func (p *ActiveProtocol) Sweep(ctx context.Context) SweepResult {
	snapshot := p.registry.Snapshot()
	result := SweepResult{Probed: len(snapshot)}
	if len(snapshot) == 0 {
		return result
	}

	errs := make([]error, len(snapshot))

	var g errgroup.Group
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, rec := range snapshot {
		i, rec := i, rec
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			defer cancel()
			errs[i] = p.probe(probeCtx, rec.Address)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		result.Skipped = true
		p.logger.Warn("probe sweep interrupted, nothing pruned", "devices", len(snapshot))
		return result
	}

	now := p.clock.Now()
	for i, rec := range snapshot {
		if errs[i] == nil {
			p.registry.Touch(rec.ID, now)
			result.Alive = append(result.Alive, rec.ID)
			continue
		}
		if p.registry.RemoveIfUnchanged(rec) {
			result.Pruned = append(result.Pruned, rec.ID)
			p.logger.Warn("device pruned after failed probe",
				"device_id", rec.ID,
				"address", rec.Address,
				"error", errs[i],
			)
		}
	}

	p.logger.Debug("probe sweep complete",
		"probed", result.Probed,
		"alive", len(result.Alive),
		"pruned", len(result.Pruned),
	)
	return result
}

// probe normalises every prober error to ErrProbeFailure and recovers
// prober panics.
func (p *ActiveProtocol) probe(ctx context.Context, address string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrProbeFailure, r)
		}
	}()

	err = p.prober.Probe(ctx, address)
	if err != nil && !errors.Is(err, ErrProbeFailure) {
		err = fmt.Errorf("%w: %w", ErrProbeFailure, err)
	}
	return err
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	l Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
