package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Runner.
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

// Job is one accepted transfer.
type Job struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	StartedAt time.Time `json:"started_at"`
}

// Outcome is the result of a finished job.
type Outcome struct {
	Job
	Backend    string        `json:"backend"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the job completed without error.
func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// EventType identifies a job lifecycle transition.
type EventType string

// Job lifecycle events.
const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is delivered to listeners on the job goroutine, outside the lock.
type Event struct {
	Type    EventType
	Outcome Outcome
	Err     error
}

// Status is a non-blocking snapshot of the runner.
type Status struct {
	Active         bool     `json:"transfer_active"`
	ActiveFilename string   `json:"active_filename,omitempty"`
	ActiveJob      *Job     `json:"active_job,omitempty"`
	Backend        string   `json:"backend"`
	Last           *Outcome `json:"last,omitempty"`
}

// Runner is a single-slot transfer executor.
//
// All public methods are thread-safe. The slot is only ever taken by a
// compare-and-set under mu, and the backend always runs outside mu.
type Runner struct {
	backend Backend
	logger  Logger

	mu     sync.Mutex
	active *Job
	last   *Outcome
	closed bool

	listenersMu sync.RWMutex
	listeners   []func(Event)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewRunner creates an idle runner for backend.
func NewRunner(backend Backend) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		backend: backend,
		logger:  noopLogger{},
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// AddListener registers fn to receive job lifecycle events.
func (r *Runner) AddListener(fn func(Event)) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Backend returns the backend name.
func (r *Runner) Backend() string {
	return r.backend.Name()
}

// StartTransfer claims the slot for filename and runs the backend in the
// background. It returns false immediately, changing nothing, if a
// transfer is already active, filename is empty or Shutdown has begun.
func (r *Runner) StartTransfer(filename string) bool {
	_, ok := r.StartStaged(filename, nil)
	return ok
}

// StartStaged is StartTransfer with a staging step. stage runs on the job
// goroutine, after the slot is claimed and before the backend; a stage
// error fails the job. This lets an upload be moved into place only once
// it is certain to be the one transferred.
func (r *Runner) StartStaged(filename string, stage func() error) (Job, bool) {
	if strings.TrimSpace(filename) == "" {
		r.logger.Warn("transfer refused: empty filename")
		return Job{}, false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("transfer refused: runner shutting down", "filename", filename)
		return Job{}, false
	}
	if r.active != nil {
		r.mu.Unlock()
		return Job{}, false
	}
	job := Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		StartedAt: r.now(),
	}
	r.active = &job
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(job, stage)
	return job, true
}

// IsActive reports whether a transfer is in progress.
func (r *Runner) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// ActiveFilename returns the in-flight filename, if any.
func (r *Runner) ActiveFilename() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.Filename, true
}

// Status returns a snapshot of the slot and the last outcome.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Backend: r.backend.Name()}
	if r.active != nil {
		job := *r.active
		st.Active = true
		st.ActiveFilename = job.Filename
		st.ActiveJob = &job
	}
	if r.last != nil {
		last := *r.last
		st.Last = &last
	}
	return st
}

// Wait blocks until no transfer is running or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfer: %w", ctx.Err())
	}
}

// Shutdown refuses further transfers, cancels the context passed to the
// backend and waits for the running transfer to finish or ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	return r.Wait(ctx)
}

func (r *Runner) execute(job Job, stage func() error) {
	defer r.wg.Done()

	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrBackendPanic, rec)
		}
		r.finish(job, err)
	}()

	r.logger.Info("transfer started",
		"transfer_id", job.ID,
		"filename", job.Filename,
		"backend", r.backend.Name(),
	)
	r.emit(Event{Type: EventStarted, Outcome: Outcome{Job: job, Backend: r.backend.Name()}})

	if stage != nil {
		if err = stage(); err != nil {
			return
		}
	}
	err = r.backend.Transfer(r.ctx, job.Filename)
}

// finish releases the slot first, then reports.
func (r *Runner) finish(job Job, err error) {
	finished := r.now()
	outcome := Outcome{
		Job:        job,
		Backend:    r.backend.Name(),
		FinishedAt: finished,
		Duration:   finished.Sub(job.StartedAt),
	}
	if err != nil {
		outcome.Error = err.Error()
	}

	r.mu.Lock()
	r.active = nil
	r.last = &outcome
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("transfer failed",
			"transfer_id", job.ID,
			"filename", job.Filename,
			"backend", outcome.Backend,
			"duration", outcome.Duration,
			"error", err,
		)
		r.emit(Event{Type: EventFailed, Outcome: outcome, Err: err})
		return
	}

	r.logger.Info("transfer completed",
		"transfer_id", job.ID,
		"filename", job.Filename,
		"backend", outcome.Backend,
		"duration", outcome.Duration,
	)
	r.emit(Event{Type: EventCompleted, Outcome: outcome})
}

func (r *Runner) emit(ev Event) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		r.safeCall(fn, ev)
	}
}

// safeCall keeps a misbehaving listener from breaking the job goroutine.
func (r *Runner) safeCall(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("transfer listener panic recovered", "event", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}
