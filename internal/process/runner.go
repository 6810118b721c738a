package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultGracePeriod = 5 * time.Second
	defaultMaxOutput   = 16 << 10
)

// Spec describes one program execution.
type Spec struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent environment.
	Env []string

	// WorkDir is the working directory. Empty inherits the parent's.
	WorkDir string

	// Timeout bounds the run. Zero means only the caller's context applies.
	Timeout time.Duration

	// GracePeriod is how long the group has between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// MaxOutput caps captured bytes per stream. Excess output is dropped.
	MaxOutput int
}

// Result describes a finished execution.
type Result struct {
	PID      int
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Killed   bool
	Stdout   string
	Stderr   string
}

// Logger defines the logging interface for the runner.
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

// Runner executes programs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	logger Logger
}

// NewRunner creates a runner with a no-op logger.
func NewRunner() *Runner {
	return &Runner{logger: noopLogger{}}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Run starts spec.Binary and waits for it to exit.
//
// Returns:
//   - Result: always populated with whatever is known (PID, output, exit code)
//   - error: nil on exit status 0; ErrTimeout if Spec.Timeout passed;
//     ErrCanceled if ctx was cancelled; ErrNonZeroExit on a failing status;
//     ErrStartFailed if the program never ran
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	var res Result

	if spec.Binary == "" {
		return res, fmt.Errorf("%w: binary is required", ErrInvalidSpec)
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = defaultGracePeriod
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = defaultMaxOutput
	}
	if spec.Name == "" {
		spec.Name = spec.Binary
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Binary, spec.Args...) //nolint:gosec // Binary comes from operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.WorkDir
	cmd.WaitDelay = spec.GracePeriod

	stdout := newCappedBuffer(spec.MaxOutput)
	stderr := newCappedBuffer(spec.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrStartFailed, spec.Name, err)
	}
	res.PID = cmd.Process.Pid

	r.logger.Debug("process started",
		"name", spec.Name,
		"pid", res.PID,
		"timeout", spec.Timeout,
	)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		res.TimedOut = ctx.Err() == nil
		res.Killed = r.terminate(spec, res.PID, done)
		waitErr = <-done
	}

	// A background child still holding the output pipes is not a failure
	// of the program itself.
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(cmd, waitErr)

	r.logger.Debug("process exited",
		"name", spec.Name,
		"pid", res.PID,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"stdout", res.Stdout,
		"stderr", res.Stderr,
	)

	switch {
	case res.TimedOut:
		return res, fmt.Errorf("%w: %s after %v", ErrTimeout, spec.Name, spec.Timeout)
	case ctx.Err() != nil:
		return res, fmt.Errorf("%w: %s: %w", ErrCanceled, spec.Name, ctx.Err())
	case waitErr != nil:
		return res, fmt.Errorf("%w: %s exited with code %d: %w", ErrNonZeroExit, spec.Name, res.ExitCode, waitErr)
	}

	return res, nil
}

// terminate signals the process group with SIGTERM, then SIGKILL after the
// grace period. It re-delivers the Wait result on done so the caller can
// still read it. Returns true if SIGKILL was needed.
func (r *Runner) terminate(spec Spec, pid int, done chan error) bool {
	r.logger.Warn("process deadline reached, sending SIGTERM",
		"name", spec.Name,
		"pid", pid,
	)

	// Negative PID signals the whole group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("failed to send SIGTERM to process group", "name", spec.Name, "error", err)
	}

	select {
	case err := <-done:
		done <- err
		return false
	case <-time.After(spec.GracePeriod):
	}

	r.logger.Warn("grace period expired, sending SIGKILL",
		"name", spec.Name,
		"pid", pid,
		"grace_period", spec.GracePeriod,
	)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Error("failed to kill process group", "name", spec.Name, "error", err)
	}
	return true
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedBuffer keeps the first max bytes written and silently drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "...[truncated]"
	}
	return b.buf.String()
}
