package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultSimulatedDelay models how long a physical transfer takes.
const DefaultSimulatedDelay = 2 * time.Second

// SimulatedBackend stands in for the hardware on development machines.
// It waits Delay, copies the file from the inbound to the outbound
// staging directory and removes the source.
type SimulatedBackend struct {
	Staging Staging
	Delay   time.Duration
}

// NewSimulatedBackend creates a simulated backend. A negative delay is
// treated as zero.
func NewSimulatedBackend(staging Staging, delay time.Duration) *SimulatedBackend {
	if delay < 0 {
		delay = 0
	}
	return &SimulatedBackend{Staging: staging, Delay: delay}
}

// Name returns "simulated".
func (b *SimulatedBackend) Name() string { return "simulated" }

// Transfer ignores ctx: a simulated transfer, once started, always runs
// to completion like the real one would.
func (b *SimulatedBackend) Transfer(_ context.Context, filename string) error {
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}

	src := b.Staging.UploadPath(filename)
	dst := b.Staging.TransferPath(filename)

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, src)
		}
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating transfer directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".transfer-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copying %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chtimes(tmp.Name(), info.ModTime(), info.ModTime())
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publishing %s: %w", dst, err)
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing source %s: %w", src, err)
	}
	return nil
}
