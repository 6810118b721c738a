package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/nerrad567/gadget-fleet/internal/process"
)

// DefaultHardwareTimeout bounds one run of the transfer script.
const DefaultHardwareTimeout = 120 * time.Second

// Environment variables passed to the transfer script.
const (
	EnvTransferFile = "GADGET_TRANSFER_FILE"
	EnvTransferPath = "GADGET_TRANSFER_PATH"
)

// HardwareBackend runs the external transfer script for each file.
type HardwareBackend struct {
	Staging     Staging
	Script      string
	Timeout     time.Duration
	GracePeriod time.Duration
	runner      *process.Runner
}

// NewHardwareBackend creates a backend running script under timeout.
// A non-positive timeout selects DefaultHardwareTimeout.
func NewHardwareBackend(staging Staging, script string, timeout, grace time.Duration, runner *process.Runner) *HardwareBackend {
	if timeout <= 0 {
		timeout = DefaultHardwareTimeout
	}
	if runner == nil {
		runner = process.NewRunner()
	}
	return &HardwareBackend{
		Staging:     staging,
		Script:      script,
		Timeout:     timeout,
		GracePeriod: grace,
		runner:      runner,
	}
}

// Name returns "hardware".
func (b *HardwareBackend) Name() string { return "hardware" }

// Transfer runs the script with the staged file's name and path in its
// environment. Deadline expiry maps to ErrBackendTimeout; any other
// failure to complete successfully maps to ErrBackendExitFailure.
// The staged file is removed once the script has exited, whatever the
// outcome; a failed transfer needs a fresh upload.
func (b *HardwareBackend) Transfer(ctx context.Context, filename string) error {
	path := b.Staging.UploadPath(filename)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	defer removeStaged(path)

	res, err := b.runner.Run(ctx, process.Spec{
		Name:   "transfer",
		Binary: b.Script,
		Env: []string{
			EnvTransferFile + "=" + filename,
			EnvTransferPath + "=" + path,
		},
		Timeout:     b.Timeout,
		GracePeriod: b.GracePeriod,
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, process.ErrTimeout):
		return fmt.Errorf("%w: %s after %v", ErrBackendTimeout, filename, b.Timeout)
	default:
		return fmt.Errorf("%w: %s (exit code %d): %w", ErrBackendExitFailure, filename, res.ExitCode, err)
	}
}

// removeStaged deletes a consumed upload. The script may already have
// moved or deleted it, so a missing file is not an error.
func removeStaged(path string) {
	//nolint:errcheck // Best-effort; a leftover is overwritten by the next upload of that name
	os.Remove(path)
}
