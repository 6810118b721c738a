package transfer

import "errors"

// Domain errors for the transfer package.
var (
	// ErrSourceNotFound is returned when the staged file is missing at transfer time.
	ErrSourceNotFound = errors.New("transfer: source file not found")

	// ErrBackendTimeout is returned when the hardware procedure outlives its deadline.
	ErrBackendTimeout = errors.New("transfer: backend deadline exceeded")

	// ErrBackendExitFailure is returned when the hardware procedure fails to run or exits non-zero.
	ErrBackendExitFailure = errors.New("transfer: backend exited with failure")

	// ErrBackendPanic is returned when a backend panics.
	ErrBackendPanic = errors.New("transfer: backend panicked")

	// ErrInvalidFilename is returned when a name has no safe characters left after sanitising.
	ErrInvalidFilename = errors.New("transfer: invalid filename")

	// ErrEmptyUpload is returned when an upload carries no data.
	ErrEmptyUpload = errors.New("transfer: empty upload")

	// ErrUploadTooLarge is returned when an upload exceeds the size limit.
	ErrUploadTooLarge = errors.New("transfer: upload too large")
)
