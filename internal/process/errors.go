package process

import "errors"

// Errors returned by Run. Use errors.Is to check them.
var (
	// ErrInvalidSpec is returned when the Spec has no binary.
	ErrInvalidSpec = errors.New("process: invalid spec")

	// ErrStartFailed is returned when the program could not be started.
	ErrStartFailed = errors.New("process: start failed")

	// ErrTimeout is returned when the program outlived Spec.Timeout.
	ErrTimeout = errors.New("process: deadline exceeded")

	// ErrCanceled is returned when the caller's context was cancelled.
	ErrCanceled = errors.New("process: canceled")

	// ErrNonZeroExit is returned when the program exited unsuccessfully.
	ErrNonZeroExit = errors.New("process: non-zero exit")
)
