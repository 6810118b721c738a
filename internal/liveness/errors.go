package liveness

import "errors"

// Domain errors for the liveness package.
var (
	// ErrInvalidIdentifier is returned when a presence announcement has an empty device id.
	ErrInvalidIdentifier = errors.New("liveness: invalid device identifier")

	// ErrInvalidAddress is returned when an active-mode registration has no usable address.
	ErrInvalidAddress = errors.New("liveness: invalid device address")

	// ErrProbeFailure covers every way a probe can fail: timeout, refused
	// connection, malformed response, non-2xx status.
	ErrProbeFailure = errors.New("liveness: probe failed")

	// ErrNotFound is returned when a device id is not in the registry.
	ErrNotFound = errors.New("liveness: device not found")

	// ErrAlreadyStarted is returned when Start is called twice on a protocol.
	ErrAlreadyStarted = errors.New("liveness: protocol already started")
)
