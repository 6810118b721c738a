package device

import "errors"

var (
	// ErrDeviceNotFound is returned when a device ID has no history row.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a device has no ID or address.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidTransfer is returned when a transfer report is incomplete.
	ErrInvalidTransfer = errors.New("device: invalid transfer report")
)
