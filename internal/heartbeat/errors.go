package heartbeat

import "errors"

var (
	// ErrInvalidConfig is returned by New when the configuration cannot work.
	ErrInvalidConfig = errors.New("heartbeat: invalid configuration")

	// ErrUnreachable is returned when the shop cannot be contacted.
	ErrUnreachable = errors.New("heartbeat: shop unreachable")

	// ErrRejected is returned when the shop answers with a non-2xx status.
	ErrRejected = errors.New("heartbeat: rejected by shop")
)
