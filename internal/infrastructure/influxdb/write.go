package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the fleet.
const (
	MeasurementTransfer = "transfer"
	MeasurementPresence = "presence"
)

// Transfer outcome tag values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PresenceEvent is the event tag on a presence point.
type PresenceEvent string

// Presence event tag values.
const (
	PresenceSeen   PresenceEvent = "seen"
	PresencePruned PresenceEvent = "pruned"
)

// TransferPoint builds the point recorded when a gadget transfer finishes.
func TransferPoint(deviceID, backend string, succeeded bool, duration time.Duration, at time.Time) *write.Point {
	outcome := OutcomeSuccess
	if !succeeded {
		outcome = OutcomeFailure
	}
	return write.NewPoint(
		MeasurementTransfer,
		map[string]string{
			"device":  deviceID,
			"backend": backend,
			"outcome": outcome,
		},
		map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
		at,
	)
}

// PresencePoint builds the point recorded when the shop registry sees or
// prunes a device. created is true the first time a device is seen.
func PresencePoint(deviceID string, event PresenceEvent, created bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementPresence,
		map[string]string{
			"device": deviceID,
			"event":  string(event),
		},
		map[string]interface{}{
			"connected": event == PresenceSeen,
			"created":   created,
		},
		at,
	)
}

// WriteTransfer records a finished transfer. Non-blocking.
func (c *Client) WriteTransfer(deviceID, backend string, succeeded bool, duration time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(TransferPoint(deviceID, backend, succeeded, duration, at))
}

// WritePresence records a registry presence change. Non-blocking.
func (c *Client) WritePresence(deviceID string, event PresenceEvent, created bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(PresencePoint(deviceID, event, created, at))
}

