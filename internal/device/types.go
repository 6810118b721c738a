package device

import "time"

// Device is a gadget's history row.
type Device struct {
	ID        string     `json:"device_id"`
	Address   string     `json:"address"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Active reports whether the device has not been pruned since it was last seen.
func (d Device) Active() bool {
	return d.RemovedAt == nil
}

// Transfer is a transfer outcome reported by a gadget.
type Transfer struct {
	ID         string    `json:"transfer_id"`
	DeviceID   string    `json:"device_id"`
	Filename   string    `json:"filename"`
	Backend    string    `json:"backend"`
	Event      string    `json:"event"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}
