package liveness

import (
	"context"
	"strings"
)

// Protocol modes.
const (
	ModePassive = "passive"
	ModeActive  = "active"
)

// Announcement is a device asserting its presence: a heartbeat in passive
// mode, a registration in active mode.
type Announcement struct {
	DeviceID string
	Address  string
}

// Protocol is a liveness strategy over a shared Registry.
type Protocol interface {
	// Mode returns ModePassive or ModeActive.
	Mode() string

	// Accept records an announcement. created is true when the device
	// was not previously known.
	Accept(ctx context.Context, a Announcement) (created bool, err error)

	// Start begins any background work. Passive protocols have none.
	Start(ctx context.Context) error

	// Stop ends background work, waiting for in-flight work until ctx expires.
	Stop(ctx context.Context) error

	// Registry returns the underlying store.
	Registry() *Registry
}

// PassiveProtocol records heartbeats. Records are never deleted; a device
// that stops sending simply ages out of the connected state.
type PassiveProtocol struct {
	registry *Registry
	clock    Clock
}

// NewPassiveProtocol creates a passive protocol. A nil clock uses SystemClock.
func NewPassiveProtocol(registry *Registry, clock Clock) *PassiveProtocol {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PassiveProtocol{registry: registry, clock: clock}
}

// Mode returns ModePassive.
func (p *PassiveProtocol) Mode() string { return ModePassive }

// Registry returns the underlying store.
func (p *PassiveProtocol) Registry() *Registry { return p.registry }

// Accept stamps the heartbeat with the current time.
func (p *PassiveProtocol) Accept(_ context.Context, a Announcement) (bool, error) {
	return p.registry.RecordPresence(a.DeviceID, a.Address, p.clock.Now())
}

// Start is a no-op.
func (p *PassiveProtocol) Start(context.Context) error { return nil }

// Stop is a no-op.
func (p *PassiveProtocol) Stop(context.Context) error { return nil }

// validAddress rejects empty hosts. Ports are optional; probes default to 80.
func validAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	return addr != "" && !strings.HasPrefix(addr, ":")
}
