package liveness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedProber fails for any address listed in down.
type scriptedProber struct {
	mu    sync.Mutex
	down  map[string]bool
	calls map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{down: map[string]bool{}, calls: map[string]int{}}
}

func (p *scriptedProber) setDown(addr string, down bool) {
	p.mu.Lock()
	p.down[addr] = down
	p.mu.Unlock()
}

func (p *scriptedProber) Probe(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[addr]++
	if p.down[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func TestActiveProtocol_Accept(t *testing.T) {
	clock := &manualClock{now: t0}
	p := NewActiveProtocol(NewRegistry(time.Minute), newScriptedProber(), clock, ActiveConfig{})

	created, err := p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})
	require.NoError(t, err)
	assert.False(t, created, "repeat registration is idempotent")

	_, err = p.Accept(context.Background(), Announcement{DeviceID: "g2", Address: ""})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = p.Accept(context.Background(), Announcement{DeviceID: "", Address: ""})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = p.Accept(context.Background(), Announcement{DeviceID: "", Address: "10.0.0.6:3000"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	assert.Equal(t, 1, p.Registry().Len())
	assert.Equal(t, ModeActive, p.Mode())
}

func TestActiveProtocol_SweepPrunesAfterOneFailure(t *testing.T) {
	clock := &manualClock{now: t0}
	prober := newScriptedProber()
	reg := NewRegistry(time.Minute)
	p := NewActiveProtocol(reg, prober, clock, ActiveConfig{ProbeTimeout: time.Second})

	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g2", Address: "10.0.0.6:3000"})

	clock.Advance(5 * time.Second)
	res := p.Sweep(context.Background())
	assert.Equal(t, 2, res.Probed)
	assert.ElementsMatch(t, []string{"g1", "g2"}, res.Alive)
	assert.Empty(t, res.Pruned)

	rec, _ := reg.Get("g1")
	assert.Equal(t, t0.Add(5*time.Second), rec.LastSeen, "successful probe refreshes last_seen")

	prober.setDown("10.0.0.5:3000", true)
	clock.Advance(5 * time.Second)
	res = p.Sweep(context.Background())
	assert.Equal(t, []string{"g1"}, res.Pruned)
	assert.Equal(t, []string{"g2"}, res.Alive)

	_, ok := reg.Get("g1")
	assert.False(t, ok, "failed device is removed entirely")
	assert.Equal(t, 2, prober.calls["10.0.0.5:3000"], "one probe per sweep, no retry")

	// Removed devices are not probed again until they re-register.
	res = p.Sweep(context.Background())
	assert.Equal(t, 1, res.Probed)

	prober.setDown("10.0.0.5:3000", false)
	created, err := p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})
	require.NoError(t, err)
	assert.True(t, created, "re-registration after pruning creates a new record")
}

func TestActiveProtocol_AlwaysUpDeviceStays(t *testing.T) {
	clock := &manualClock{now: t0}
	reg := NewRegistry(time.Minute)
	p := NewActiveProtocol(reg, newScriptedProber(), clock, ActiveConfig{})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})

	for n := 0; n < 20; n++ {
		clock.Advance(5 * time.Second)
		p.Sweep(context.Background())
	}

	assert.True(t, reg.IsConnected("g1", clock.Now()))
}

func TestActiveProtocol_HungProbeDoesNotStallSweep(t *testing.T) {
	clock := &manualClock{now: t0}
	reg := NewRegistry(time.Minute)

	prober := ProberFunc(func(ctx context.Context, addr string) error {
		if addr == "hung:80" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	p := NewActiveProtocol(reg, prober, clock, ActiveConfig{ProbeTimeout: 50 * time.Millisecond})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "hung", Address: "hung:80"})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "ok", Address: "ok:80"})

	start := time.Now()
	res := p.Sweep(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"hung"}, res.Pruned)
	assert.Equal(t, []string{"ok"}, res.Alive)
}

func TestActiveProtocol_CancelledSweepPrunesNothing(t *testing.T) {
	reg := NewRegistry(time.Minute)
	prober := ProberFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewActiveProtocol(reg, prober, &manualClock{now: t0}, ActiveConfig{ProbeTimeout: time.Minute})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := p.Sweep(ctx)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, reg.Len())
}

func TestActiveProtocol_ProberPanicIsProbeFailure(t *testing.T) {
	reg := NewRegistry(time.Minute)
	p := NewActiveProtocol(reg, ProberFunc(func(context.Context, string) error {
		panic("bad prober")
	}), &manualClock{now: t0}, ActiveConfig{})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})

	res := p.Sweep(context.Background())
	assert.Equal(t, []string{"g1"}, res.Pruned)
}

func TestActiveProtocol_ScheduledSweeps(t *testing.T) {
	reg := NewRegistry(time.Minute)
	var probes atomic.Int32
	prober := ProberFunc(func(context.Context, string) error {
		probes.Add(1)
		return nil
	})

	p := NewActiveProtocol(reg, prober, nil, ActiveConfig{Interval: time.Second})
	_, _ = p.Accept(context.Background(), Announcement{DeviceID: "g1", Address: "10.0.0.5:3000"})

	swept := make(chan SweepResult, 4)
	p.OnSweep(func(r SweepResult) {
		select {
		case swept <- r:
		default:
		}
	})

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	select {
	case r := <-swept:
		assert.Equal(t, 1, r.Probed)
	case <-time.After(3 * time.Second):
		t.Fatal("no sweep within 3s")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx), "second stop is a no-op")
	assert.GreaterOrEqual(t, probes.Load(), int32(1))
}

func TestHTTPProber(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedAddr := strings.TrimPrefix(closed.URL, "http://")
	closed.Close()

	prober := NewHTTPProber("")
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "2xx", addr: strings.TrimPrefix(ok.URL, "http://"), wantErr: false},
		{name: "5xx", addr: strings.TrimPrefix(broken.URL, "http://"), wantErr: true},
		{name: "timeout", addr: strings.TrimPrefix(slow.URL, "http://"), wantErr: true},
		{name: "refused", addr: closedAddr, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			err := prober.Probe(ctx, tt.addr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProbeFailure)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPassiveProtocol(t *testing.T) {
	clock := &manualClock{now: t0}
	p := NewPassiveProtocol(NewRegistry(60*time.Second), clock)

	created, err := p.Accept(context.Background(), Announcement{DeviceID: "g7", Address: "10.0.0.7:80"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ModePassive, p.Mode())
	require.NoError(t, p.Start(context.Background()))

	clock.Advance(30 * time.Second)
	assert.True(t, p.Registry().IsConnected("g7", clock.Now()))

	clock.Advance(60 * time.Second)
	assert.False(t, p.Registry().IsConnected("g7", clock.Now()))
	assert.Equal(t, 1, p.Registry().Len(), "passive mode never deletes")

	_, err = p.Accept(context.Background(), Announcement{DeviceID: ""})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	require.NoError(t, p.Stop(context.Background()))
}
