package influxdb_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fleet-dev-token",
		Org:           "fleet",
		Bucket:        "fleet",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

// =============================================================================
// Point Builders
// =============================================================================

func TestTransferPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		succeeded   bool
		duration    time.Duration
		wantOutcome string
		wantMS      int64
	}{
		{"success", true, 2500 * time.Millisecond, influxdb.OutcomeSuccess, 2500},
		{"failure", false, 120 * time.Second, influxdb.OutcomeFailure, 120000},
		{"instant", true, 0, influxdb.OutcomeSuccess, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := influxdb.TransferPoint("gadget-01", "hardware", tt.succeeded, tt.duration, at)

			if p.Name() != influxdb.MeasurementTransfer {
				t.Errorf("Name() = %q, want %q", p.Name(), influxdb.MeasurementTransfer)
			}
			got := tags(p)
			if got["device"] != "gadget-01" || got["backend"] != "hardware" {
				t.Errorf("tags = %v, want device=gadget-01 backend=hardware", got)
			}
			if got["outcome"] != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", got["outcome"], tt.wantOutcome)
			}
			if ms := fields(p)["duration_ms"]; ms != tt.wantMS {
				t.Errorf("duration_ms = %v, want %d", ms, tt.wantMS)
			}
			if !p.Time().Equal(at) {
				t.Errorf("Time() = %v, want %v", p.Time(), at)
			}
		})
	}
}

func TestPresencePoint(t *testing.T) {
	at := time.Now()

	tests := []struct {
		name          string
		event         influxdb.PresenceEvent
		created       bool
		wantConnected bool
	}{
		{"first sighting", influxdb.PresenceSeen, true, true},
		{"refresh", influxdb.PresenceSeen, false, true},
		{"pruned", influxdb.PresencePruned, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := influxdb.PresencePoint("gadget-02", tt.event, tt.created, at)

			if p.Name() != influxdb.MeasurementPresence {
				t.Errorf("Name() = %q, want %q", p.Name(), influxdb.MeasurementPresence)
			}
			got := tags(p)
			if got["device"] != "gadget-02" {
				t.Errorf("device tag = %q, want gadget-02", got["device"])
			}
			if got["event"] != string(tt.event) {
				t.Errorf("event tag = %q, want %q", got["event"], tt.event)
			}
			f := fields(p)
			if f["connected"] != tt.wantConnected {
				t.Errorf("connected = %v, want %v", f["connected"], tt.wantConnected)
			}
			if f["created"] != tt.created {
				t.Errorf("created = %v, want %v", f["created"], tt.created)
			}
		})
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	skipIfNoInfluxDB(t)
	cfg := testConfig()
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false with default batch settings")
	}
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_AfterClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWrites(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	now := time.Now()
	client.WritePresence("test-gadget", influxdb.PresenceSeen, true, now)
	client.WriteTransfer("test-gadget", "simulated", true, 2*time.Second, now)
	client.Flush()

	if n := client.WriteErrors(); n != 0 {
		t.Errorf("WriteErrors() = %d, want 0", n)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after writes error = %v", err)
	}
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.WriteTransfer("close-test", "hardware", false, time.Second, time.Now())

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	// Writes and flushes after close are no-ops.
	client.WritePresence("close-test", influxdb.PresencePruned, false, time.Now())
	client.Flush()
}
