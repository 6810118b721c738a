package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gadget-fleet/internal/device"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gadget-fleet/internal/liveness"
	"github.com/nerrad567/gadget-fleet/migrations"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// eventually polls fn until it returns true or the deadline passes.
func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func getJSON(url string, v any) (int, error) {
	resp, err := http.Get(url) //nolint:gosec,noctx // Test URL
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// ─── CLI ───────────────────────────────────────────────────────────

func TestVersionCmd(t *testing.T) {
	orig := [3]string{version, commit, date}
	version, commit, date = "1.2.0", "abc123", "2026-03-01"
	defer func() { version, commit, date = orig[0], orig[1], orig[2] }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	want := "fleet 1.2.0 (commit: abc123, built: 2026-03-01)"
	if got := strings.TrimSpace(buf.String()); got != want {
		t.Errorf("version output = %q, want %q", got, want)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{roleShop, roleGadget, "version"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag not registered")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(configEnvVar, "")
		if got := resolveConfigPath(""); got != defaultConfigPath {
			t.Errorf("resolveConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})
	t.Run("env", func(t *testing.T) {
		t.Setenv(configEnvVar, "/etc/fleet/config.yaml")
		if got := resolveConfigPath(""); got != "/etc/fleet/config.yaml" {
			t.Errorf("resolveConfigPath() = %q", got)
		}
	})
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv(configEnvVar, "/etc/fleet/config.yaml")
		if got := resolveConfigPath("./local.yaml"); got != "./local.yaml" {
			t.Errorf("resolveConfigPath() = %q", got)
		}
	})
}

func TestSubcommands_InvalidConfig(t *testing.T) {
	for _, role := range []string{roleShop, roleGadget} {
		t.Run(role, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(new(bytes.Buffer))
			cmd.SetArgs([]string{role, "--config", "/nonexistent/path/config.yaml"})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cmd.ExecuteContext(ctx); err == nil {
				t.Fatalf("%s with missing config should fail", role)
			}
		})
	}
}

func TestRunShop_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
shop:
  mode: sometimes
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runShop(ctx, path)
	if err == nil || !strings.Contains(err.Error(), "shop.mode") {
		t.Fatalf("runShop() error = %v, want shop.mode validation error", err)
	}
}

// ─── End to end ────────────────────────────────────────────────────

func TestRunShop_ServesUntilCancelled(t *testing.T) {
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "shop.db")
	path := writeConfig(t, fmt.Sprintf(`
api:
  host: 127.0.0.1
  port: %d
database:
  enabled: true
  path: %q
logging:
  level: error
  format: text
shop:
  mode: passive
  ttl: 60s
`, port, dbPath))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runShop(ctx, path) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	eventually(t, "shop health", func() bool {
		code, err := getJSON(base+"/health", nil)
		return err == nil && code == http.StatusOK
	})

	req, _ := http.NewRequest(http.MethodGet, base+"/devices/ping", nil) //nolint:noctx // Test request
	req.Header.Set("id", "bench-7")
	req.Header.Set("port", "3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", resp.StatusCode)
	}

	eventually(t, "device history", func() bool {
		var known struct {
			Count int `json:"count"`
		}
		code, err := getJSON(base+"/devices/known", &known)
		return err == nil && code == http.StatusOK && known.Count == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runShop() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runShop did not return after cancel")
	}
}

func TestRunGadget_HeartbeatsAndServes(t *testing.T) {
	var (
		mu    sync.Mutex
		pings []string
	)
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/devices/ping" {
			mu.Lock()
			pings = append(pings, r.Header.Get("id")+"@"+r.Header.Get("port"))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer shop.Close()

	port := freePort(t)
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
api:
  host: 127.0.0.1
  port: %d
logging:
  level: error
  format: text
gadget:
  name: bench-7
  shop_url: %q
  heartbeat:
    mode: passive
    transport: http
    interval: 1s
    timeout: 1s
  transfer:
    backend: simulated
    simulated_delay: 0s
    upload_dir: %q
    transfer_dir: %q
`, port, shop.URL, filepath.Join(dir, "in"), filepath.Join(dir, "out")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runGadget(ctx, path) }()

	want := fmt.Sprintf("bench-7@%d", port)
	eventually(t, "heartbeat", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range pings {
			if p == want {
				return true
			}
		}
		return false
	})

	var ping struct {
		DeviceName string `json:"device_name"`
		Backend    string `json:"backend"`
	}
	eventually(t, "gadget ping", func() bool {
		code, err := getJSON(fmt.Sprintf("http://127.0.0.1:%d/ping", port), &ping)
		return err == nil && code == http.StatusOK
	})
	if ping.DeviceName != "bench-7" || ping.Backend != config.BackendSimulated {
		t.Errorf("ping = %+v", ping)
	}

	// The flag is set once the ping response is read, just after the shop saw it.
	eventually(t, "shop_connected", func() bool {
		var status struct {
			ShopConnected *bool `json:"shop_connected"`
		}
		_, err := getJSON(fmt.Sprintf("http://127.0.0.1:%d/status", port), &status)
		return err == nil && status.ShopConnected != nil && *status.ShopConnected
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runGadget() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runGadget did not return after cancel")
	}
}

// ─── MQTT relay ────────────────────────────────────────────────────

func bufferLogger(buf *bytes.Buffer) *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
}

func TestShopRelay_Heartbeat(t *testing.T) {
	reg := liveness.NewRegistry(time.Minute)
	relay := &shopRelay{
		protocol: liveness.NewPassiveProtocol(reg, nil),
		logger:   bufferLogger(new(bytes.Buffer)),
	}

	err := relay.handleHeartbeat("fleet/gadget/g7/heartbeat", []byte(`{"address":"10.0.0.7:3000"}`))
	if err != nil {
		t.Fatalf("handleHeartbeat() error = %v", err)
	}
	rec, ok := reg.Get("g7")
	if !ok || rec.Address != "10.0.0.7:3000" {
		t.Errorf("record = %+v, %v", rec, ok)
	}

	if err := relay.handleHeartbeat("fleet/gadget/g7/heartbeat", []byte(`{`)); err == nil {
		t.Error("malformed heartbeat should return an error")
	}
}

func TestShopRelay_Log(t *testing.T) {
	var buf bytes.Buffer
	relay := &shopRelay{logger: bufferLogger(&buf)}

	payload := `{"time":"2026-03-01T12:00:00Z","level":"warn","msg":"transfer slow","attrs":{"filename":"a.prg"}}`
	if err := relay.handleLog("fleet/gadget/g7/log", []byte(payload)); err != nil {
		t.Fatalf("handleLog() error = %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" || line["msg"] != "transfer slow" {
		t.Errorf("relayed record = %v", line)
	}
	if line["device_id"] != "g7" || line["gadget.filename"] != "a.prg" {
		t.Errorf("relayed attrs = %v", line)
	}

	if err := relay.handleLog("fleet/log", []byte(payload)); err == nil {
		t.Error("bad topic should return an error")
	}
}

type recordingSubscriber struct {
	topics []string
}

func (s *recordingSubscriber) Subscribe(topic string, _ mqtt.MessageHandler) error {
	s.topics = append(s.topics, topic)
	return nil
}

func TestShopRelay_Subscriptions(t *testing.T) {
	tests := []struct {
		name string
		mode string
		want []string
	}{
		{
			name: "passive",
			mode: liveness.ModePassive,
			want: []string{"fleet/gadget/+/heartbeat", "fleet/gadget/+/log", "fleet/gadget/+/transfer", "fleet/node/+/status"},
		},
		{
			name: "active skips heartbeats",
			mode: liveness.ModeActive,
			want: []string{"fleet/gadget/+/log", "fleet/gadget/+/transfer", "fleet/node/+/status"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := liveness.NewRegistry(time.Minute)
			var proto liveness.Protocol = liveness.NewPassiveProtocol(reg, nil)
			if tt.mode == liveness.ModeActive {
				proto = liveness.NewActiveProtocol(reg, liveness.NewHTTPProber(""), nil, liveness.ActiveConfig{})
			}
			relay := &shopRelay{protocol: proto, logger: bufferLogger(new(bytes.Buffer))}

			sub := &recordingSubscriber{}
			if err := relay.subscribe(sub); err != nil {
				t.Fatalf("subscribe() error = %v", err)
			}
			if strings.Join(sub.topics, " ") != strings.Join(tt.want, " ") {
				t.Errorf("topics = %v, want %v", sub.topics, tt.want)
			}
		})
	}
}

func TestShopRelay_NodeStatus(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		payload   string
		wantLevel string
		wantMsg   string
	}{
		{
			name:      "gadget online",
			topic:     "fleet/node/fleet-gadget-g7/status",
			payload:   `{"status":"online","client_id":"fleet-gadget-g7","role":"gadget","device_id":"g7"}`,
			wantLevel: "INFO",
			wantMsg:   "gadget MQTT session up",
		},
		{
			name:      "gadget will",
			topic:     "fleet/node/fleet-gadget-g7/status",
			payload:   `{"status":"offline","client_id":"fleet-gadget-g7","role":"gadget","device_id":"g7","reason":"unexpected_disconnect"}`,
			wantLevel: "WARN",
			wantMsg:   "gadget MQTT session lost",
		},
		{
			name:      "gadget shutdown",
			topic:     "fleet/node/fleet-gadget-g7/status",
			payload:   `{"status":"offline","client_id":"fleet-gadget-g7","role":"gadget","device_id":"g7","reason":"graceful_shutdown"}`,
			wantLevel: "INFO",
			wantMsg:   "gadget MQTT session closed",
		},
		{
			name:    "shop status ignored",
			topic:   "fleet/node/fleet-shop/status",
			payload: `{"status":"online","client_id":"fleet-shop","role":"shop"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			relay := &shopRelay{logger: bufferLogger(&buf)}

			if err := relay.handleNodeStatus(tt.topic, []byte(tt.payload)); err != nil {
				t.Fatalf("handleNodeStatus() error = %v", err)
			}
			if tt.wantMsg == "" {
				if buf.Len() != 0 {
					t.Errorf("unexpected log output %q", buf.String())
				}
				return
			}
			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("log output %q: %v", buf.String(), err)
			}
			if line["level"] != tt.wantLevel || line["msg"] != tt.wantMsg || line["device_id"] != "g7" {
				t.Errorf("logged %v", line)
			}
		})
	}

	relay := &shopRelay{logger: bufferLogger(new(bytes.Buffer))}
	if err := relay.handleNodeStatus("fleet/node/other/status", []byte(`{"client_id":"fleet-gadget-g7"}`)); err == nil {
		t.Error("mismatched client_id should return an error")
	}
}

type fakeMetrics struct {
	mu        sync.Mutex
	transfers []bool
}

func (f *fakeMetrics) WritePresence(string, influxdb.PresenceEvent, bool, time.Time) {}

func (f *fakeMetrics) WriteTransfer(_, _ string, succeeded bool, _ time.Duration, _ time.Time) {
	f.mu.Lock()
	f.transfers = append(f.transfers, succeeded)
	f.mu.Unlock()
}

func TestShopRelay_TransferMetricsWithoutHistory(t *testing.T) {
	m := &fakeMetrics{}
	relay := &shopRelay{metrics: m, logger: bufferLogger(new(bytes.Buffer))}

	for _, payload := range []string{
		`{"transfer_id":"t1","event":"started","filename":"a.prg"}`,
		`{"transfer_id":"t1","event":"failed","filename":"a.prg","error":"exit 1"}`,
	} {
		if err := relay.handleTransfer("fleet/gadget/g7/transfer", []byte(payload)); err != nil {
			t.Fatalf("handleTransfer() error = %v", err)
		}
	}

	if len(m.transfers) != 1 || m.transfers[0] {
		t.Errorf("metric writes = %v, want one failure", m.transfers)
	}
}

func TestShopRelay_Transfer(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatal(err)
	}
	repo := device.NewSQLiteRepository(db.DB)

	relay := &shopRelay{
		recorder: device.NewRecorder(repo, nil),
		logger:   bufferLogger(new(bytes.Buffer)),
	}

	payload := `{"transfer_id":"t1","event":"completed","filename":"a.prg","backend":"hardware","duration_ms":1200,"timestamp":"2026-03-01T12:00:00Z"}`
	if err := relay.handleTransfer("fleet/gadget/g7/transfer", []byte(payload)); err != nil {
		t.Fatalf("handleTransfer() error = %v", err)
	}

	transfers, err := repo.ListTransfers(context.Background(), "g7", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 || transfers[0].ID != "t1" || transfers[0].DurationMS != 1200 {
		t.Errorf("transfers = %+v", transfers)
	}

	if err := relay.handleTransfer("fleet/gadget/g7/transfer", []byte(`{"event":"started"}`)); err == nil {
		t.Error("report without transfer_id should return an error")
	}
}
