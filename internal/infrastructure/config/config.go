package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Liveness protocol modes for the shop.
const (
	ModePassive = "passive"
	ModeActive  = "active"
)

// Transfer backends for the gadget.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// Heartbeat transports for the gadget.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// DefaultDeviceNameFile is where a provisioned gadget keeps its name.
const DefaultDeviceNameFile = "/etc/gadget-device-name"

// Config is the root configuration structure for a fleet node.
// All configuration is loaded from YAML and can be overridden by environment variables.
// A node only reads the sections relevant to its role (shop or gadget).
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Shop      ShopConfig      `yaml:"shop"`
	Gadget    GadgetConfig    `yaml:"gadget"`
}

// NodeConfig identifies the running process.
type NodeConfig struct {
	// Role is "shop" or "gadget". Normally set by the CLI subcommand.
	Role string `yaml:"role"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	// MaxUploadMB bounds multipart uploads on the gadget.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the shop's presence event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite settings for the shop's device table.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string               `yaml:"level"`
	Format  string               `yaml:"format"`
	Output  string               `yaml:"output"`
	Forward ForwardLoggingConfig `yaml:"forward"`
}

// ForwardLoggingConfig controls gadget log forwarding to the shop over MQTT.
// While the gadget is connected to the shop, records go to the remote sink;
// otherwise they fall back to the local console.
type ForwardLoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// ShopConfig contains liveness registry settings for the shop.
type ShopConfig struct {
	// Mode selects the liveness protocol: "passive" (gadgets send heartbeats)
	// or "active" (the shop probes registered gadgets).
	Mode string `yaml:"mode"`

	// TTL is the maximum heartbeat age before a device counts as disconnected.
	TTL time.Duration `yaml:"ttl"`

	// ProbeInterval is the active-mode sweep cadence.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe inside a sweep.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProbeConcurrency limits parallel probes per sweep. 0 means unlimited.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// ProbePath is the gadget ping surface probed in active mode.
	ProbePath string `yaml:"probe_path"`
}

// GadgetConfig contains settings for a gadget node.
type GadgetConfig struct {
	// Name is the self-asserted device id. If empty, NameFile is read.
	Name     string `yaml:"name"`
	NameFile string `yaml:"name_file"`

	// ShopURL is the base URL of the shop coordinator.
	ShopURL string `yaml:"shop_url"`

	// AdvertiseAddress is the host the shop should use to reach this gadget.
	// Empty means the shop uses the request's source address over HTTP;
	// MQTT heartbeats fall back to the outbound interface address.
	AdvertiseAddress string `yaml:"advertise_address"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Transfer  TransferConfig  `yaml:"transfer"`
}

// HeartbeatConfig controls how a gadget announces itself to the shop.
type HeartbeatConfig struct {
	// Mode must match the shop: "passive" sends heartbeats, "active" registers.
	Mode      string        `yaml:"mode"`
	Transport string        `yaml:"transport"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TransferConfig selects and configures the transfer backend.
type TransferConfig struct {
	Backend string `yaml:"backend"`

	// UploadDir is the inbound staging location for accepted uploads.
	UploadDir string `yaml:"upload_dir"`

	// TransferDir is the outbound staging location (simulated backend only).
	TransferDir string `yaml:"transfer_dir"`

	// SimulatedDelay models the duration of a physical transfer.
	SimulatedDelay time.Duration `yaml:"simulated_delay"`

	// Script is the external hardware transfer procedure.
	Script string `yaml:"script"`

	// Timeout is the hardware backend deadline.
	Timeout time.Duration `yaml:"timeout"`

	// GracePeriod is how long the script gets after SIGTERM before SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEET_SECTION_KEY
// For example: FLEET_SHOP_MODE, FLEET_GADGET_SHOP_URL
//
// Role, when non-empty, overrides node.role before validation.
func Load(path, role string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if role != "" {
		cfg.Node.Role = role
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxUploadMB: 64,
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/shop.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleet",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Forward: ForwardLoggingConfig{
				Level: "info",
			},
		},
		Shop: ShopConfig{
			Mode:          ModePassive,
			TTL:           60 * time.Second,
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
			ProbePath:     "/ping",
		},
		Gadget: GadgetConfig{
			NameFile: DefaultDeviceNameFile,
			ShopURL:  "http://192.168.0.118:3000",
			Heartbeat: HeartbeatConfig{
				Mode:      ModePassive,
				Transport: TransportHTTP,
				Interval:  15 * time.Second,
				Timeout:   5 * time.Second,
			},
			Transfer: TransferConfig{
				Backend:        BackendHardware,
				UploadDir:      "./upload",
				TransferDir:    "./transferred",
				SimulatedDelay: 2 * time.Second,
				Script:         "./scripts/transfer.sh",
				Timeout:        120 * time.Second,
				GracePeriod:    5 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEET_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("FLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Shop
	if v := os.Getenv("FLEET_SHOP_MODE"); v != "" {
		cfg.Shop.Mode = v
	}

	// Gadget
	if v := os.Getenv("FLEET_GADGET_NAME"); v != "" {
		cfg.Gadget.Name = v
	}
	if v := os.Getenv("FLEET_GADGET_SHOP_URL"); v != "" {
		cfg.Gadget.ShopURL = v
	}
	if v := os.Getenv("FLEET_GADGET_BACKEND"); v != "" {
		cfg.Gadget.Transfer.Backend = v
	}
	// DEV_MODE is kept for gadgets provisioned before the config file existed.
	if isTruthy(os.Getenv("DEV_MODE")) {
		cfg.Gadget.Transfer.Backend = BackendSimulated
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	switch c.Node.Role {
	case "shop":
		errs = append(errs, c.validateShop()...)
	case "gadget":
		errs = append(errs, c.validateGadget()...)
	case "":
		errs = append(errs, "node.role is required")
	default:
		errs = append(errs, fmt.Sprintf("node.role %q must be shop or gadget", c.Node.Role))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateShop() []string {
	var errs []string

	if c.Shop.Mode != ModePassive && c.Shop.Mode != ModeActive {
		errs = append(errs, "shop.mode must be passive or active")
	}
	if c.Shop.TTL <= 0 {
		errs = append(errs, "shop.ttl must be positive")
	}
	if c.Shop.Mode == ModeActive {
		if c.Shop.ProbeInterval < time.Second {
			errs = append(errs, "shop.probe_interval must be at least 1s")
		}
		if c.Shop.ProbeTimeout <= 0 || c.Shop.ProbeTimeout > c.Shop.ProbeInterval {
			errs = append(errs, "shop.probe_timeout must be positive and no longer than shop.probe_interval")
		}
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	return errs
}

func (c *Config) validateGadget() []string {
	var errs []string
	g := c.Gadget

	if g.ShopURL == "" {
		errs = append(errs, "gadget.shop_url is required")
	}
	if g.Heartbeat.Mode != ModePassive && g.Heartbeat.Mode != ModeActive {
		errs = append(errs, "gadget.heartbeat.mode must be passive or active")
	}
	switch g.Heartbeat.Transport {
	case TransportHTTP:
	case TransportMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "gadget.heartbeat.transport mqtt requires mqtt.enabled")
		}
		if g.Heartbeat.Mode != ModePassive {
			errs = append(errs, "gadget.heartbeat.transport mqtt only supports passive mode")
		}
	default:
		errs = append(errs, "gadget.heartbeat.transport must be http or mqtt")
	}
	if g.Heartbeat.Interval <= 0 {
		errs = append(errs, "gadget.heartbeat.interval must be positive")
	}

	if g.Transfer.UploadDir == "" {
		errs = append(errs, "gadget.transfer.upload_dir is required")
	}
	switch g.Transfer.Backend {
	case BackendSimulated:
		if g.Transfer.TransferDir == "" {
			errs = append(errs, "gadget.transfer.transfer_dir is required for the simulated backend")
		}
	case BackendHardware:
		if g.Transfer.Script == "" {
			errs = append(errs, "gadget.transfer.script is required for the hardware backend")
		}
		if g.Transfer.Timeout <= 0 {
			errs = append(errs, "gadget.transfer.timeout must be positive")
		}
	default:
		errs = append(errs, "gadget.transfer.backend must be simulated or hardware")
	}

	if c.Logging.Forward.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "logging.forward requires mqtt.enabled")
	}

	return errs
}

// DeviceName resolves the gadget's self-asserted id.
//
// Resolution order: gadget.name, the first line of gadget.name_file,
// "dev-machine" for the simulated backend, then "unknown".
func (c *Config) DeviceName() string {
	if name := strings.TrimSpace(c.Gadget.Name); name != "" {
		return name
	}
	if c.Gadget.NameFile != "" {
		if data, err := os.ReadFile(c.Gadget.NameFile); err == nil {
			line, _, _ := strings.Cut(string(data), "\n")
			if name := strings.TrimSpace(line); name != "" {
				return name
			}
		}
	}
	if c.Gadget.Transfer.Backend == BackendSimulated {
		return "dev-machine"
	}
	return "unknown"
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
