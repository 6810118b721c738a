package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/mqtt"
)

// Announcement modes and transports.
const (
	ModePassive = "passive"
	ModeActive  = "active"

	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

// Shop endpoints.
const (
	PingPath     = "/api/v1/devices/ping"
	RegisterPath = "/api/v1/devices/register"
)

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultPort     = 80

	// maxErrorBody bounds how much of a rejection body is kept for logs.
	maxErrorBody = 512
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher sends MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config describes how a gadget announces itself.
type Config struct {
	Mode      string
	Transport string
	ShopURL   string
	DeviceID  string

	// Host is the address the shop should use to reach this gadget.
	// Over HTTP it may be empty and the shop uses the request's source.
	Host string
	Port int

	Interval time.Duration
	Timeout  time.Duration
}

// RegisterRequest is the body of an active-mode registration.
type RegisterRequest struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Client sends heartbeats or registrations on a schedule.
type Client struct {
	cfg    Config
	http   *http.Client
	pub    Publisher
	logger Logger

	connected atomic.Bool
	beats     atomic.Uint64
}

// New validates cfg and creates a client. pub is only required for the
// MQTT transport.
func New(cfg Config, pub Publisher) (*Client, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePassive
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportHTTP
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	cfg.ShopURL = strings.TrimRight(cfg.ShopURL, "/")

	var problems []string
	if strings.TrimSpace(cfg.DeviceID) == "" {
		problems = append(problems, "device id is required")
	}
	switch cfg.Mode {
	case ModePassive, ModeActive:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", cfg.Mode))
	}
	switch cfg.Transport {
	case TransportHTTP:
		if cfg.ShopURL == "" {
			problems = append(problems, "shop url is required")
		}
	case TransportMQTT:
		if cfg.Mode == ModeActive {
			problems = append(problems, "active mode registers over http only")
		}
		if pub == nil {
			problems = append(problems, "mqtt transport needs a publisher")
		}
		if cfg.Host == "" {
			problems = append(problems, "mqtt transport needs an advertised host")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		pub:    pub,
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetHTTPClient replaces the HTTP client used to reach the shop.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}

// Connected reports whether the most recent attempt succeeded.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Beats returns the number of attempts made so far.
func (c *Client) Beats() uint64 {
	return c.beats.Load()
}

// Beat makes one announcement and updates the connectivity flag.
func (c *Client) Beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.beats.Add(1)

	var err error
	switch {
	case c.cfg.Mode == ModeActive:
		err = c.register(ctx)
	case c.cfg.Transport == TransportMQTT:
		err = c.publish()
	default:
		err = c.ping(ctx)
	}

	was := c.connected.Swap(err == nil)
	switch {
	case err == nil && !was:
		c.logger.Info("connected to shop", "mode", c.cfg.Mode, "transport", c.cfg.Transport)
	case err != nil && was:
		c.logger.Warn("lost connection to shop", "error", err)
	case err != nil:
		c.logger.Debug("shop still unreachable", "error", err)
	}
	return err
}

// Run beats immediately and then every interval until ctx is cancelled.
// A beat still in flight when the next is due causes that tick to be skipped.
func (c *Client) Run(ctx context.Context) error {
	scheduler := cron.New(
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	scheduler.Schedule(cron.Every(c.cfg.Interval), cron.FuncJob(func() {
		c.Beat(ctx) //nolint:errcheck // Outcome is reflected in Connected and logged
	}))

	c.Beat(ctx) //nolint:errcheck // As above
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func (c *Client) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ShopURL+PingPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	req.Header.Set("id", c.cfg.DeviceID)
	req.Header.Set("port", strconv.Itoa(c.cfg.Port))
	return c.do(req)
}

func (c *Client) register(ctx context.Context) error {
	body, err := json.Marshal(RegisterRequest{
		DeviceID: c.cfg.DeviceID,
		Address:  c.cfg.Host,
		Port:     c.cfg.Port,
	})
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ShopURL+RegisterPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // Best effort detail
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse
	return nil
}

func (c *Client) publish() error {
	payload, err := json.Marshal(mqtt.HeartbeatMessage{
		DeviceID: c.cfg.DeviceID,
		Address:  net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := c.pub.Publish(mqtt.Topics{}.GadgetHeartbeat(c.cfg.DeviceID), payload); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

// OutboundHost returns the local IP this machine would use to reach
// shopURL. No packets are sent.
func OutboundHost(shopURL string) (string, error) {
	u, err := url.Parse(shopURL)
	if err != nil {
		return "", fmt.Errorf("parsing shop url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("shop url %q has no host", shopURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		return "", fmt.Errorf("resolving outbound address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
