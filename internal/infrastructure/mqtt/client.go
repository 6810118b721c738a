package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
)

// Fleet roles. The role decides the client id and what the node's status
// message says about it.
const (
	RoleShop   = "shop"
	RoleGadget = "gadget"
)

// DefaultClientID is the client_id shipped in the example config. Left
// as is, every node gets a generated id instead so two gadgets never share
// a broker session.
const DefaultClientID = "fleet"

// ClientID returns the broker client id for a node. An explicit id is
// kept; an empty or default one becomes fleet-shop or fleet-gadget-{id}.
func ClientID(configured, role, deviceID string) string {
	if configured != "" && configured != DefaultClientID {
		return configured
	}
	if role == RoleGadget && deviceID != "" {
		return "fleet-gadget-" + deviceID
	}
	return "fleet-" + role
}

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client is one fleet node's broker session.
//
// The client owns the delivery rules for fleet topics: callers name a
// topic and the client picks its QoS and retain flag. It keeps the node's
// retained status topic current and re-subscribes after a reconnect.
// All methods are safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	role     string
	deviceID string
	clientID string

	// reliableQoS is used for every topic except forwarded logs.
	reliableQoS byte

	subMu         sync.RWMutex
	subscriptions map[string]MessageHandler

	connected atomic.Bool

	logMu  sync.RWMutex
	logger Logger
}

// MessageHandler handles one message. It runs on a paho goroutine; a
// returned error is logged and the message is still acknowledged.
type MessageHandler func(topic string, payload []byte) error

func newClient(cfg config.MQTTConfig, role, deviceID string) *Client {
	qos := cfg.QoS
	if qos < 0 || qos > maxQoS {
		qos = 1
	}
	return &Client{
		cfg:           cfg,
		role:          role,
		deviceID:      deviceID,
		clientID:      ClientID(cfg.Broker.ClientID, role, deviceID),
		reliableQoS:   byte(qos),
		subscriptions: make(map[string]MessageHandler),
		logger:        noopLogger{},
	}
}

// Connect opens a session for a node in role. deviceID names a gadget
// and is ignored for the shop. The broker is told to mark the node
// offline if the session drops without Close.
func Connect(cfg config.MQTTConfig, role, deviceID string) (*Client, error) {
	c := newClient(cfg, role, deviceID)

	opts := buildClientOptions(cfg, c.clientID)
	configureLWT(opts, Topics{}.NodeStatus(c.clientID), c.statusPayload(statusOffline, reasonUnexpected), c.reliableQoS)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.connected.Store(false)
		c.log().Warn("MQTT connection lost", "client_id", c.clientID, "error", err)
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("MQTT reconnecting", "client_id", c.clientID)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously; mark the session usable now.
	c.connected.Store(true)
	return c, nil
}

// ID returns the broker client id in use.
func (c *Client) ID() string {
	return c.clientID
}

// handleConnect runs on the first connect and on every reconnect.
func (c *Client) handleConnect() {
	c.connected.Store(true)
	n := c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")
	c.log().Info("MQTT connected", "client_id", c.clientID, "role", c.role, "subscriptions", n)
}

// Close marks the node offline and disconnects. Calling it on a client
// that never connected is a no-op.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(statusOffline, reasonShutdown)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetLogger sets the logger for connection changes and handler failures.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logMu.Lock()
	c.logger = logger
	c.logMu.Unlock()
}

func (c *Client) log() Logger {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}
