package mqtt

import (
	"fmt"
	"strings"
	"time"
)

// maxPayloadSize caps one message. Log records are the largest payloads.
const maxPayloadSize = 256 << 10

// topicKind classifies a fleet topic or subscription pattern.
type topicKind int

const (
	kindHeartbeat topicKind = iota + 1
	kindLog
	kindTransfer
	kindStatus
)

// delivery is how a kind of topic travels.
type delivery struct {
	qos      byte
	retained bool
}

// classify maps topic onto its kind. Wildcards are accepted only when
// pattern is set, and only in the device segment.
func classify(topic string, pattern bool) (topicKind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	id := parts[2]
	if strings.ContainsAny(id, "#") || (strings.Contains(id, "+") && (!pattern || id != "+")) {
		return 0, fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
	}

	switch {
	case parts[1] == "gadget" && parts[3] == "heartbeat":
		return kindHeartbeat, nil
	case parts[1] == "gadget" && parts[3] == "log":
		return kindLog, nil
	case parts[1] == "gadget" && parts[3] == "transfer":
		return kindTransfer, nil
	case parts[1] == "node" && parts[3] == "status":
		return kindStatus, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
}

// deliveryFor returns the rule for kind. Forwarded logs are best effort;
// everything else uses the configured QoS. Only node status is retained,
// so a new subscriber sees which nodes are up.
func (c *Client) deliveryFor(kind topicKind) delivery {
	switch kind {
	case kindLog:
		return delivery{qos: 0}
	case kindStatus:
		return delivery{qos: c.reliableQoS, retained: true}
	default:
		return delivery{qos: c.reliableQoS}
	}
}

// Publish sends payload on a gadget topic with that topic's delivery
// rule. Node status topics are written only by the client itself.
func (c *Client) Publish(topic string, payload []byte) error {
	kind, err := classify(topic, false)
	if err != nil {
		return err
	}
	if kind == kindStatus {
		return fmt.Errorf("%w: %q is managed by the client", ErrInvalidTopic, topic)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	d := c.deliveryFor(kind)
	token := c.client.Publish(topic, d.qos, d.retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Node status values and reasons.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonShutdown   = "graceful_shutdown"
	reasonUnexpected = "unexpected_disconnect"
)

func (c *Client) statusPayload(status, reason string) []byte {
	msg := StatusMessage{
		Status:    status,
		ClientID:  c.clientID,
		Role:      c.role,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if c.role == RoleGadget {
		msg.DeviceID = c.deviceID
	}
	return msg.encode()
}

// publishStatus writes the node's retained status. Failures are logged;
// the will covers a node that goes away without one.
func (c *Client) publishStatus(status, reason string) {
	d := c.deliveryFor(kindStatus)
	token := c.client.Publish(Topics{}.NodeStatus(c.clientID), d.qos, d.retained, c.statusPayload(status, reason))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.log().Warn("MQTT status publish timed out", "status", status)
		return
	}
	if err := token.Error(); err != nil {
		c.log().Warn("MQTT status publish failed", "status", status, "error", err)
	}
}
