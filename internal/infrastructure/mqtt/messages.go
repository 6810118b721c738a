package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HeartbeatMessage is published by a passive gadget on GadgetHeartbeat.
type HeartbeatMessage struct {
	DeviceID string    `json:"device_id"`
	Address  string    `json:"address"`
	SentAt   time.Time `json:"sent_at"`
}

// TransferMessage is published by a gadget on GadgetTransfer.
type TransferMessage struct {
	DeviceID   string    `json:"device_id"`
	TransferID string    `json:"transfer_id"`
	Event      string    `json:"event"`
	Filename   string    `json:"filename"`
	Backend    string    `json:"backend"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusMessage is the retained online/offline payload on NodeStatus.
// DeviceID is set for gadgets only.
type StatusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	Role      string    `json:"role"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Online reports whether the node announced itself up.
func (m StatusMessage) Online() bool {
	return m.Status == statusOnline
}

// Graceful reports whether an offline node left through Close rather
// than through its will.
func (m StatusMessage) Graceful() bool {
	return m.Reason == reasonShutdown
}

func (m StatusMessage) encode() []byte {
	payload, _ := json.Marshal(m) //nolint:errcheck // Plain strings and a time always marshal
	return payload
}

// DecodeStatus parses a node status payload. The client id in the payload
// must match the topic.
func DecodeStatus(topic string, payload []byte) (StatusMessage, error) {
	var msg StatusMessage
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "node" || parts[3] != "status" || parts[2] == "" {
		return msg, fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decoding node status: %w", err)
	}
	if msg.ClientID != parts[2] {
		return msg, fmt.Errorf("status client_id %q does not match topic %q", msg.ClientID, topic)
	}
	return msg, nil
}

// DecodeHeartbeat parses a heartbeat payload. When the payload omits the
// device id, the id from the topic is used; when both are present they
// must agree.
func DecodeHeartbeat(topic string, payload []byte) (HeartbeatMessage, error) {
	var msg HeartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decoding heartbeat: %w", err)
	}

	topicID, ok := DeviceIDFromTopic(topic)
	if !ok {
		return msg, fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	switch msg.DeviceID {
	case "":
		msg.DeviceID = topicID
	case topicID:
	default:
		return msg, fmt.Errorf("heartbeat device_id %q does not match topic %q", msg.DeviceID, topic)
	}
	return msg, nil
}

// DecodeTransfer parses a transfer report, taking the device id from the
// topic when the payload omits it.
func DecodeTransfer(topic string, payload []byte) (TransferMessage, error) {
	var msg TransferMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decoding transfer report: %w", err)
	}

	topicID, ok := DeviceIDFromTopic(topic)
	if !ok {
		return msg, fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	switch msg.DeviceID {
	case "":
		msg.DeviceID = topicID
	case topicID:
	default:
		return msg, fmt.Errorf("transfer device_id %q does not match topic %q", msg.DeviceID, topic)
	}
	if msg.TransferID == "" || msg.Event == "" {
		return msg, fmt.Errorf("transfer report on %s missing transfer_id or event", topic)
	}
	return msg, nil
}
