package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every fleet topic.
const TopicPrefix = "fleet"

// Topics provides builders for fleet MQTT topics.
// Using these helpers ensures consistent topic naming across the shop and gadgets.
//
//	topics := mqtt.Topics{}
//	topics.GadgetHeartbeat("g7") // "fleet/gadget/g7/heartbeat"
type Topics struct{}

// =============================================================================
// Gadget Topics
// =============================================================================

// GadgetHeartbeat returns the topic a passive gadget publishes heartbeats on.
//
// Example: fleet/gadget/g7/heartbeat
func (Topics) GadgetHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/gadget/%s/heartbeat", TopicPrefix, deviceID)
}

// GadgetLog returns the topic for forwarded gadget log records.
//
// Example: fleet/gadget/g7/log
func (Topics) GadgetLog(deviceID string) string {
	return fmt.Sprintf("%s/gadget/%s/log", TopicPrefix, deviceID)
}

// GadgetTransfer returns the topic for transfer lifecycle events.
//
// Example: fleet/gadget/g7/transfer
func (Topics) GadgetTransfer(deviceID string) string {
	return fmt.Sprintf("%s/gadget/%s/transfer", TopicPrefix, deviceID)
}

// =============================================================================
// Node Topics
// =============================================================================

// NodeStatus returns the retained online/offline topic for one MQTT client.
//
// Example: fleet/node/fleet-gadget-g7/status
func (Topics) NodeStatus(clientID string) string {
	return fmt.Sprintf("%s/node/%s/status", TopicPrefix, clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllHeartbeats matches every gadget heartbeat.
//
// Pattern: fleet/gadget/+/heartbeat
func (Topics) AllHeartbeats() string {
	return fmt.Sprintf("%s/gadget/+/heartbeat", TopicPrefix)
}

// AllLogs matches every forwarded gadget log.
//
// Pattern: fleet/gadget/+/log
func (Topics) AllLogs() string {
	return fmt.Sprintf("%s/gadget/+/log", TopicPrefix)
}

// AllTransfers matches every gadget transfer event.
//
// Pattern: fleet/gadget/+/transfer
func (Topics) AllTransfers() string {
	return fmt.Sprintf("%s/gadget/+/transfer", TopicPrefix)
}

// AllNodeStatus matches every node status topic.
//
// Pattern: fleet/node/+/status
func (Topics) AllNodeStatus() string {
	return fmt.Sprintf("%s/node/+/status", TopicPrefix)
}

// DeviceIDFromTopic extracts {id} from fleet/gadget/{id}/... topics.
// It returns false for any other shape.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "gadget" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
