// Package mqtt provides MQTT client connectivity for fleet nodes.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Per-topic delivery rules (QoS and retain) chosen by the client
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Retained node status with a Last Will for offline detection
//   - Wire formats for heartbeats, transfer events and node status
//
// # Architecture
//
// MQTT is an optional side channel next to HTTP. Gadgets can publish
// heartbeats, forwarded log records and transfer events; the shop
// subscribes with wildcards and feeds heartbeats into its registry.
//
//	gadget ── fleet/gadget/{id}/heartbeat ──► broker ──► shop
//	gadget ── fleet/gadget/{id}/log       ──► broker ──► shop log
//	gadget ── fleet/gadget/{id}/transfer  ──► broker ──► shop history
//	node   ── fleet/node/{client}/status  ──► broker ──► shop log (retained)
//
// Logs travel at QoS 0. Heartbeats, transfer events and node status use
// the configured QoS, and only node status is retained.
//
// # Security Considerations
//
//   - Enable TLS outside a trusted LAN (cfg.Broker.TLS=true)
//   - Device ids in topics are self-asserted, like HTTP heartbeats
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.RoleShop, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllHeartbeats(),
//	    func(topic string, payload []byte) error {
//	        msg, err := mqtt.DecodeHeartbeat(topic, payload)
//	        ...
//	    })
package mqtt
