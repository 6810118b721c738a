// Package liveness tracks which gadgets are reachable from the shop.
//
// A single Registry holds one presence record per device id. Two Protocol
// strategies drive it:
//
//   - PassiveProtocol: gadgets push heartbeats; records are overwritten on
//     every heartbeat and never deleted, they only age out of "connected".
//   - ActiveProtocol: gadgets register once; the shop probes every registered
//     address on a fixed schedule and removes any device whose probe fails.
//
// A device is connected when now - last_seen <= TTL (default 60s).
//
// Thread Safety:
//   - Registry methods are safe for concurrent use. No I/O happens under its lock.
//   - Snapshot and Get return copies; callers can keep them.
package liveness
