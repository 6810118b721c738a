// Package device keeps the shop's durable history of gadgets.
//
// The liveness registry only holds gadgets that are currently alive. This
// package records every gadget the shop has ever seen, when it was
// pruned, and the transfer outcomes gadgets report, in SQLite.
//
// Recorder bridges the two: it listens to registry events and writes them
// to a Repository (and optionally to Metrics such as the InfluxDB client)
// on its own goroutine, so registry callers never wait on disk.
package device
