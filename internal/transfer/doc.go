// Package transfer moves uploaded files into the downstream hardware
// pipeline, one at a time.
//
// The Runner owns a single slot. StartTransfer claims it with a
// compare-and-set under a mutex and returns immediately; the Backend then
// runs on its own goroutine, outside the lock. When the backend returns,
// fails or panics the slot is released before the outcome is logged, so
// the next upload can start at once. Uploads arriving while the slot is
// taken are refused, never queued.
//
// Two backends exist:
//   - SimulatedBackend copies the file between staging directories after a delay.
//   - HardwareBackend runs an external transfer script under a deadline.
//
// A Reporter registered as a runner listener publishes each lifecycle
// event to the shop over MQTT.
package transfer
