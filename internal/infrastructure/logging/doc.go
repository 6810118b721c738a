// Package logging provides structured logging for fleet nodes.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the shop and gadget roles.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, role, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Optional forwarding of gadget records to the shop over MQTT
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//	  forward:
//	    enabled: true    # gadget only, requires mqtt
//	    level: "warn"
//
// # Forwarding
//
// A gadget builds a GatedSink from a RemoteSink (MQTT) and a ConsoleSink,
// gated by its heartbeat connectivity flag, and passes it to NewForwarding.
// Records at or above the forward level go to the sink; if the shop is
// unreachable they land on the console instead.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "shop", "1.0.0")
//	logger.Info("starting service", "port", 3000)
//	logger.Error("failed to connect", "error", err)
//
// Never log secrets, tokens, or passwords.
package logging
