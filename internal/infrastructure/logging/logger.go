package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
)

// Logger wraps slog.Logger with fleet-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, role, version)
//   - Output destination
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - role: Node role ("shop" or "gadget"), added as a default field
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, role, version string) *Logger {
	handler := newHandler(outputFor(cfg.Output), cfg).WithAttrs(defaultAttrs(role, version))
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewForwarding creates a Logger that routes records at or above
// cfg.Forward.Level to sink instead of the local output.
//
// Records below the forwarding level are written locally as usual.
// The sink is typically a GatedSink that chooses between the shop
// and the local console per record.
func NewForwarding(cfg config.LoggingConfig, role, version string, sink Sink) *Logger {
	local := newHandler(outputFor(cfg.Output), cfg)
	if !cfg.Forward.Enabled || sink == nil {
		return &Logger{Logger: slog.New(local.WithAttrs(defaultAttrs(role, version)))}
	}

	fwd := NewForwardingHandler(local, sink, parseLevel(cfg.Forward.Level))
	return &Logger{Logger: slog.New(fwd.WithAttrs(defaultAttrs(role, version)))}
}

func outputFor(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// newHandler builds the local slog handler for the configured format and level.
func newHandler(output io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return handler
}

func defaultAttrs(role, version string) []slog.Attr {
	return []slog.Attr{
		slog.String("service", "fleet"),
		slog.String("role", role),
		slog.String("version", version),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	probeLogger := logger.With("component", "prober")
//	probeLogger.Info("sweep complete") // Includes component=prober
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "", "dev")
}
