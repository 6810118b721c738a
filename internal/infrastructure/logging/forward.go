package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is a single log record in its forwarded (wire) form.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink receives forwarded log entries.
type Sink interface {
	Send(ctx context.Context, entry Entry) error
}

// Publisher is the subset of the MQTT client used by RemoteSink.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// RemoteSink publishes entries as JSON to a fixed MQTT topic. Delivery
// guarantees are the publisher's concern.
type RemoteSink struct {
	pub   Publisher
	topic string
}

// NewRemoteSink creates a sink publishing to topic.
func NewRemoteSink(pub Publisher, topic string) *RemoteSink {
	return &RemoteSink{pub: pub, topic: topic}
}

// Send marshals the entry and publishes it.
func (s *RemoteSink) Send(_ context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling log entry: %w", err)
	}
	return s.pub.Publish(s.topic, payload)
}

// ConsoleSink writes entries as JSON lines to a local writer.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a console sink. A nil writer means stderr.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleSink{w: w}
}

// Send writes one JSON line.
func (s *ConsoleSink) Send(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling log entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

// GatedSink sends to Remote while connected reports true and to Local
// otherwise. A failed remote send falls back to Local.
type GatedSink struct {
	Remote    Sink
	Local     Sink
	Connected func() bool
}

// Send routes the entry by the current connectivity flag.
func (s *GatedSink) Send(ctx context.Context, entry Entry) error {
	if s.Remote != nil && s.Connected != nil && s.Connected() {
		if err := s.Remote.Send(ctx, entry); err == nil {
			return nil
		}
	}
	return s.Local.Send(ctx, entry)
}

// ForwardingHandler is a slog.Handler that diverts records at or above
// a threshold level to a Sink. Everything else, and any record the sink
// rejects, is handled by the local handler.
type ForwardingHandler struct {
	local  slog.Handler
	sink   Sink
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewForwardingHandler wraps local, sending records >= level to sink.
func NewForwardingHandler(local slog.Handler, sink Sink, level slog.Level) *ForwardingHandler {
	return &ForwardingHandler{local: local, sink: sink, level: level}
}

// Enabled reports whether either path wants records at this level.
func (h *ForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level || h.local.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		if err := h.sink.Send(ctx, h.entry(r)); err == nil {
			return nil
		}
	}
	if !h.local.Enabled(ctx, r.Level) {
		return nil
	}
	return h.local.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.local = h.local.WithAttrs(attrs)
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &clone
}

// WithGroup implements slog.Handler. Group names become dotted key prefixes
// in forwarded entries.
func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.local = h.local.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *ForwardingHandler) entry(r slog.Record) Entry {
	e := Entry{
		Time:    r.Time,
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
		Attrs:   make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		addAttr(e.Attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(e.Attrs, h.prefix, a)
		return true
	})
	return e
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(dst, prefix+a.Key+".", ga)
		}
		return
	}
	switch val := v.Any().(type) {
	case error:
		dst[prefix+a.Key] = val.Error()
	case time.Duration:
		dst[prefix+a.Key] = val.String()
	default:
		dst[prefix+a.Key] = val
	}
}
