package transfer

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/mqtt"
)

// Publisher sends MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Reporter publishes runner events to the shop on the gadget's transfer
// topic. Register Listen with Runner.AddListener.
type Reporter struct {
	deviceID string
	pub      Publisher
	logger   Logger
	now      func() time.Time
}

// NewReporter creates a reporter for deviceID.
func NewReporter(deviceID string, pub Publisher) *Reporter {
	return &Reporter{
		deviceID: deviceID,
		pub:      pub,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the reporter.
func (r *Reporter) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Listen publishes ev. Publish failures are logged; a transfer never
// fails because the shop could not be told about it.
func (r *Reporter) Listen(ev Event) {
	msg := mqtt.TransferMessage{
		DeviceID:   r.deviceID,
		TransferID: ev.Outcome.ID,
		Event:      string(ev.Type),
		Filename:   ev.Outcome.Filename,
		Backend:    ev.Outcome.Backend,
		Error:      ev.Outcome.Error,
		Timestamp:  r.now().UTC(),
	}
	if ev.Type != EventStarted {
		msg.DurationMS = ev.Outcome.Duration.Milliseconds()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encoding transfer report", "error", err)
		return
	}
	if err := r.pub.Publish(mqtt.Topics{}.GadgetTransfer(r.deviceID), payload); err != nil {
		r.logger.Warn("publishing transfer report",
			"transfer_id", msg.TransferID,
			"event", msg.Event,
			"error", err,
		)
	}
}
