package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nerrad567/gadget-fleet/internal/api"
	"github.com/nerrad567/gadget-fleet/internal/device"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gadget-fleet/internal/liveness"
	"github.com/nerrad567/gadget-fleet/migrations"
)

const shutdownTimeout = 10 * time.Second

// runShop runs the shop until ctx is cancelled.
func runShop(ctx context.Context, configPath string) error {
	log := logging.Default()

	cfg, err := config.Load(configPath, roleShop)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, roleShop, version)
	log.Info("starting shop",
		"version", version,
		"commit", commit,
		"config", configPath,
		"mode", cfg.Shop.Mode,
	)

	clock := liveness.SystemClock{}
	registry := liveness.NewRegistry(cfg.Shop.TTL)
	registry.SetLogger(log)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetLogger(log)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Device history (optional)
	var (
		db       *database.DB
		history  device.Repository
		recorder *device.Recorder
	)
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "path", cfg.Database.Path)

		repo := device.NewSQLiteRepository(db.DB)
		history = repo

		var metrics device.Metrics
		if influxClient != nil {
			metrics = influxClient
		}
		recorder = device.NewRecorder(repo, metrics)
		recorder.SetLogger(log)
		registry.AddListener(recorder.Listen)

		recCtx, stopRecorder := context.WithCancel(context.Background())
		recDone := make(chan struct{})
		go func() {
			defer close(recDone)
			recorder.Run(recCtx)
		}()
		// Registered after db.Close, so it runs first.
		defer func() {
			stopRecorder()
			<-recDone
		}()
	} else if influxClient != nil {
		registry.AddListener(presenceMetrics(influxClient))
	}

	protocol := newProtocol(cfg, registry, clock, log)

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.RoleShop, "")
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)

		relay := &shopRelay{
			protocol: protocol,
			recorder: recorder,
			logger:   log,
		}
		if influxClient != nil {
			relay.metrics = influxClient
		}
		if err := relay.subscribe(mqttClient); err != nil {
			return err
		}
		log.Info("MQTT relay subscribed",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", mqttClient.ID(),
			"subscriptions", mqttClient.SubscriptionCount(),
		)
	}

	if err := protocol.Start(ctx); err != nil {
		return fmt.Errorf("starting %s protocol: %w", protocol.Mode(), err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := protocol.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping liveness protocol", "error", stopErr)
		}
	}()

	srv, err := api.NewShop(api.ShopDeps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Protocol: protocol,
		History:  history,
		Clock:    clock,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := shopHealthCheck(ctx, srv, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("shop ready", "address", srv.Addr())

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

func newProtocol(cfg *config.Config, registry *liveness.Registry, clock liveness.Clock, log *logging.Logger) liveness.Protocol {
	if cfg.Shop.Mode != config.ModeActive {
		return liveness.NewPassiveProtocol(registry, clock)
	}

	active := liveness.NewActiveProtocol(registry, liveness.NewHTTPProber(cfg.Shop.ProbePath), clock, liveness.ActiveConfig{
		Interval:     cfg.Shop.ProbeInterval,
		ProbeTimeout: cfg.Shop.ProbeTimeout,
		Concurrency:  cfg.Shop.ProbeConcurrency,
	})
	active.SetLogger(log)
	active.OnSweep(func(res liveness.SweepResult) {
		if len(res.Pruned) > 0 {
			log.Info("sweep pruned devices", "probed", res.Probed, "pruned", res.Pruned)
		}
	})
	return active
}

// presenceMetrics writes presence points straight from registry events
// when there is no device history to route them through.
func presenceMetrics(m device.Metrics) liveness.Listener {
	return liveness.InOrder(func(ev liveness.Event) {
		switch ev.Type {
		case liveness.EventPresence:
			m.WritePresence(ev.Record.ID, influxdb.PresenceSeen, ev.Created, ev.Record.LastSeen)
		case liveness.EventRemoved:
			m.WritePresence(ev.Record.ID, influxdb.PresencePruned, false, time.Now())
		}
	})
}

// shopRelay handles gadget traffic arriving over MQTT.
type shopRelay struct {
	protocol liveness.Protocol
	recorder *device.Recorder
	metrics  device.Metrics
	logger   *logging.Logger
}

// subscriber is the part of *mqtt.Client the relay needs.
type subscriber interface {
	Subscribe(topic string, handler mqtt.MessageHandler) error
}

func (r *shopRelay) subscribe(client subscriber) error {
	topics := mqtt.Topics{}
	if r.protocol.Mode() == liveness.ModePassive {
		if err := client.Subscribe(topics.AllHeartbeats(), r.handleHeartbeat); err != nil {
			return fmt.Errorf("subscribing to heartbeats: %w", err)
		}
	}
	if err := client.Subscribe(topics.AllLogs(), r.handleLog); err != nil {
		return fmt.Errorf("subscribing to gadget logs: %w", err)
	}
	if err := client.Subscribe(topics.AllTransfers(), r.handleTransfer); err != nil {
		return fmt.Errorf("subscribing to transfer reports: %w", err)
	}
	if err := client.Subscribe(topics.AllNodeStatus(), r.handleNodeStatus); err != nil {
		return fmt.Errorf("subscribing to node status: %w", err)
	}
	return nil
}

// handleNodeStatus logs gadgets whose broker session comes or goes. A
// will-published offline means the gadget dropped without shutting down.
func (r *shopRelay) handleNodeStatus(topic string, payload []byte) error {
	msg, err := mqtt.DecodeStatus(topic, payload)
	if err != nil {
		return err
	}
	if msg.Role != mqtt.RoleGadget {
		return nil
	}
	switch {
	case msg.Online():
		r.logger.Info("gadget MQTT session up", "device_id", msg.DeviceID, "client_id", msg.ClientID)
	case msg.Graceful():
		r.logger.Info("gadget MQTT session closed", "device_id", msg.DeviceID, "client_id", msg.ClientID)
	default:
		r.logger.Warn("gadget MQTT session lost",
			"device_id", msg.DeviceID,
			"client_id", msg.ClientID,
			"reason", msg.Reason,
		)
	}
	return nil
}

func (r *shopRelay) handleHeartbeat(topic string, payload []byte) error {
	msg, err := mqtt.DecodeHeartbeat(topic, payload)
	if err != nil {
		return err
	}
	_, err = r.protocol.Accept(context.Background(), liveness.Announcement{
		DeviceID: msg.DeviceID,
		Address:  msg.Address,
	})
	return err
}

// handleLog re-emits a forwarded gadget record through the shop's logger.
func (r *shopRelay) handleLog(topic string, payload []byte) error {
	id, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %s", mqtt.ErrInvalidTopic, topic)
	}
	var entry logging.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return fmt.Errorf("decoding gadget log: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(entry.Level)); err != nil {
		level = slog.LevelInfo
	}

	args := make([]any, 0, 2*len(entry.Attrs)+4)
	args = append(args, "device_id", id, "gadget_time", entry.Time)
	for k, v := range entry.Attrs {
		args = append(args, "gadget."+k, v)
	}
	r.logger.Log(context.Background(), level, entry.Message, args...)
	return nil
}

func (r *shopRelay) handleTransfer(topic string, payload []byte) error {
	msg, err := mqtt.DecodeTransfer(topic, payload)
	if err != nil {
		return err
	}
	r.logger.Info("gadget transfer",
		"device_id", msg.DeviceID,
		"transfer_id", msg.TransferID,
		"event", msg.Event,
		"filename", msg.Filename,
		"error", msg.Error,
	)

	t := device.Transfer{
		ID:         msg.TransferID,
		DeviceID:   msg.DeviceID,
		Filename:   msg.Filename,
		Backend:    msg.Backend,
		Event:      msg.Event,
		DurationMS: msg.DurationMS,
		Error:      msg.Error,
		ReportedAt: msg.Timestamp,
	}
	if t.ReportedAt.IsZero() {
		t.ReportedAt = time.Now().UTC()
	}

	switch {
	case r.recorder != nil:
		return r.recorder.RecordTransfer(context.Background(), t)
	case r.metrics != nil && t.Event != device.TransferStarted:
		r.metrics.WriteTransfer(t.DeviceID, t.Backend, t.Event == device.TransferCompleted,
			time.Duration(t.DurationMS)*time.Millisecond, t.ReportedAt)
	}
	return nil
}

// shopHealthCheck verifies every enabled dependency.
func shopHealthCheck(ctx context.Context, srv *api.Server, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
