package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/gadget-fleet/internal/api"
	"github.com/nerrad567/gadget-fleet/internal/heartbeat"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gadget-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gadget-fleet/internal/process"
	"github.com/nerrad567/gadget-fleet/internal/transfer"
)

// runGadget runs a gadget until ctx is cancelled.
func runGadget(ctx context.Context, configPath string) error {
	log := logging.Default()

	cfg, err := config.Load(configPath, roleGadget)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, roleGadget, version)

	name := cfg.DeviceName()
	log = log.With("device_id", name)

	staging := transfer.Staging{
		UploadDir:   cfg.Gadget.Transfer.UploadDir,
		TransferDir: cfg.Gadget.Transfer.TransferDir,
	}
	if err := staging.Prepare(); err != nil {
		return err
	}

	// MQTT (optional)
	var (
		mqttClient *mqtt.Client
		pub        heartbeat.Publisher
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, mqtt.RoleGadget, name)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		pub = mqttClient
	}

	hb, err := heartbeat.New(heartbeatConfig(cfg, name), pub)
	if err != nil {
		return err
	}

	if cfg.Logging.Forward.Enabled && mqttClient != nil {
		sink := &logging.GatedSink{
			Remote: logging.NewRemoteSink(mqttClient, mqtt.Topics{}.GadgetLog(name)),
			Local:  logging.NewConsoleSink(nil),
			Connected: func() bool {
				return hb.Connected() && mqttClient.IsConnected()
			},
		}
		log = logging.NewForwarding(cfg.Logging, roleGadget, version, sink).With("device_id", name)
	}
	if mqttClient != nil {
		mqttClient.SetLogger(log)
	}
	hb.SetLogger(log)

	log.Info("starting gadget",
		"version", version,
		"commit", commit,
		"config", configPath,
		"backend", cfg.Gadget.Transfer.Backend,
		"shop_url", cfg.Gadget.ShopURL,
		"heartbeat", cfg.Gadget.Heartbeat.Mode+"/"+cfg.Gadget.Heartbeat.Transport,
	)

	runner := transfer.NewRunner(newBackend(cfg, staging, log))
	runner.SetLogger(log)
	if mqttClient != nil {
		reporter := transfer.NewReporter(name, mqttClient)
		reporter.SetLogger(log)
		runner.AddListener(reporter.Listen)
	}
	defer func() {
		// A hardware transfer gets its grace period to exit after SIGTERM.
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Gadget.Transfer.GracePeriod+shutdownTimeout)
		defer cancel()
		if shutErr := runner.Shutdown(waitCtx); shutErr != nil {
			log.Error("transfer did not finish before shutdown", "error", shutErr)
		}
	}()

	srv, err := api.NewGadget(api.GadgetDeps{
		Config:     cfg.API,
		Logger:     log,
		DeviceName: name,
		Runner:     runner,
		Staging:    staging,
		Simulated:  cfg.Gadget.Transfer.Backend == config.BackendSimulated,
		Shop:       hb,
		Version:    version,
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

	hbDone := make(chan error, 1)
	go func() { hbDone <- hb.Run(ctx) }()

	log.Info("gadget ready", "address", srv.Addr())
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := <-hbDone; err != nil {
		log.Error("heartbeat stopped with error", "error", err)
	}
	return nil
}

// heartbeatConfig maps the gadget config onto the heartbeat client. MQTT
// heartbeats carry their own address, so without an advertised one the
// outbound interface towards the shop is used.
func heartbeatConfig(cfg *config.Config, name string) heartbeat.Config {
	hc := heartbeat.Config{
		Mode:      cfg.Gadget.Heartbeat.Mode,
		Transport: cfg.Gadget.Heartbeat.Transport,
		ShopURL:   cfg.Gadget.ShopURL,
		DeviceID:  name,
		Host:      cfg.Gadget.AdvertiseAddress,
		Port:      cfg.API.Port,
		Interval:  cfg.Gadget.Heartbeat.Interval,
		Timeout:   cfg.Gadget.Heartbeat.Timeout,
	}
	if hc.Host == "" && hc.Transport == heartbeat.TransportMQTT {
		if host, err := heartbeat.OutboundHost(hc.ShopURL); err == nil {
			hc.Host = host
		}
	}
	return hc
}

func newBackend(cfg *config.Config, staging transfer.Staging, log *logging.Logger) transfer.Backend {
	tc := cfg.Gadget.Transfer
	if tc.Backend == config.BackendSimulated {
		return transfer.NewSimulatedBackend(staging, tc.SimulatedDelay)
	}

	proc := process.NewRunner()
	proc.SetLogger(log)
	return transfer.NewHardwareBackend(staging, tc.Script, tc.Timeout, tc.GracePeriod, proc)
}

