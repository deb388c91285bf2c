package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"iot-control/internal/aggregator"
	"iot-control/internal/alerting"
	"iot-control/internal/api"
	"iot-control/internal/correlator"
	"iot-control/internal/database"
	"iot-control/internal/dispatcher"
	"iot-control/internal/logging"
	"iot-control/internal/notify"
	"iot-control/internal/services"
	"iot-control/internal/transport"
	"iot-control/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logCloser, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	log.Println("Starting IoT control server...")

	fileCfg, watcher, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", cfg.ConfigFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Optional ClickHouse sink ===
	var (
		recorder       correlator.CommandRecorder
		alertStore     notify.AlertStore
		telemetryStore services.TelemetryStore
	)
	if cfg.ClickHouseEnabled {
		db, err := database.NewClickHouseDB(cfg.ClickHouseAddr, cfg.ClickHouseDB, cfg.ClickHouseUser, cfg.ClickHousePass)
		if err != nil {
			log.Fatalf("Failed to initialize ClickHouse: %v", err)
		}
		defer db.Close()
		recorder, alertStore, telemetryStore = db, db, db
	}

	// === Transport ===
	log.Printf("Connecting to %s transport...", cfg.Transport)
	tr, err := transport.FromConfig(cfg, cfg.PresenceID)
	if err != nil {
		log.Fatalf("Invalid transport configuration: %v", err)
	}

	// === Core components ===
	fanout := notify.FromConfig(fileCfg.Notifications, tr, alertStore)
	defer fanout.Close()

	// Alerts are sent from their own goroutine so ingestion never waits on a channel
	alertQueue := notify.NewQueue(fanout, notify.DefaultQueueSize)

	engine := alerting.NewEngine(alertQueue, alerting.EngineConfig{
		Rules:       fileCfg.Rules,
		Activity:    fileCfg.DeviceActivity,
		Cooldown:    cfg.AlertCooldown,
		HistorySize: cfg.AlertHistorySize,
	})

	corr := correlator.New(tr, correlator.Config{
		CommandTopic: cfg.TopicCommand,
		ResultTopic:  cfg.TopicResult,
	}, recorder)

	disp := dispatcher.New(tr, dispatcher.Config{
		ControlTopic:  cfg.TopicControl,
		ScriptTimeout: cfg.ScriptTimeout,
	}, fileCfg.Devices)

	agg := aggregator.NewDeviceAggregator()

	subscriberConfig := services.DefaultSubscriberConfig()
	subscriberConfig.TelemetryTopic = cfg.TopicTelemetry
	subscriberConfig.StatusTopic = cfg.TopicStatus
	subscriber := services.NewSubscriber(tr, subscriberConfig)

	// Subscriptions registered before Connect are made on connect
	if err := corr.Start(); err != nil {
		log.Fatalf("Failed to start correlator: %v", err)
	}
	if err := subscriber.SubscribeAll(); err != nil {
		log.Fatalf("Failed to subscribe to device topics: %v", err)
	}

	if err := tr.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect transport: %v", err)
	}
	defer tr.Close()

	config.Watch(watcher, func(fc *config.FileConfig) {
		engine.SetRules(fc.Rules)
		engine.SetActivity(fc.DeviceActivity)
		disp.SetDevices(fc.Devices)
	})

	// === Services ===
	telemetryService := services.NewTelemetryService(subscriber, agg, engine, telemetryStore)
	telemetryService.IgnoreDevices(cfg.PresenceID)
	monitorService := services.NewMonitorService(engine, services.MonitorServiceConfig{
		Interval: cfg.AlertCheckInterval,
	})
	server := api.NewServer(api.Config{
		Addr:           cfg.APIAddr,
		Token:          cfg.APIToken,
		CommandTimeout: cfg.CommandTimeout,
		CommandWait:    cfg.CommandWait,
	}, corr, disp, agg, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		alertQueue.Start(gctx)
		return nil
	})
	g.Go(func() error {
		telemetryService.Start(gctx)
		return nil
	})
	g.Go(func() error {
		monitorService.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	// === Log startup info ===
	log.Println("=== IoT control server is running ===")
	log.Printf("Transport: %s", cfg.Transport)
	log.Printf("Topics:")
	log.Printf("  - Telemetry: %s", cfg.TopicTelemetry)
	log.Printf("  - Status:    %s", cfg.TopicStatus)
	log.Printf("  - Command:   %s", cfg.TopicCommand)
	log.Printf("  - Result:    %s", cfg.TopicResult)
	log.Printf("  - Control:   %s", cfg.TopicControl)
	log.Printf("Controllable devices: %v", disp.Devices())
	log.Printf("Notification channels: %v", fanout.Channels())
	log.Println("Press Ctrl+C to exit...")

	if err := g.Wait(); err != nil {
		log.Errorf("Service stopped with error: %v", err)
	}

	// === Graceful shutdown ===
	log.Println("Shutdown signal received, stopping services...")
	waitScripts(disp, 5*time.Second)
	log.Println("Shutdown complete. Goodbye!")
}

// waitScripts gives running device scripts a bounded time to finish
func waitScripts(disp *dispatcher.Dispatcher, limit time.Duration) {
	done := make(chan struct{})
	go func() {
		disp.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(limit):
		log.Warn("Device scripts still running at shutdown")
	}
}
