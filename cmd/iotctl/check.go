package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"iot-control/internal/alerting"
	"iot-control/internal/database"
	"iot-control/internal/models"
	"iot-control/internal/notify"
	"iot-control/internal/services"
	"iot-control/internal/transport"
	"iot-control/pkg/config"
)

func newCheckCmd() *cobra.Command {
	var (
		device string
		all    bool
		daemon bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate alert rules against the latest stored telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if device == "" && !all && !daemon {
				return errors.New("one of --device, --all or --daemon is required")
			}
			if !cfg.ClickHouseEnabled {
				return errors.New("check reads stored telemetry; set CLICKHOUSE_ENABLED=true")
			}

			fileCfg, _, err := config.LoadFile(cfg.ConfigFile)
			if err != nil {
				return err
			}

			db, err := database.NewClickHouseDB(cfg.ClickHouseAddr, cfg.ClickHouseDB, cfg.ClickHouseUser, cfg.ClickHousePass)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			publisher, closePublisher := alertPublisher(ctx, fileCfg)
			defer closePublisher()

			fanout := notify.FromConfig(fileCfg.Notifications, publisher, db)
			defer fanout.Close()

			activity := fileCfg.DeviceActivity
			devices := fileCfg.MonitoredDevices()
			if device != "" {
				devices = []string{device}
				activity = map[string]models.DeviceActivity{}
				if a, ok := fileCfg.DeviceActivity[device]; ok {
					activity[device] = a
				}
			}

			engine := alerting.NewEngine(fanout, alerting.EngineConfig{
				Rules:       fileCfg.Rules,
				Activity:    activity,
				Cooldown:    cfg.AlertCooldown,
				HistorySize: cfg.AlertHistorySize,
			})

			if daemon {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				services.NewMonitorService(engine, services.MonitorServiceConfig{
					Interval: cfg.AlertCheckInterval,
					Source:   db,
					Devices:  func() []string { return devices },
				}).Start(ctx)
				return nil
			}

			n, err := services.CheckDevices(ctx, engine, db, devices, services.DefaultDataWindow)
			if device != "" {
				status := "normal"
				if n > 0 {
					status = "alert triggered"
				}
				fmt.Printf("Device %s: %s\n", device, status)
			} else {
				fmt.Printf("Checked %d devices, %d alerts triggered\n", len(devices), n)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&device, "device", "", "check a single device")
	flags.BoolVar(&all, "all", false, "check every monitored device")
	flags.BoolVar(&daemon, "daemon", false, "check every monitored device periodically")
	cmd.MarkFlagsMutuallyExclusive("device", "all", "daemon")

	return cmd
}

// alertPublisher connects the transport when the transport channel is
// enabled. A connection failure disables that channel only.
func alertPublisher(ctx context.Context, fileCfg *config.FileConfig) (notify.Publisher, func()) {
	if !fileCfg.Notifications.Transport.Enabled {
		return nil, func() {}
	}

	tr, err := transport.FromConfig(cfg, "")
	if err == nil {
		err = tr.Connect(ctx)
	}
	if err != nil {
		log.Warnf("Transport alert channel disabled: %v", err)
		return nil, func() {}
	}
	return tr, func() { tr.Close() }
}
