package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"iot-control/internal/agent"
	"iot-control/internal/transport"
)

func newAgentCmd() *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device-side command executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				host, _ := os.Hostname()
				deviceID = "rpi_" + host
			}

			tr, err := transport.FromConfig(cfg, deviceID)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := agent.New(tr, agent.Config{
				DeviceID:          deviceID,
				CommandTopic:      cfg.TopicCommand,
				ResultTopic:       cfg.AgentResultTopic,
				TelemetryTopic:    cfg.AgentTelemetryTopic,
				HeartbeatInterval: cfg.AgentHeartbeat,
			}, nil)
			if err := tr.Connect(ctx); err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			log.Infof("Agent %s running, press Ctrl+C to exit", deviceID)
			<-ctx.Done()

			a.Wait()
			return tr.Close()
		},
	}

	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (default rpi_<hostname>)")
	cmd.Flags().DurationVar(&cfg.AgentHeartbeat, "heartbeat-interval", cfg.AgentHeartbeat, "telemetry interval")

	return cmd
}
