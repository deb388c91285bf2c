package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"iot-control/internal/logging"
	"iot-control/pkg/config"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "iotctl",
	Short: "Send commands to devices, check alert rules and run the device agent",
	Long: `iotctl talks to devices over the configured transport (TRANSPORT, MQTT_BROKER,
NATS_URL) and reads rules from CONFIG_FILE.

Examples:
  iotctl send --device-id rpi1 --command "uptime"
  iotctl check --all
  iotctl check --daemon
  iotctl agent --device-id rpi1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		_, err := logging.Setup(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		})
		return err
	},
}

func init() {
	cfg = config.Load()

	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config-file", cfg.ConfigFile, "rules, devices and notifications file")
	rootCmd.PersistentFlags().StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: mqtt, nats or memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newAgentCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
