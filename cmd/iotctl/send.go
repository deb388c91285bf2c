package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"iot-control/internal/correlator"
	"iot-control/internal/transport"
)

func newSendCmd() *cobra.Command {
	var (
		deviceID string
		command  string
		timeout  int
		waitTime int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a shell command to a device and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 || waitTime <= 0 {
				return errors.New("--timeout and --wait-time must be positive")
			}

			tr, err := transport.FromConfig(cfg, "")
			if err != nil {
				return err
			}

			corr := correlator.New(tr, correlator.Config{
				CommandTopic: cfg.TopicCommand,
				ResultTopic:  cfg.TopicResult,
			}, nil)
			if err := corr.Start(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := tr.Connect(ctx); err != nil {
				return err
			}
			defer tr.Close()

			result, err := corr.Execute(ctx, deviceID, command,
				time.Duration(timeout)*time.Second, time.Duration(waitTime)*time.Second)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("command failed on %s", deviceID)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&deviceID, "device-id", "", "target device id")
	flags.StringVar(&command, "command", "", "shell command to execute")
	flags.IntVar(&timeout, "timeout", int(cfg.CommandTimeout/time.Second), "execution limit on the device, seconds")
	flags.IntVar(&waitTime, "wait-time", int(cfg.CommandWait/time.Second), "how long to wait for the result, seconds")

	cmd.MarkFlagRequired("device-id")
	cmd.MarkFlagRequired("command")

	return cmd
}
