// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/config"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/runner"
	"github.com/evert-power/evertctl/pkg/telemetry"
)

var bridgeBroker string

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Publish what the CCU sees to MQTT",
	Long: `Run a CCU and publish every device's state, alarms and measurements to an
MQTT broker at mqtt.interval_ms.

With --port or --url the CCU runs on that link; otherwise the configured
simulation runs in real time with the emulated CCU.

Topics, under mqtt.topic_prefix:
  <prefix>/status                  online/offline (retained, last will)
  <prefix>/<device>/state          result, internal and commanded states (retained)
  <prefix>/<device>/alarms         active alarm names (retained)
  <prefix>/<device>/measurements   readings of the device kind

Home Assistant discovery configs are published under mqtt.discovery_prefix
when mqtt.discovery is set.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "", "MQTT broker URL, overriding the configuration (e.g. tcp://localhost:1883)")
}

// telemetryConfig converts the file settings to the publisher configuration.
func telemetryConfig(c config.MQTTConfig, log *slog.Logger) telemetry.Config {
	return telemetry.Config{
		Logger:          log,
		Broker:          c.Broker,
		ClientID:        c.ClientID,
		Username:        c.Username,
		Password:        c.Password,
		Prefix:          c.TopicPrefix,
		QoS:             c.QoS,
		Discovery:       c.Discovery,
		DiscoveryPrefix: c.DiscoveryPrefix,
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	if bridgeBroker != "" {
		cfg.MQTT.Broker = bridgeBroker
	}
	if cfg.MQTT.Broker == "" {
		return errors.New("no broker: set mqtt.broker or --broker")
	}
	cfg.MQTT.Enabled = true
	if err := config.Validate(&cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var c *ccu.CCU
	if linkConfigured(cfg.Link) {
		linked, connInfo, stopLink, err := linkCCU(ctx, evertlink.NewStatistics(), nil)
		if err != nil {
			return err
		}
		defer stopLink()
		logger.Info("CCU on link", "connection", connInfo)
		c = linked
	} else {
		sim, err := runner.Build(cfg, runner.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer sim.Close()
		if sim.CCU() == nil {
			return errors.New("the bridge needs the emulated CCU when no link is given (ccu.enabled)")
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sim.Run(runCtx) }()
		defer func() {
			cancel()
			<-done
		}()
		logger.Info("simulation running", "run", sim.RunID())
		c = sim.CCU()
	}

	pub, err := telemetry.Connect(telemetryConfig(cfg.MQTT, logger.With("component", "mqtt")))
	if err != nil {
		return err
	}
	defer pub.Close()

	fmt.Printf("evertctl - MQTT Bridge\n")
	fmt.Printf("Broker: %s\n", cfg.MQTT.Broker)
	fmt.Printf("Prefix: %s\n", cfg.MQTT.TopicPrefix)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	t := time.NewTicker(time.Duration(cfg.MQTT.Interval) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("%d messages published\n", pub.Published())
			return nil
		case <-t.C:
			if err := pub.Publish(c.Peers()); err != nil {
				logger.Warn("publish failed", "error", err)
			}
		}
	}
}
