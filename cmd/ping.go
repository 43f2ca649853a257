// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/evertlink"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping <device>",
	Short: "Ping a device on the link as the CCU",
	Long: `Send Ping packets from the CCU address and wait for the device's own Ping.

Devices ping the CCU once a second after their handshake and use the CCU's
pings to feed their communication watchdog. Each round reports the device's
uptime and the time until its ping arrived.

This is useful for verifying:
  - The connection is established and bidirectional
  - The device has completed its handshake
  - The device's watchdog is being fed

Exit codes:
  0 - All pings answered
  1 - One or more pings timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 3, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	target, err := evertlink.ParseDeviceID(args[0])
	if err != nil {
		return err
	}
	if target == evertlink.DeviceCCU || target == evertlink.DeviceBroadcast {
		return fmt.Errorf("cannot ping %s", target)
	}

	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("evertctl - Ping %s\n", target)
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pongs := make(chan uint32, 8)
	readErr := make(chan error, 1)
	go func() {
		readErr <- newLinkReader(conn).run(ctx, func(ev linkEvent) {
			p := ev.packet
			if p == nil || p.Type() != evertlink.MsgPing || p.Source() != target {
				return
			}
			ping, err := evertlink.Decode[evertlink.Ping](p)
			if err != nil {
				return
			}
			select {
			case pongs <- ping.UptimeMs:
			default:
			}
		})
	}()

	wire, err := evertlink.EncodeMessage(evertlink.DeviceCCU, target, &evertlink.Ping{})
	if err != nil {
		return err
	}

	successCount := 0
	failCount := 0

rounds:
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Drop pings that arrived before this round.
	drain:
		for {
			select {
			case <-pongs:
			default:
				break drain
			}
		}

		startTime := time.Now()
		if _, err := conn.Write(wire); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case uptime := <-pongs:
			fmt.Printf("ping from %s, uptime=%s, after %v\n",
				target, formatUptime(uint64(uptime)), time.Since(startTime).Round(time.Millisecond))
			successCount++

		case err := <-readErr:
			if err == nil {
				err = ErrConnectionClosed
			}
			fmt.Printf("READ FAILED: %v\n", err)
			failCount += pingCount - i + 1
			break rounds

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no ping in %ds)\n", pingTimeout)
			failCount++
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d answered, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
