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

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test a connection by waiting for one valid packet",
	Long: `Wait for a valid link packet on the connection until timeout.

Invalid bytes are skipped; the first complete packet passing the CRC check
ends the probe. Nothing is transmitted.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking wiring, baud rate and websocket bridges.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("evertctl - Link Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for a valid packet...\n\n")

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(probeTimeout)*time.Second)
	defer cancel()

	found := make(chan linkEvent, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- newLinkReader(conn).run(ctx, func(ev linkEvent) {
			if ev.packet == nil {
				return
			}
			select {
			case found <- ev:
				cancel()
			default:
			}
		})
	}()

	select {
	case err := <-readErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}
	case <-ctx.Done():
	}

	// The reader cancels ctx when it finds a packet.
	select {
	case ev := <-found:
		if ev.skipped > 0 {
			fmt.Printf("(skipped %d invalid bytes before sync)\n", ev.skipped)
		}
		printProbeResult(ev.packet)
		os.Exit(0)
	default:
	}
	fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", probeTimeout)
	os.Exit(1)
	return nil
}

func printProbeResult(p *evertlink.Packet) {
	fmt.Printf("SUCCESS: Received valid packet\n")
	fmt.Printf("  Type: %s (0x%02X)\n", p.Type(), uint8(p.Type()))
	fmt.Printf("  Route: %s -> %s\n", p.Source(), p.Target())
	fmt.Printf("  Length: %d bytes\n", p.Length())
	fmt.Printf("  CRC: 0x%04X\n", p.CRC())
}
