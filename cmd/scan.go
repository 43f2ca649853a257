// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

var scanTimeout int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the devices talking on a link",
	Long: `Listen passively and list every device heard within the timeout.

Devices are recognised from:
  - Announcement (kind, firmware version and run id; sent until acknowledged)
  - DeviceStatus (result state)
  - Ping (uptime; sent once acknowledged)

Nothing is transmitted, so a scan never disturbs a running CCU.

Examples:
  # Direct serial scan
  evertctl scan --port /dev/ttyUSB0

  # Over a websocket bridge
  evertctl scan --url ws://bridge.local/link --timeout 10

Exit codes:
  0 - At least one device found
  1 - No devices heard before the timeout
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 5, "Timeout in seconds to listen")
}

// scanEntry is what a scan learned about one address.
type scanEntry struct {
	address evertlink.DeviceID
	kind    evertlink.DeviceKind
	version string
	runID   string
	state   string
	uptime  uint64
	packets int
}

func runScan(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("evertctl - Device Scan\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", scanTimeout)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(scanTimeout)*time.Second)
	defer cancel()

	packets := make(chan *evertlink.Packet, 64)
	readErr := make(chan error, 1)
	go func() {
		readErr <- newLinkReader(conn).run(ctx, func(ev linkEvent) {
			if ev.packet == nil {
				return
			}
			select {
			case packets <- ev.packet:
			case <-ctx.Done():
			}
		})
	}()

	found := map[evertlink.DeviceID]*scanEntry{}

listen:
	for {
		select {
		case p := <-packets:
			if e := scanPacket(found, p); e != nil {
				fmt.Printf("Device found: %s\n", e.address)
			}
		case err := <-readErr:
			if err != nil {
				fmt.Printf("READ FAILED: %v\n", err)
				os.Exit(2)
			}
			break listen
		case <-ctx.Done():
			break listen
		}
	}

	// Summary
	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Devices found: %d\n", len(found))
	if len(found) == 0 {
		fmt.Printf("No devices heard. Check connection, baud rate and device power.\n")
		os.Exit(1)
	}

	addrs := make([]evertlink.DeviceID, 0, len(found))
	for a := range found {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)

	fmt.Printf("\n%-9s %-9s %-8s %-19s %-14s %-8s %s\n", "DEVICE", "KIND", "VERSION", "STATE", "UPTIME", "PACKETS", "RUN")
	for _, a := range addrs {
		e := found[a]
		uptime := "-"
		if e.uptime > 0 {
			uptime = (time.Duration(e.uptime) * time.Millisecond).Round(time.Second).String()
		}
		fmt.Printf("%-9s %-9s %-8s %-19s %-14s %-8d %s\n",
			e.address, e.kind, dash(e.version), dash(e.state), uptime, e.packets, dash(e.runID))
	}
	return nil
}

// scanPacket records p and returns the entry when its source is new.
func scanPacket(found map[evertlink.DeviceID]*scanEntry, p *evertlink.Packet) *scanEntry {
	src := p.Source()
	if src == evertlink.DeviceCCU || src == evertlink.DeviceBroadcast {
		return nil
	}
	e, seen := found[src]
	if !seen {
		e = &scanEntry{address: src, kind: ccu.KindOf(src)}
		found[src] = e
	}
	e.packets++

	m := p.PayloadMap()
	switch p.Type() {
	case evertlink.MsgAnnouncement:
		kind, _ := evertlink.GetMapUint(m, 0)
		major, _ := evertlink.GetMapUint(m, 1)
		minor, _ := evertlink.GetMapUint(m, 2)
		patch, _ := evertlink.GetMapUint(m, 3)
		e.kind = evertlink.DeviceKind(kind)
		e.version = fmt.Sprintf("%d.%d.%d", major, minor, patch)
		e.runID, _ = evertlink.GetMapString(m, 4)
	case evertlink.MsgDeviceStatus:
		result, _ := evertlink.GetMapUint(m, 0)
		e.state = device.State(result).String()
	case evertlink.MsgPing:
		e.uptime, _ = evertlink.GetMapUint(m, 0)
	}

	if seen {
		return nil
	}
	return e
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
