// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/evertlink"
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <device> <command> [args]",
	Short: "Send one command to a device as the CCU",
	Long: `Encode one command with the CCU as source, write it to the link and
listen briefly for a rejection.

` + linkCommandHelp + `

Examples:
  evertctl send --port /dev/ttyUSB0 boost1 mode manual
  evertctl send --port /dev/ttyUSB0 boost1 duty 0.4
  evertctl send --port /dev/ttyUSB0 inverter fault bus_overvoltage_critical on`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", time.Second, "How long to listen for a rejection (0 to skip)")
}

func runSend(cmd *cobra.Command, args []string) error {
	target, msg, err := parseLinkCommand(args)
	if err != nil {
		return err
	}
	wire, err := evertlink.EncodeMessage(evertlink.DeviceCCU, target, msg)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Debug("connected", "connection", connInfo)

	if _, err := conn.Write(wire); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Printf("%s -> %s (%d bytes)\n", msg.MessageID(), target, len(wire))
	if sendWait <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()

	rejected := make(chan evertlink.Error, 1)
	go newLinkReader(conn).run(ctx, func(ev linkEvent) {
		p := ev.packet
		if p == nil || p.Type() != evertlink.MsgError || p.Source() != target {
			return
		}
		e, err := evertlink.Decode[evertlink.Error](p)
		if err != nil || e.Command != msg.MessageID() {
			return
		}
		select {
		case rejected <- e:
		default:
		}
	})

	select {
	case e := <-rejected:
		return fmt.Errorf("%s rejected %s: %s", target, e.Command, strings.ToLower(e.Code.String()))
	case <-ctx.Done():
		return nil
	}
}
