// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/evertlink"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Run the CCU on a link with an interactive dashboard",
	Long: `Act as the central control unit on a real link and supervise it from a
terminal UI.

The CCU acknowledges announcements, pings every device, propagates the
fleet state and latches the emergency interlock. The dashboard shows:
  - Discovered devices with their internal, commanded and result states
  - Measurements, tracker status and alarms of the selected device
  - Link statistics and an event log
  - Automatic reconnection on connection loss

Keys on the device list: o/n/e pin Operational, NonOperational or
EmergencyShutdown, u unpins, m toggles a boost converter's mode.
Tab opens the command line; type 'help' there for every command.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	stats := evertlink.NewStatistics()

	// Notices sent before the program starts are dropped.
	var program atomic.Pointer[tea.Program]
	notify := func(msg any) {
		if p := program.Load(); p != nil {
			p.Send(msg)
		}
	}

	c, connInfo, stopLink, err := linkCCU(ctx, stats, notify)
	if err != nil {
		return err
	}
	defer stopLink()

	m := newDashboardModel(dashboardSource{
		title:    "evertctl control",
		connInfo: connInfo,
		op:       operator{ccu: c},
		stats:    stats,
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	program.Store(p)

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
