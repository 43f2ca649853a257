// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/runner"
)

var (
	simVirtual    time.Duration
	simReport     time.Duration
	simIrradiance float64
	simTUI        bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated devices against synthetic plants",
	Long: `Run the configured boost converters and inverter on an in-memory link,
each fed by a synthetic plant or by Modbus readings.

Without a link the emulated CCU supervises the devices. With --port or --url
the simulated devices are bridged onto the real link instead and a real CCU
is expected there.

Modes:
  Real time (default): run until Ctrl+C, printing a report every --report.
  Virtual (--virtual 30s): step the clocks as fast as possible for the given
                           duration, print one report and exit.
  Dashboard (--tui): the control dashboard, with simulation commands (sun,
                     override, release) in the command line.

Examples:
  # Ten minutes of virtual time with the stock configuration
  evertctl simulate --virtual 10m

  # Two converters from a file, half sun, with the dashboard
  evertctl simulate -c plant.yaml --irradiance 0.5 --tui

  # Put the simulated devices on a real link to test a CCU
  evertctl simulate --port /dev/ttyUSB0`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().DurationVar(&simVirtual, "virtual", 0, "Run this much virtual time and exit")
	simulateCmd.Flags().DurationVar(&simReport, "report", 2*time.Second, "Report interval in real-time text mode")
	simulateCmd.Flags().Float64Var(&simIrradiance, "irradiance", -1, "Irradiance (0-1.2), overriding the configuration")
	simulateCmd.Flags().BoolVar(&simTUI, "tui", false, "Use the control dashboard")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simIrradiance >= 0 {
		cfg.Simulation.Irradiance = float32(simIrradiance)
	}
	external := linkConfigured(cfg.Link)
	if simVirtual > 0 && (external || simTUI) {
		return errors.New("--virtual cannot be combined with a link or --tui")
	}

	sim, err := runner.Build(cfg, runner.Options{Logger: logger, ExternalCCU: external})
	if err != nil {
		return err
	}
	defer sim.Close()

	if simVirtual > 0 {
		sim.Advance(uint32(simVirtual.Milliseconds()))
		printSimulation(os.Stdout, sim)
		return nil
	}

	if simTUI && sim.CCU() == nil {
		return errors.New("--tui needs the emulated CCU (ccu.enabled and no link)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var program atomic.Pointer[tea.Program]
	notify := func(msg any) {
		if p := program.Load(); p != nil {
			p.Send(msg)
		}
	}

	connInfo := "simulated bus"
	var stats *evertlink.Statistics
	if external {
		stats = evertlink.NewStatistics()
		info, stopLink, err := bridgeLink(ctx, sim, stats, notify)
		if err != nil {
			return err
		}
		defer stopLink()
		connInfo = info
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sim.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if simTUI {
		m := newDashboardModel(dashboardSource{
			title:    "evertctl simulate",
			connInfo: connInfo,
			op:       operator{ccu: sim.CCU(), sim: sim},
			clock:    sim.Clock,
		})
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
		program.Store(p)
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	}

	fmt.Printf("evertctl - Simulation\n")
	fmt.Printf("Link: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	t := time.NewTicker(simReport)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			printSimulation(os.Stdout, sim)
			if stats != nil {
				fmt.Print(stats.String())
			}
			return nil
		case err := <-done:
			return err
		case <-t.C:
			printSimulation(os.Stdout, sim)
			fmt.Println()
		}
	}
}

// bridgeLink forwards the simulated bus onto the configured link through a gateway.
// Call it before the simulation runs.
func bridgeLink(ctx context.Context, sim *runner.Simulation, stats *evertlink.Statistics, notify func(any)) (string, func(), error) {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		return "", nil, err
	}
	gw, err := evertlink.NewGateway(evertlink.HandlerConfig{
		Address: evertlink.DeviceCCU,
		Logger:  logger.With("gateway", connInfo),
	})
	if err != nil {
		conn.Close()
		return "", nil, err
	}
	sim.AddGateway(gw)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	session := &linkSession{
		link:    cfg.Link,
		handler: gw.LinkSide(),
		stats:   stats,
		log:     logger.With("link", connInfo),
		notify:  notify,
	}
	go func() {
		defer close(done)
		session.run(ctx, conn)
	}()
	return connInfo, func() {
		cancel()
		<-done
	}, nil
}

// printSimulation reports what the CCU sees, or the devices themselves when the
// CCU is elsewhere.
func printSimulation(w io.Writer, sim *runner.Simulation) {
	fmt.Fprintf(w, "t=%s", formatUptime(uint64(sim.Clock())))
	for _, b := range sim.Boosts {
		if b.Model != nil {
			fmt.Fprintf(w, "  %s sun %.2f duty %.3f", b.Device.Address(), b.Model.Irradiance(), b.Model.DutyCycle())
		}
	}
	fmt.Fprintln(w)

	if c := sim.CCU(); c != nil {
		fmt.Fprintln(w, peerTable(c.Peers()))
		if c.Interlocked() {
			fmt.Fprintln(w, "EMERGENCY INTERLOCK latched")
		}
		return
	}
	fmt.Fprintln(w, deviceTable(sim.Devices()))
}

// deviceTable lists the devices' own view of themselves.
func deviceTable(devices []runner.Device) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %-9s %-19s %-19s %-8s %-8s %s\n",
		"DEVICE", "KIND", "RESULT", "PROPAGATED", "RX", "TX", "ALARMS")
	for _, d := range devices {
		s := d.Snapshot()
		fmt.Fprintf(&b, "%-9s %-9s %-19s %-19s %-8d %-8d %s\n",
			s.Address, s.Kind, s.State.Result, s.State.Propagated,
			s.Link.RxPackets, s.Link.TxPackets, alarmNames(s.Alarms, s.KindAlarms, s.Kind))
	}
	return strings.TrimRight(b.String(), "\n")
}
