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
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

var (
	errorsOnly    bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Decode and validate link traffic",
	Long: `Continuously decode, validate and display link packets as they arrive.

Each packet is checked for:
  - Framing, escape and CRC errors
  - Unknown message ids and undecodable payloads
  - Commands sent by anything other than the CCU
  - Out-of-range states, duty cycles, temperatures and measurements

The monitor is passive; it never transmits. Decode errors before the first
valid frame only count towards synchronization. Statistics summaries are
printed at --stats-interval in text mode.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&errorsOnly, "errors-only", false, "Only show packets that fail validation")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics interval in seconds (text mode)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", false, "Use the terminal UI")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cfg.Link)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if useTUI {
		return runMonitorTUI(ctx, conn, connInfo)
	}
	return runMonitorText(ctx, conn, connInfo)
}

// linkEvent is one outcome of the frame decoder.
type linkEvent struct {
	packet     *evertlink.Packet
	decodeErr  error
	validation []evertlink.ValidationError

	// synced is set on the first valid frame, with the bytes skipped before it.
	synced  bool
	skipped int
}

// linkReader decodes a connection until it closes.
type linkReader struct {
	conn   io.Reader
	dec    *evertlink.Decoder
	synced bool
	// bytes rejected before the first valid frame
	skipped int
}

func newLinkReader(conn io.Reader) *linkReader {
	return &linkReader{conn: conn, dec: evertlink.NewDecoder()}
}

// run calls emit for every decoded frame and every decode error after synchronization.
// It returns nil when the connection closes or ctx ends.
func (r *linkReader) run(ctx context.Context, emit func(linkEvent)) error {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := r.conn.Read(buf)
		for _, b := range buf[:n] {
			p, derr := r.dec.DecodeByte(b)
			switch {
			case derr != nil && !r.synced:
				r.skipped++
			case derr != nil:
				emit(linkEvent{decodeErr: derr})
			case p != nil:
				ev := linkEvent{packet: p, validation: evertlink.ValidatePacket(p)}
				if !r.synced {
					r.synced = true
					ev.synced, ev.skipped = true, r.skipped
				}
				emit(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
	return nil
}

// kindTable remembers the kind each address announced, for naming kind alarms.
type kindTable struct {
	mu    sync.Mutex
	kinds [16]evertlink.DeviceKind
}

func (k *kindTable) observe(p *evertlink.Packet) {
	if p.Type() != evertlink.MsgAnnouncement {
		return
	}
	a, err := evertlink.Decode[evertlink.Announcement](p)
	if err != nil {
		return
	}
	k.mu.Lock()
	k.kinds[p.Source()&0xF] = a.Kind
	k.mu.Unlock()
}

func (k *kindTable) kind(addr evertlink.DeviceID) evertlink.DeviceKind {
	k.mu.Lock()
	defer k.mu.Unlock()
	if kind := k.kinds[addr&0xF]; kind != evertlink.KindUnknown {
		return kind
	}
	return ccu.KindOf(addr)
}

func (k *kindTable) formatter() evertlink.Formatter {
	return evertlink.Formatter{KindAlarms: func(source evertlink.DeviceID) evertlink.AlarmNamer {
		return ccu.AlarmNamer(k.kind(source))
	}}
}

func runMonitorText(ctx context.Context, conn Connection, connInfo string) error {
	fmt.Printf("evertctl - Link Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if errorsOnly {
		fmt.Printf("Mode: Errors only\n")
	} else {
		fmt.Printf("Mode: All packets\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := evertlink.NewStatistics()
	kinds := &kindTable{}
	format := kinds.formatter()

	events := make(chan linkEvent, 64)
	readErr := make(chan error, 1)
	go func() {
		readErr <- newLinkReader(conn).run(ctx, func(ev linkEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case err := <-readErr:
			fmt.Println()
			fmt.Print(stats.String())
			if err == nil {
				fmt.Println("Connection closed")
			}
			return err

		case ev := <-events:
			if ev.synced {
				if ev.skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", ev.skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			}
			if ev.decodeErr != nil {
				stats.Update(nil, ev.decodeErr, nil)
				printDecodeError(ev.decodeErr)
				continue
			}

			kinds.observe(ev.packet)
			stats.Update(ev.packet, nil, ev.validation)
			switch {
			case len(ev.validation) > 0:
				printValidationErrors(ev.packet, ev.validation)
			case !errorsOnly:
				fmt.Print(format.Format(ev.packet))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a packet
func printValidationErrors(packet *evertlink.Packet, errs []evertlink.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) %s -> %s\n",
		timestamp, packet.Type(), uint8(packet.Type()), packet.Source(), packet.Target())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case evertlink.AnomalyUnknownMessage, evertlink.AnomalyDecodeError, evertlink.AnomalyInvalidSource:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case evertlink.AnomalyInvalidTemp:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if sensor, ok := err.Details["sensor"].(string); ok {
				if v, ok := err.Details["value"].(float32); ok {
					fmt.Printf("    %s=%.1f°C\n", sensor, v)
				}
			}

		case evertlink.AnomalyInvalidDutyCycle:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if d, ok := err.Details["duty_cycle"].(float32); ok {
				fmt.Printf("    duty=%.3f\n", d)
			}

		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}

func runMonitorTUI(ctx context.Context, conn Connection, connInfo string) error {
	m := newMonitorModel(connInfo, errorsOnly)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go func() {
		err := newLinkReader(conn).run(ctx, func(ev linkEvent) { p.Send(ev) })
		p.Send(linkClosedMsg{err: err})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
