// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/mppt"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// deviceView is the latest traffic from one address.
type deviceView struct {
	kind     evertlink.DeviceKind
	version  string
	lastSeen time.Time
	status   *evertlink.DeviceStatus
	boost    *evertlink.BoostMeasurements
	mppt     *evertlink.BoostMppt
	inverter *evertlink.InverterMeasurements
	comms    *evertlink.CommsMeasurements
	uptime   uint32
}

// monitorModel is the passive monitor TUI.
type monitorModel struct {
	connInfo      string
	errorsOnly    bool
	stats         *evertlink.Statistics
	kinds         *kindTable
	devices       map[evertlink.DeviceID]*deviceView
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	closed        bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type linkClosedMsg struct {
	err error
}

// formatUptime formats uptime in milliseconds to a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newMonitorModel(connInfo string, errorsOnly bool) monitorModel {
	return monitorModel{
		connInfo:      connInfo,
		errorsOnly:    errorsOnly,
		stats:         evertlink.NewStatistics(),
		kinds:         &kindTable{},
		devices:       make(map[evertlink.DeviceID]*deviceView),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case linkClosedMsg:
		m.closed = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Link error: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection closed", false)
		}

	case linkEvent:
		if msg.synced {
			m.synchronized = true
			m.invalidBytes = msg.skipped
			if msg.skipped > 0 {
				m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.skipped), false)
			} else {
				m.addLogEntry("Synchronized", false)
			}
		}
		if msg.decodeErr != nil {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
			return m, nil
		}

		m.stats.Update(msg.packet, nil, msg.validation)
		m.kinds.observe(msg.packet)
		m.track(msg.packet)

		if len(msg.validation) > 0 {
			for _, err := range msg.validation {
				m.addLogEntry(fmt.Sprintf("%s from %s: %s", msg.packet.Type(), msg.packet.Source(), err.Message), true)
			}
		} else if !m.errorsOnly {
			m.addLogEntry(fmt.Sprintf("%s %s -> %s", msg.packet.Type(), msg.packet.Source(), msg.packet.Target()), false)
		}
	}

	return m, nil
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// track keeps the latest message of each kind per device.
func (m *monitorModel) track(p *evertlink.Packet) {
	msg, err := p.Message()
	if err != nil {
		return
	}
	addr := p.Source()
	if addr == evertlink.DeviceCCU {
		return
	}
	d := m.devices[addr]
	if d == nil {
		d = &deviceView{}
		m.devices[addr] = d
	}
	d.lastSeen = p.Timestamp()
	d.kind = m.kinds.kind(addr)

	switch v := msg.(type) {
	case *evertlink.Announcement:
		d.version = fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	case *evertlink.Ping:
		d.uptime = v.UptimeMs
	case *evertlink.DeviceStatus:
		d.status = v
	case *evertlink.BoostMeasurements:
		d.boost = v
	case *evertlink.BoostMppt:
		d.mppt = v
	case *evertlink.InverterMeasurements:
		d.inverter = v
	case *evertlink.CommsMeasurements:
		d.comms = v
	}
}

// stateColor maps a device state to a display color.
func stateColor(s device.State) lipgloss.Color {
	switch {
	case s == device.EmergencyShutdown:
		return lipgloss.Color("9")
	case s == device.NonOperational || s == device.OperationalWarning:
		return lipgloss.Color("11")
	case s == device.Operational:
		return lipgloss.Color("10")
	default:
		return lipgloss.Color("241")
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("EVERTCTL - LINK MONITOR"))
	s.WriteString("\n")
	mode := "All packets"
	if m.errorsOnly {
		mode = "Errors only"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset stats, 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.closed:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(valueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n\n")

	// Statistics
	m.stats.CalculateRates()
	st := m.stats
	errCount := st.CRCErrors + st.DecodeErrors + st.MalformedPackets + st.AnomalousValues
	var validPercent, errorPercent float64
	if st.TotalPackets > 0 {
		validPercent = float64(st.ValidPackets) * 100.0 / float64(st.TotalPackets)
		errorPercent = float64(errCount) * 100.0 / float64(st.TotalPackets)
	}

	var stats strings.Builder
	fmt.Fprintf(&stats, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidPackets, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errCount, errorPercent)),
	)
	if st.CRCErrors > 0 || st.DecodeErrors > 0 {
		fmt.Fprintf(&stats, "%s %s   %s %s\n",
			labelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.CRCErrors)),
			labelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeErrors)),
		)
	}
	if st.MalformedPackets > 0 {
		fmt.Fprintf(&stats, "%s %s (%s: %d, %s: %d, %s: %d)\n",
			labelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", st.MalformedPackets)),
			headerStyle.Render("unknown"), st.UnknownMessages,
			headerStyle.Render("bad payload"), st.PayloadErrors,
			headerStyle.Render("bad source"), st.InvalidSources,
		)
	}
	if st.AnomalousValues > 0 {
		fmt.Fprintf(&stats, "%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			labelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", st.AnomalousValues)),
			headerStyle.Render("state"), st.InvalidStates,
			headerStyle.Render("duty"), st.InvalidDuty,
			headerStyle.Render("temp"), st.InvalidTemp,
			headerStyle.Render("value"), st.InvalidValues,
		)
	}
	errRate := valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		errRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	fmt.Fprintf(&stats, "%s %s   %s %s",
		labelStyle.Render("Packet Rate:"), valueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		labelStyle.Render("Error Rate:"), errRate,
	)

	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n\n")

	// Devices
	if len(m.devices) > 0 {
		addrs := make([]evertlink.DeviceID, 0, len(m.devices))
		for a := range m.devices {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

		var boxes []string
		for _, a := range addrs {
			d := m.devices[a]
			var b strings.Builder
			title := fmt.Sprintf("%s (%s", a, d.kind)
			if d.version != "" {
				title += " " + d.version
			}
			title += ")"
			b.WriteString(labelStyle.Render(title))
			b.WriteString("\n")

			if d.status != nil {
				result := device.State(d.status.Result)
				fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("State:"),
					lipgloss.NewStyle().Foreground(stateColor(result)).Render(result.String()))
				fmt.Fprintf(&b, "%s %s / %s\n", headerStyle.Render("Int/Prop:"),
					device.State(d.status.Internal), device.State(d.status.Propagated))
				if d.status.Alarms1 != 0 || d.status.KindAlarms != 0 {
					fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Alarms:"), warningStyle.Render(
						fmt.Sprintf("0x%08X 0x%08X", d.status.Alarms1, d.status.KindAlarms)))
				}
			}
			if d.boost != nil {
				fmt.Fprintf(&b, "%s %.1f V %.2f A %.0f W\n", headerStyle.Render("In:"),
					d.boost.VoltageIn, d.boost.CurrentIn, d.boost.PowerIn)
				fmt.Fprintf(&b, "%s %.1f%%\n", headerStyle.Render("Duty:"), d.boost.DutyCycle*100)
			}
			if d.mppt != nil {
				fmt.Fprintf(&b, "%s %s %s\n", headerStyle.Render("MPPT:"),
					mppt.Status(d.mppt.Status), mppt.Position(d.mppt.Position))
			}
			if d.inverter != nil {
				fmt.Fprintf(&b, "%s %.1f V\n", headerStyle.Render("Bus:"), d.inverter.BusVoltage)
				fmt.Fprintf(&b, "%s %.1f V %.2f A\n", headerStyle.Render("Grid:"),
					d.inverter.GridVoltage, d.inverter.GridCurrent)
			}
			if d.comms != nil {
				fmt.Fprintf(&b, "%s %d/%d dropped %d/%d\n", headerStyle.Render("RX/TX:"),
					d.comms.RxPackets, d.comms.TxPackets, d.comms.RxDropped, d.comms.TxDropped)
			}
			if d.uptime > 0 {
				fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Uptime:"), formatUptime(uint64(d.uptime)))
			}
			fmt.Fprintf(&b, "%s %s ago", headerStyle.Render("Seen:"),
				time.Since(d.lastSeen).Truncate(100*time.Millisecond))
			boxes = append(boxes, boxStyle.Render(b.String()))
		}
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 24
	if len(m.devices) == 0 {
		logHeight += 10
	}
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := max(len(m.errorLog)-logHeight, 0)

	var log strings.Builder
	if len(m.errorLog) == 0 {
		log.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.errorLog[startIdx:] {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			fmt.Fprintf(&log, "%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&log, "%s %s\n", timestamp, warningStyle.Render("ℹ "+entry.message))
		}
	}

	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(log.String()))

	return s.String()
}
