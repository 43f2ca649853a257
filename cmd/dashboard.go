// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/mppt"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const refreshInterval = 250 * time.Millisecond

// Focus states
const (
	focusDeviceList = iota
	focusCommand
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// dashboardSource is what the dashboard shows and commands.
type dashboardSource struct {
	title    string
	connInfo string
	op       operator
	// stats counts link traffic; nil in a simulation
	stats *evertlink.Statistics
	// clock is the simulation clock in ms; nil on a link
	clock func() uint32
}

// peerItem is a ccu.Peer in the device list.
type peerItem struct {
	peer ccu.Peer
}

func (p peerItem) Title() string       { return fmt.Sprintf("%s (%s)", p.peer.Address, p.peer.Kind) }
func (p peerItem) Description() string { return peerSummary(p.peer) }
func (p peerItem) FilterValue() string { return p.peer.Address.String() }

func peerSummary(p ccu.Peer) string {
	switch {
	case !p.Online:
		return "offline"
	case !p.HaveStatus:
		return "announcing"
	}
	s := p.Result().String()
	if p.Pinned {
		s += " (pinned)"
	}
	return s
}

// dashboardModel is the Bubble Tea model shared by control and simulate --tui.
type dashboardModel struct {
	src dashboardSource

	peers      []ccu.Peer
	deviceList list.Model

	errorLog      []errorLogEntry
	maxLogEntries int

	command      textinput.Model
	focusedField int

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type refreshMsg time.Time

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func newDashboardModel(src dashboardSource) dashboardModel {
	ti := textinput.New()
	ti.Placeholder = "boost1 mode manual"
	ti.Prompt = "> "
	ti.CharLimit = 80
	ti.Width = 50

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	deviceList := list.New([]list.Item{}, delegate, 30, 10)
	deviceList.Title = "Devices"
	deviceList.SetShowStatusBar(false)
	deviceList.SetShowHelp(false)
	deviceList.SetFilteringEnabled(false)

	m := dashboardModel{
		src:           src,
		deviceList:    deviceList,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 200,
		command:       ti,
		focusedField:  focusDeviceList,
		width:         80,
		height:        24,
	}
	m.addLogEntry("Type 'help' in the command line (Tab) for commands", false)
	return m
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m dashboardModel) Init() tea.Cmd {
	return refreshCmd()
}

func refreshCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case refreshMsg:
		m.refresh(m.src.op.ccu.Peers())
		return m, refreshCmd()

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)

	case reconnectedMsg:
		m.connectionLost = false
		m.src.connInfo = msg.connInfo
		m.addLogEntry("Reconnected: "+msg.connInfo, false)
	}

	if m.focusedField == focusDeviceList {
		var cmd tea.Cmd
		m.deviceList, cmd = m.deviceList.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m dashboardModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	if m.focusedField == focusCommand {
		switch msg.String() {
		case "tab", "esc":
			m.focusedField = focusDeviceList
			m.command.Blur()
			return m, nil
		case "enter":
			line := strings.TrimSpace(m.command.Value())
			m.command.SetValue("")
			m.execute(line)
			return m, nil
		}
		var cmd tea.Cmd
		m.command, cmd = m.command.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit

	case "tab", ":":
		m.focusedField = focusCommand
		return m, m.command.Focus()

	case "o", "n", "e":
		if p, ok := m.selected(); ok {
			state := map[string]device.State{
				"o": device.Operational,
				"n": device.NonOperational,
				"e": device.EmergencyShutdown,
			}[msg.String()]
			m.execute(fmt.Sprintf("pin %s %s", p.Address, state))
		}
		return m, nil

	case "u":
		if p, ok := m.selected(); ok {
			m.execute("unpin " + p.Address.String())
		}
		return m, nil

	case "m":
		if p, ok := m.selected(); ok && p.Kind == evertlink.KindBoostConverter {
			mode := evertlink.ModeManual
			if p.Mppt != nil && p.Mppt.Mode == evertlink.ModeManual {
				mode = evertlink.ModeAutomatic
			}
			m.execute(fmt.Sprintf("%s mode %s", p.Address, mode))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.deviceList, cmd = m.deviceList.Update(msg)
	return m, cmd
}

// execute runs an operator line and logs the outcome.
func (m *dashboardModel) execute(line string) {
	if line == "" {
		return
	}
	if m.connectionLost && m.src.stats != nil {
		m.addLogEntry("Cannot send command: connection lost", true)
		return
	}
	out, err := m.src.op.Execute(line)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", line, err), true)
		return
	}
	for _, l := range strings.Split(out, "\n") {
		if l != "" {
			m.addLogEntry(l, false)
		}
	}
}

// refresh replaces the peer view and logs what changed.
func (m *dashboardModel) refresh(peers []ccu.Peer) {
	old := make(map[evertlink.DeviceID]ccu.Peer, len(m.peers))
	for _, p := range m.peers {
		old[p.Address] = p
	}

	for _, p := range peers {
		prev, seen := old[p.Address]
		switch {
		case !seen:
			m.addLogEntry(fmt.Sprintf("Device discovered: %s (%s)", p.Address, p.Kind), false)
		case prev.Online && !p.Online:
			m.addLogEntry(fmt.Sprintf("Device %s went silent", p.Address), true)
		case !prev.Online && p.Online:
			m.addLogEntry(fmt.Sprintf("Device %s is back", p.Address), false)
		}
		if seen && !prev.Acknowledged && p.Acknowledged {
			m.addLogEntry(fmt.Sprintf("Device %s acknowledged (run %s)", p.Address, p.RunID), false)
		}
		if p.HaveStatus && (!prev.HaveStatus || prev.Result() != p.Result()) {
			from := "-"
			if prev.HaveStatus {
				from = prev.Result().String()
			}
			m.addLogEntry(fmt.Sprintf("Device %s: %s -> %s", p.Address, from, p.Result()),
				p.Result() == device.EmergencyShutdown)
		}
		if p.Errors > prev.Errors && p.LastError != nil {
			m.addLogEntry(fmt.Sprintf("Device %s rejected %s: %s", p.Address, p.LastError.Command, p.LastError.Code), true)
		}
	}

	m.peers = peers
	items := make([]list.Item, len(peers))
	for i, p := range peers {
		items[i] = peerItem{peer: p}
	}
	m.deviceList.SetItems(items)
}

func (m dashboardModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render(m.src.title))
	s.WriteString(" ")
	connStatus := m.src.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	help := "q=quit Tab=command o/n/e=pin u=unpin m=mode"
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, help)))
	s.WriteString("\n\n")

	// Layout: left panel (devices) | right panel (selected device)
	leftWidth := 30
	rightWidth := max(m.width-leftWidth-6, 30)

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusDeviceList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	devicePanel := listStyle.Render(m.deviceList.View())
	detailPanel := boxStyle.Width(rightWidth).Render(m.renderDetail(labelStyle, valueStyle, headerStyle, warningStyle, errorStyle))
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, devicePanel, " ", detailPanel))
	s.WriteString("\n")

	// Status bar
	var bar string
	if m.src.stats != nil {
		packets, errs, rate := m.src.stats.Totals()
		bar = fmt.Sprintf("%s %s  %s %s  %s %s",
			labelStyle.Render("Packets:"), valueStyle.Render(fmt.Sprintf("%d", packets)),
			labelStyle.Render("Errors:"), valueStyle.Render(fmt.Sprintf("%d", errs)),
			labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f pkt/s", rate)),
		)
	} else if m.src.clock != nil {
		bar = fmt.Sprintf("%s %s", labelStyle.Render("Sim time:"),
			valueStyle.Render(formatUptime(uint64(m.src.clock()))))
	}
	if m.src.op.ccu.Interlocked() {
		bar += "  " + errorStyle.Render("EMERGENCY INTERLOCK")
	}
	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(bar))
	s.WriteString("\n")

	// Command line
	cmdStyle := boxStyle
	if m.focusedField == focusCommand {
		cmdStyle = focusedBoxStyle
	}
	s.WriteString(cmdStyle.Width(max(m.width-4, 20)).Render(m.command.View()))
	s.WriteString("\n")

	// Event log
	s.WriteString(m.renderEventLog(labelStyle, headerStyle, warningStyle, errorStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m dashboardModel) renderDetail(labelStyle, valueStyle, headerStyle, warningStyle, errorStyle lipgloss.Style) string {
	p, ok := m.selected()
	if !ok {
		return headerStyle.Render("Waiting for devices...")
	}

	var s strings.Builder
	fmt.Fprintf(&s, "%s %s %s", labelStyle.Render("Device:"), p.Address, headerStyle.Render(fmt.Sprintf("(%s %s)", p.Kind, p.Version)))
	if !p.Online {
		s.WriteString(" " + errorStyle.Render("OFFLINE"))
	}
	s.WriteString("\n")

	if p.HaveStatus {
		result := p.Result()
		fmt.Fprintf(&s, "%s %s  %s %s  %s %s\n",
			labelStyle.Render("Result:"), lipgloss.NewStyle().Foreground(stateColor(result)).Render(result.String()),
			labelStyle.Render("Internal:"), p.Internal(),
			labelStyle.Render("Propagated:"), device.State(p.Status.Propagated))
	}
	commanded := p.Propagated.String()
	if p.Pinned {
		commanded += " " + warningStyle.Render("(pinned)")
	}
	fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Commanded:"), commanded)

	if alarms := alarmSummary(p); alarms != "-" {
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Alarms:"), warningStyle.Render(alarms))
	}

	if b := p.Boost; b != nil {
		fmt.Fprintf(&s, "%s %s  %s %s  %s %s\n",
			labelStyle.Render("Vin:"), valueStyle.Render(fmt.Sprintf("%.1f V", b.VoltageIn)),
			labelStyle.Render("Iin:"), valueStyle.Render(fmt.Sprintf("%.2f A", b.CurrentIn)),
			labelStyle.Render("Pin:"), valueStyle.Render(fmt.Sprintf("%.0f W", b.PowerIn)))
		fmt.Fprintf(&s, "%s %s  %s %s\n",
			labelStyle.Render("Vout:"), valueStyle.Render(fmt.Sprintf("%.1f V", b.VoltageOut)),
			labelStyle.Render("Duty:"), valueStyle.Render(fmt.Sprintf("%.1f%%", b.DutyCycle*100)))
		fmt.Fprintf(&s, "%s %.0f/%.0f/%.0f°C\n", labelStyle.Render("Coil/Schottky/MOSFET:"),
			b.TempCoil, b.TempSchottky, b.TempMosfet)
	}
	if t := p.Mppt; t != nil {
		osc := ""
		if t.Oscillating {
			osc = " " + warningStyle.Render("oscillating")
		}
		fmt.Fprintf(&s, "%s %s %s (%s), step %.3f, every %d ms%s\n",
			labelStyle.Render("MPPT:"), mppt.Status(t.Status), mppt.Position(t.Position), t.Mode,
			t.CurrentPerturbStep, t.ObserveIntervalMs, osc)
	}
	if inv := p.Inverter; inv != nil {
		fmt.Fprintf(&s, "%s %s  %s %s\n",
			labelStyle.Render("Bus:"), valueStyle.Render(fmt.Sprintf("%.1f V", inv.BusVoltage)),
			labelStyle.Render("Imbalance:"), valueStyle.Render(fmt.Sprintf("%.1f V", inv.BusImbalance)))
		fmt.Fprintf(&s, "%s %s  %s %s\n",
			labelStyle.Render("Grid:"), valueStyle.Render(fmt.Sprintf("%.1f V", inv.GridVoltage)),
			labelStyle.Render("Current:"), valueStyle.Render(fmt.Sprintf("%.2f A", inv.GridCurrent)))
		fmt.Fprintf(&s, "%s %.0f/%.0f/%.0f°C  %s %.0f°C\n", labelStyle.Render("U/V/W:"),
			inv.TempPhaseU, inv.TempPhaseV, inv.TempPhaseW, labelStyle.Render("Ambient:"), inv.AmbientTemp)
	}
	if c := p.Comms; c != nil {
		fmt.Fprintf(&s, "%s rx %d tx %d dropped %d/%d, last ping %d ms ago\n",
			labelStyle.Render("Link:"), c.RxPackets, c.TxPackets, c.RxDropped, c.TxDropped, c.LastPingAgeMs)
	}
	return strings.TrimRight(s.String(), "\n")
}

func (m dashboardModel) renderEventLog(labelStyle, headerStyle, warningStyle, errorStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := max(m.height-28, 6)
	startIdx := max(len(m.errorLog)-logHeight, 0)

	for _, entry := range m.errorLog[startIdx:] {
		icon, style := "i", warningStyle
		if entry.isError {
			icon, style = "x", errorStyle
		}
		fmt.Fprintf(&s, "%s %s %s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message)
	}

	return boxStyle.Width(max(m.width-4, 20)).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *dashboardModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m dashboardModel) selected() (ccu.Peer, bool) {
	idx := m.deviceList.Index()
	if idx < 0 || idx >= len(m.peers) {
		return ccu.Peer{}, false
	}
	return m.peers[idx], true
}

func (m *dashboardModel) updateListSize() {
	listHeight := max(m.height/3, 5)
	m.deviceList.SetSize(28, listHeight)
}
