// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/mppt"
)

// AlarmNamer names bit i of a device-kind alarm register.
type AlarmNamer func(i int) string

// Formatter renders packets for humans. KindAlarms names the bits of the
// kind-specific alarm register in DEVICE_STATUS; nil prints bit numbers.
type Formatter struct {
	KindAlarms func(source DeviceID) AlarmNamer
}

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	return Formatter{}.Format(p)
}

// Format formats a packet into a human-readable string
func (f Formatter) Format(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")

	result := fmt.Sprintf("[%s] %s (0x%02X) %s -> %s prio=%d len=%d\n",
		timestamp, p.Type(), uint8(p.Type()), p.Source(), p.Target(), p.id.Priority, p.Length())

	msg, err := p.Message()
	if err != nil {
		return result + fmt.Sprintf("  (undecodable: %v)\n", err)
	}
	return result + f.formatMessage(p.Source(), msg)
}

func (f Formatter) formatMessage(source DeviceID, msg Message) string {
	switch m := msg.(type) {
	case *HandshakeAck:
		return "  (no payload)\n"

	case *Announcement:
		s := fmt.Sprintf("  Kind: %s, Version: %d.%d.%d\n", m.Kind, m.Major, m.Minor, m.Patch)
		if m.RunID != "" {
			s += fmt.Sprintf("  Run: %s\n", m.RunID)
		}
		return s

	case *Ping:
		return fmt.Sprintf("  Uptime: %s\n", formatDuration(uint64(m.UptimeMs)))

	case *SetPropagatedState:
		return fmt.Sprintf("  State: %s (%d)\n", device.State(m.State), m.State)

	case *SetMode:
		return fmt.Sprintf("  Mode: %s\n", m.Mode)

	case *SetDutyCycle:
		return fmt.Sprintf("  Duty: %.1f%%\n", m.DutyCycle*100)

	case *SetObserveInterval:
		return fmt.Sprintf("  Observe Interval: %d ms\n", m.IntervalMs)

	case *SetPerturbStep:
		return fmt.Sprintf("  Perturb Step: %.3f\n", m.Step)

	case *InjectFault:
		action := "clear"
		if m.Set {
			action = "raise"
		}
		return fmt.Sprintf("  Fault: %s register=%d index=%d\n", action, m.Register, m.Index)

	case *DeviceStatus:
		s := fmt.Sprintf("  Result: %s, Internal: %s, Propagated: %s\n",
			device.State(m.Result), device.State(m.Internal), device.State(m.Propagated))
		s += fmt.Sprintf("  Alarms: %s\n", formatAlarmWord(m.Alarms1, func(i int) string {
			return device.AlarmIndex(i).String()
		}))
		var namer AlarmNamer
		if f.KindAlarms != nil {
			namer = f.KindAlarms(source)
		}
		s += fmt.Sprintf("  Kind Alarms: %s\n", formatAlarmWord(m.KindAlarms, namer))
		return s

	case *BoostMeasurements:
		return fmt.Sprintf("  Vin: %.2f V, Vout: %.1f V, Iin: %.2f A, Pin: %.1f W, Duty: %.1f%%\n"+
			"  Coil: %.1f°C, Schottky: %.1f°C, MOSFET: %.1f°C, CPU: %.1f°C\n",
			m.VoltageIn, m.VoltageOut, m.CurrentIn, m.PowerIn, m.DutyCycle*100,
			m.TempCoil, m.TempSchottky, m.TempMosfet, m.CPUTemp)

	case *BoostMppt:
		osc := "No"
		if m.Oscillating {
			osc = "Yes"
		}
		return fmt.Sprintf("  Status: %s, Position: %s, Mode: %s, Duty: %.1f%%\n"+
			"  Step: %.3f (current %+.3f), Observe: %d ms, Oscillating: %s\n",
			mppt.Status(m.Status), mppt.Position(m.Position), m.Mode, m.DutyCycle*100,
			m.PerturbStep, m.CurrentPerturbStep, m.ObserveIntervalMs, osc)

	case *InverterMeasurements:
		return fmt.Sprintf("  Bus: %.1f V (imbalance %.1f V), Grid: %.1f V %.2f A\n"+
			"  Ambient: %.1f°C, U: %.1f°C, V: %.1f°C, W: %.1f°C, CPU: %.1f°C\n",
			m.BusVoltage, m.BusImbalance, m.GridVoltage, m.GridCurrent,
			m.AmbientTemp, m.TempPhaseU, m.TempPhaseV, m.TempPhaseW, m.CPUTemp)

	case *CommsMeasurements:
		return fmt.Sprintf("  Last Ping: %d ms ago, RX: %d (dropped %d), TX: %d (dropped %d), Cache Saves: %d\n",
			m.LastPingAgeMs, m.RxPackets, m.RxDropped, m.TxPackets, m.TxDropped, m.CacheSaves)

	case *Error:
		return fmt.Sprintf("  Code: %s, Command: %s\n", m.Code, m.Command)
	}

	return fmt.Sprintf("  %+v\n", msg)
}

// formatAlarmWord lists the set bits of an alarm register.
func formatAlarmWord(word uint32, namer AlarmNamer) string {
	if word == 0 {
		return "none"
	}
	names := make([]string, 0, bits.OnesCount32(word))
	for w := word; w != 0; w &= w - 1 {
		i := bits.TrailingZeros32(w)
		if namer != nil {
			names = append(names, namer(i))
		} else {
			names = append(names, fmt.Sprintf("bit%d", i))
		}
	}
	return fmt.Sprintf("0x%08X [%s]", word, strings.Join(names, ", "))
}

// formatDuration converts milliseconds to human-readable duration
func formatDuration(ms uint64) string {
	seconds := ms / 1000
	if seconds == 0 {
		return fmt.Sprintf("%d ms", ms)
	}

	const (
		secondsPerMinute = 60
		secondsPerHour   = 60 * secondsPerMinute
		secondsPerDay    = 24 * secondsPerHour
	)

	days := seconds / secondsPerDay
	seconds %= secondsPerDay
	hours := seconds / secondsPerHour
	seconds %= secondsPerHour
	minutes := seconds / secondsPerMinute
	seconds %= secondsPerMinute

	parts := []string{}
	for _, u := range []struct {
		n    uint64
		name string
	}{{days, "day"}, {hours, "hour"}, {minutes, "minute"}, {seconds, "second"}} {
		switch {
		case u.n == 1:
			parts = append(parts, "1 "+u.name)
		case u.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", u.n, u.name))
		}
	}

	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + parts[len(parts)-1]
	}
}
