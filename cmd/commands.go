// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/inverter"
	"github.com/evert-power/evertctl/pkg/node"
	"github.com/evert-power/evertctl/pkg/plant"
	"github.com/evert-power/evertctl/pkg/runner"
	"github.com/evert-power/evertctl/pkg/signal"
)

const linkCommandHelp = `Link commands (sent as the CCU):
  <device> state <State>          set the propagated state (e.g. Operational)
  <device> mode automatic|manual  switch the boost converter mode
  <device> duty <0..1>            manual duty cycle
  <device> observe <ms>           MPPT observe interval
  <device> step <fraction>        MPPT perturb step
  <device> fault <alarm> on|off   raise or clear a systemic fault
  <device> ping                   send a ping
  <device> ack                    acknowledge the handshake
Devices: boost1, boost2, inverter, ccu, broadcast or 0-15.`

const operatorHelp = `Operator commands:
  status                          peer table
  pin <device> <State>            hold a device at a propagated state
  unpin <device>                  return the device to the interlock policy`

const simulationHelp = `Simulation commands:
  sun <0..1.2>                    irradiance on every panel
  override <device> <signal> <v>  pin a reading
  release <device> <signal>       drop an override`

// parseLinkCommand turns "<device> <verb> [args]" into a link message.
func parseLinkCommand(args []string) (evertlink.DeviceID, evertlink.Message, error) {
	if len(args) < 2 {
		return 0, nil, fmt.Errorf("usage: <device> <command> [value]")
	}
	target, err := evertlink.ParseDeviceID(args[0])
	if err != nil {
		return 0, nil, err
	}
	verb, rest := args[1], args[2:]

	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", verb, n, len(rest))
		}
		return nil
	}

	switch verb {
	case "state":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		s, err := device.ParseState(rest[0])
		if err != nil {
			return 0, nil, err
		}
		return target, &evertlink.SetPropagatedState{State: uint8(s)}, nil

	case "mode":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		m, err := evertlink.ParseMode(rest[0])
		if err != nil {
			return 0, nil, err
		}
		return target, &evertlink.SetMode{Mode: m}, nil

	case "duty":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		v, err := strconv.ParseFloat(rest[0], 32)
		if err != nil {
			return 0, nil, fmt.Errorf("duty: %w", err)
		}
		return target, &evertlink.SetDutyCycle{DutyCycle: float32(v)}, nil

	case "observe":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		v, err := strconv.ParseUint(rest[0], 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("observe: %w", err)
		}
		return target, &evertlink.SetObserveInterval{IntervalMs: uint32(v)}, nil

	case "step":
		if err := need(1); err != nil {
			return 0, nil, err
		}
		v, err := strconv.ParseFloat(rest[0], 32)
		if err != nil {
			return 0, nil, fmt.Errorf("step: %w", err)
		}
		return target, &evertlink.SetPerturbStep{Step: float32(v)}, nil

	case "fault":
		if err := need(2); err != nil {
			return 0, nil, err
		}
		var set bool
		switch rest[1] {
		case "on", "set":
			set = true
		case "off", "clear":
		default:
			return 0, nil, fmt.Errorf("fault: expected on or off, got %q", rest[1])
		}
		register, index, err := lookupAlarm(target, rest[0])
		if err != nil {
			return 0, nil, err
		}
		return target, &evertlink.InjectFault{Register: register, Index: index, Set: set}, nil

	case "ping":
		if err := need(0); err != nil {
			return 0, nil, err
		}
		return target, &evertlink.Ping{}, nil

	case "ack":
		if err := need(0); err != nil {
			return 0, nil, err
		}
		return target, &evertlink.HandshakeAck{}, nil
	}
	return 0, nil, fmt.Errorf("unknown command %q", verb)
}

// lookupAlarm resolves an alarm name to its register and bit: device-level alarms first,
// then the kind-specific alarms of the device normally found at target.
func lookupAlarm(target evertlink.DeviceID, name string) (uint8, uint8, error) {
	if i, err := device.ParseAlarm(name); err == nil {
		return node.FaultRegisterDevice, uint8(i), nil
	}
	var names []string
	switch ccu.KindOf(target) {
	case evertlink.KindBoostConverter:
		names = boost.AlarmNames()
	case evertlink.KindInverter:
		names = inverter.AlarmNames()
	}
	if i := slices.Index(names, name); i >= 0 {
		return node.FaultRegisterKind, uint8(i), nil
	}
	return 0, 0, fmt.Errorf("unknown alarm %q for %s", name, target)
}

// operator executes command lines against a CCU, and against the simulated plant when
// sim is set.
type operator struct {
	ccu *ccu.CCU
	sim *runner.Simulation
}

func (o operator) help() string {
	h := linkCommandHelp + "\n" + operatorHelp
	if o.sim != nil {
		h += "\n" + simulationHelp
	}
	return h
}

// Execute runs one line and returns a short confirmation.
func (o operator) Execute(line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}

	switch args[0] {
	case "help", "?":
		return o.help(), nil

	case "status":
		return peerTable(o.ccu.Peers()), nil

	case "pin", "unpin":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: %s <device>", args[0])
		}
		target, err := evertlink.ParseDeviceID(args[1])
		if err != nil {
			return "", err
		}
		if args[0] == "unpin" {
			return fmt.Sprintf("%s unpinned", target), o.ccu.Unpin(target)
		}
		if len(args) != 3 {
			return "", fmt.Errorf("usage: pin <device> <State>")
		}
		s, err := device.ParseState(args[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s pinned at %s", target, s), o.ccu.Pin(target, s)

	case "sun", "override", "release":
		if o.sim == nil {
			return "", fmt.Errorf("%s: only available in a simulation", args[0])
		}
		return o.simulate(args)
	}

	target, msg, err := parseLinkCommand(args)
	if err != nil {
		return "", err
	}
	if err := o.ccu.Send(target, msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -> %s", msg.MessageID(), target), nil
}

func (o operator) simulate(args []string) (string, error) {
	switch args[0] {
	case "sun":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: sun <irradiance>")
		}
		g, err := strconv.ParseFloat(args[1], 32)
		if err != nil || g < 0 || g > 1.2 {
			return "", fmt.Errorf("sun: irradiance must be within 0..1.2")
		}
		o.sim.SetIrradiance(float32(g))
		return fmt.Sprintf("irradiance %.2f", g), nil

	case "override":
		if len(args) != 4 {
			return "", fmt.Errorf("usage: override <device> <signal> <value>")
		}
		s, err := o.sampler(args[1])
		if err != nil {
			return "", err
		}
		v, err := strconv.ParseFloat(args[3], 32)
		if err != nil {
			return "", fmt.Errorf("override: %w", err)
		}
		if err := s.Override(signal.Name(args[2]), float32(v)); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s pinned at %g", args[1], args[2], v), nil

	default:
		if len(args) != 3 {
			return "", fmt.Errorf("usage: release <device> <signal>")
		}
		s, err := o.sampler(args[1])
		if err != nil {
			return "", err
		}
		s.Release(signal.Name(args[2]))
		return fmt.Sprintf("%s %s released", args[1], args[2]), nil
	}
}

func (o operator) sampler(name string) (*plant.Sampler, error) {
	addr, err := evertlink.ParseDeviceID(name)
	if err != nil {
		return nil, err
	}
	s, ok := o.sim.Sampler(addr)
	if !ok {
		return nil, fmt.Errorf("no simulated device at %s", addr)
	}
	return s, nil
}

// peerTable renders the CCU's view of the link.
func peerTable(peers []ccu.Peer) string {
	if len(peers) == 0 {
		return "(no devices seen)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %-9s %-7s %-19s %-19s %-19s %s\n",
		"DEVICE", "KIND", "LINK", "RESULT", "INTERNAL", "COMMANDED", "ALARMS")
	for _, p := range peers {
		link := "offline"
		switch {
		case p.Online && p.Acknowledged:
			link = "acked"
		case p.Online:
			link = "online"
		}
		result, internal := "-", "-"
		if p.HaveStatus {
			result, internal = p.Result().String(), p.Internal().String()
		}
		commanded := p.Propagated.String()
		if p.Pinned {
			commanded += "*"
		}
		fmt.Fprintf(&b, "%-9s %-9s %-7s %-19s %-19s %-19s %s\n",
			p.Address, p.Kind, link, result, internal, commanded, alarmSummary(p))
	}
	return strings.TrimRight(b.String(), "\n")
}

// alarmSummary names the active alarms of a peer, or "-".
func alarmSummary(p ccu.Peer) string {
	return alarmNames(p.Status.Alarms1, p.Status.KindAlarms, p.Kind)
}

func alarmNames(alarms, kindAlarms uint32, kind evertlink.DeviceKind) string {
	var names []string
	for w := alarms; w != 0; w &= w - 1 {
		names = append(names, device.AlarmIndex(bits.TrailingZeros32(w)).String())
	}
	namer := ccu.AlarmNamer(kind)
	for w := kindAlarms; w != 0; w &= w - 1 {
		i := bits.TrailingZeros32(w)
		if namer != nil {
			names = append(names, namer(i))
		} else {
			names = append(names, fmt.Sprintf("bit%d", i))
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
