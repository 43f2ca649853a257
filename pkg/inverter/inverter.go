// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package inverter is the three-phase grid-tied inverter device kind: a node with the
// inverter alarm register and a bridge gate that follows the device state.
package inverter

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/node"
	"github.com/evert-power/evertctl/pkg/signal"
)

// DefaultDeratedLimit is the output limit while any warning is active.
const DefaultDeratedLimit float32 = 0.5

// Signals lists the readings an inverter samples.
var Signals = []signal.Name{
	signal.BusVoltage,
	signal.BusImbalance,
	signal.GridVoltage,
	signal.GridCurrent,
	signal.AmbientTemp,
	signal.TempPhaseU,
	signal.TempPhaseV,
	signal.TempPhaseW,
	signal.CPUTemp,
	signal.Vref,
}

// NewSignals creates a bank carrying Signals.
func NewSignals() *signal.Bank {
	return signal.NewBank(Signals...)
}

// Gate is the bridge power stage.
type Gate interface {
	// SetOutput enables or disables switching and sets the output limit as a fraction of
	// rated power.
	SetOutput(enabled bool, limit float32)
}

// GateFunc adapts a function to Gate.
type GateFunc func(enabled bool, limit float32)

// SetOutput calls f.
func (f GateFunc) SetOutput(enabled bool, limit float32) { f(enabled, limit) }

// Config configures a Device.
type Config struct {
	Node       node.Config
	Thresholds Thresholds

	// DeratedLimit is the output limit under warnings; zero means DefaultDeratedLimit.
	DeratedLimit float32

	Gate    Gate
	Signals *signal.Bank
}

// Status is the published view of the bridge.
type Status struct {
	Enabled bool
	Limit   float32
}

// Device is an inverter node.
type Device struct {
	*node.Node

	signals *signal.Bank
	alarms  *Alarms
	gate    Gate
	derated float32

	enabled bool
	limit   float32

	published atomic.Pointer[Status]
}

// New builds an inverter. Call Init before the first Tick.
func New(cfg Config) (*Device, error) {
	if cfg.Signals == nil {
		return nil, errors.New("inverter: no signal bank")
	}
	for _, name := range Signals {
		if !cfg.Signals.Has(name) {
			return nil, fmt.Errorf("inverter: signal bank lacks %s", name)
		}
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.DeratedLimit == 0 {
		cfg.DeratedLimit = DefaultDeratedLimit
	}
	if cfg.DeratedLimit < 0 || cfg.DeratedLimit > 1 {
		return nil, fmt.Errorf("inverter: derated limit %g outside [0, 1]", cfg.DeratedLimit)
	}

	cfg.Node.Kind = evertlink.KindInverter
	if cfg.Node.CPUTemp == nil {
		cfg.Node.CPUTemp = cfg.Signals.Cell(signal.CPUTemp)
	}
	if cfg.Node.Vref == nil {
		cfg.Node.Vref = cfg.Signals.Cell(signal.Vref)
	}

	n, err := node.New(cfg.Node)
	if err != nil {
		return nil, err
	}
	d := &Device{Node: n, signals: cfg.Signals, gate: cfg.Gate, derated: cfg.DeratedLimit}

	b := cfg.Signals
	d.alarms, err = NewAlarms(cfg.Thresholds, Inputs{
		BusVoltage:   b.Cell(signal.BusVoltage),
		BusImbalance: b.Cell(signal.BusImbalance),
		GridVoltage:  b.Cell(signal.GridVoltage),
		GridCurrent:  b.Cell(signal.GridCurrent),
		AmbientTemp:  b.Cell(signal.AmbientTemp),
		TempPhaseU:   b.Cell(signal.TempPhaseU),
		TempPhaseV:   b.Cell(signal.TempPhaseV),
		TempPhaseW:   b.Cell(signal.TempPhaseW),
	}, func(i AlarmIndex, set bool) {
		d.Logger().Info("inverter alarm", "alarm", i, "set", set)
		d.Machine().AlarmChanged()
	})
	if err != nil {
		return nil, err
	}

	n.Attach(d, d.alarms.Classification())
	d.publish()
	return d, nil
}

// Init clears the inverter register, opens the bridge and starts the boot sequence.
func (d *Device) Init() {
	d.alarms.Register().Init()
	d.setOutput(false, 0)
	d.Node.Init()
	d.publish()
}

// Evaluate implements node.Kind.
func (d *Device) Evaluate(uint32) {
	d.alarms.Evaluate()
}

// Control implements node.Kind: the bridge switches while the device runs, derated under
// any warning.
func (d *Device) Control(result device.State, _ uint32) {
	switch {
	case !result.IsRunning():
		d.setOutput(false, 0)
	case d.alarms.AnyWarning(), d.DeviceAlarms().Register().IsAnySet(device.DeviceMatrix.Warning):
		d.setOutput(true, d.derated)
	default:
		d.setOutput(true, 1)
	}
	d.publish()
}

// OnEnter implements device.Hooks.
func (d *Device) OnEnter(state, previous device.State) {
	switch state {
	case device.NonOperational, device.EmergencyShutdown:
		d.setOutput(false, 0)
		d.Logger().Warn("bridge disabled", "state", state, "previous", previous)
	}
}

func (d *Device) setOutput(enabled bool, limit float32) {
	if enabled == d.enabled && limit == d.limit {
		return
	}
	d.enabled, d.limit = enabled, limit
	if d.gate != nil {
		d.gate.SetOutput(enabled, limit)
	}
}

// Telemetry implements node.Kind.
func (d *Device) Telemetry(send node.Sender) {
	b := d.signals
	send(&evertlink.InverterMeasurements{
		BusVoltage:   b.Cell(signal.BusVoltage).Load(),
		BusImbalance: b.Cell(signal.BusImbalance).Load(),
		GridVoltage:  b.Cell(signal.GridVoltage).Load(),
		GridCurrent:  b.Cell(signal.GridCurrent).Load(),
		AmbientTemp:  b.Cell(signal.AmbientTemp).Load(),
		TempPhaseU:   b.Cell(signal.TempPhaseU).Load(),
		TempPhaseV:   b.Cell(signal.TempPhaseV).Load(),
		TempPhaseW:   b.Cell(signal.TempPhaseW).Load(),
		CPUTemp:      b.Cell(signal.CPUTemp).Load(),
	})
}

// Alarms implements node.Kind.
func (d *Device) Alarms() uint32 {
	return d.alarms.Register().Word()
}

// InjectFault implements node.Kind.
func (d *Device) InjectFault(index uint8, set bool) error {
	if set {
		return d.alarms.Set(AlarmIndex(index))
	}
	return d.alarms.Clear(AlarmIndex(index))
}

// InverterAlarms returns the inverter alarm register.
func (d *Device) InverterAlarms() *Alarms {
	return d.alarms
}

// Status returns the last published bridge view. Safe from any goroutine.
func (d *Device) Status() Status {
	return *d.published.Load()
}

func (d *Device) publish() {
	d.published.Store(&Status{Enabled: d.enabled, Limit: d.limit})
}
