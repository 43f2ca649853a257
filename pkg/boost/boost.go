// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package boost is the boost converter device kind: a node with the converter alarm
// register and a perturb-and-observe tracker driving the switch.
//
// In automatic mode the tracker status follows the device state and the alarm registers
// every control tick. In manual mode the commanded duty cycle is applied while the device
// is running and forced to zero otherwise.
package boost

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/mppt"
	"github.com/evert-power/evertctl/pkg/node"
	"github.com/evert-power/evertctl/pkg/signal"
)

// Signals lists the readings a boost converter samples.
var Signals = []signal.Name{
	signal.VoltageIn,
	signal.VoltageOut,
	signal.CurrentIn,
	signal.PowerIn,
	signal.TempCoil,
	signal.TempSchottky,
	signal.TempMosfet,
	signal.CPUTemp,
	signal.Vref,
}

// NewSignals creates a bank carrying Signals.
func NewSignals() *signal.Bank {
	return signal.NewBank(Signals...)
}

// Config configures a Device.
type Config struct {
	Node       node.Config
	Thresholds Thresholds
	MPPT       mppt.Config
	Mode       evertlink.Mode

	// Signals must carry every name in Signals. Node.CPUTemp and Node.Vref default to
	// the bank's cells.
	Signals *signal.Bank
}

// Status is the published view of the converter.
type Status struct {
	Mode       evertlink.Mode
	ManualDuty float32
	MPPT       mppt.State
}

// Device is a boost converter node.
type Device struct {
	*node.Node

	signals *signal.Bank
	alarms  *Alarms
	mppt    *mppt.Controller

	mode       evertlink.Mode
	manualDuty float32

	published atomic.Pointer[Status]
}

// New builds a boost converter. Call Init before the first Tick.
func New(cfg Config) (*Device, error) {
	if cfg.Signals == nil {
		return nil, errors.New("boost: no signal bank")
	}
	for _, name := range Signals {
		if !cfg.Signals.Has(name) {
			return nil, fmt.Errorf("boost: signal bank lacks %s", name)
		}
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Mode != evertlink.ModeAutomatic && cfg.Mode != evertlink.ModeManual {
		return nil, fmt.Errorf("boost: invalid mode %d", cfg.Mode)
	}

	cfg.Node.Kind = evertlink.KindBoostConverter
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

	d := &Device{Node: n, signals: cfg.Signals, mode: cfg.Mode}

	d.alarms, err = NewAlarms(cfg.Thresholds, Inputs{
		VoltageIn:    cfg.Signals.Cell(signal.VoltageIn),
		VoltageOut:   cfg.Signals.Cell(signal.VoltageOut),
		CurrentIn:    cfg.Signals.Cell(signal.CurrentIn),
		TempCoil:     cfg.Signals.Cell(signal.TempCoil),
		TempSchottky: cfg.Signals.Cell(signal.TempSchottky),
		TempMosfet:   cfg.Signals.Cell(signal.TempMosfet),
	}, func(i AlarmIndex, set bool) {
		d.Logger().Info("boost alarm", "alarm", i, "set", set)
		d.Machine().AlarmChanged()
	})
	if err != nil {
		return nil, err
	}

	d.mppt, err = mppt.New(cfg.MPPT)
	if err != nil {
		return nil, err
	}

	n.Attach(d, d.alarms.Classification())

	h := n.Handler()
	h.Subscribe(evertlink.MsgSetMode, d.onSetMode)
	h.Subscribe(evertlink.MsgSetDutyCycle, d.onSetDutyCycle)
	h.Subscribe(evertlink.MsgSetObserveInterval, d.onSetObserveInterval)
	h.Subscribe(evertlink.MsgSetPerturbStep, d.onSetPerturbStep)

	d.publish()
	return d, nil
}

// Init clears the converter registers and starts the boot sequence.
func (d *Device) Init() {
	d.alarms.Register().Init()
	d.mppt.SetStatus(mppt.Standby)
	d.mppt.ResetTracking()
	d.manualDuty = 0
	d.Node.Init()
	d.publish()
}

// Evaluate implements node.Kind.
func (d *Device) Evaluate(uint32) {
	d.alarms.Evaluate()
}

// Control implements node.Kind.
func (d *Device) Control(result device.State, delta uint32) {
	switch d.mode {
	case evertlink.ModeManual:
		d.mppt.SetStatus(mppt.Standby)
		want := float32(0)
		if result.IsRunning() {
			want = d.manualDuty
		}
		if d.mppt.DutyCycle() != want {
			d.mppt.SetDutyCycle(want)
		}
	default:
		status := d.trackerStatus(result)
		if status == mppt.Standby && d.mppt.Status() != mppt.Standby {
			d.mppt.SetDutyCycle(0)
		}
		d.mppt.SetStatus(status)
		d.mppt.Run(d.signals.Cell(signal.PowerIn).Load(), delta)
	}
	d.publish()
}

// trackerStatus maps the device state and the alarm registers to a tracker status.
// A critical converter alarm beats any warning.
func (d *Device) trackerStatus(result device.State) mppt.Status {
	switch {
	case !result.IsRunning():
		return mppt.Standby
	case d.alarms.AnyCritical():
		return mppt.Standby
	case d.alarms.AnyWarning(), d.DeviceAlarms().Register().IsAnySet(device.DeviceMatrix.Warning):
		return mppt.ThrottleDown
	default:
		return mppt.Running
	}
}

// OnEnter implements device.Hooks: leaving the running family stops switching at once.
func (d *Device) OnEnter(state, previous device.State) {
	switch state {
	case device.NonOperational, device.EmergencyShutdown:
		d.mppt.SetStatus(mppt.Standby)
		d.mppt.SetDutyCycle(0)
		d.Logger().Warn("switching stopped", "state", state, "previous", previous)
	}
}

// Telemetry implements node.Kind.
func (d *Device) Telemetry(send node.Sender) {
	s := d.mppt.State()
	send(&evertlink.BoostMeasurements{
		VoltageIn:    d.signals.Cell(signal.VoltageIn).Load(),
		VoltageOut:   d.signals.Cell(signal.VoltageOut).Load(),
		CurrentIn:    d.signals.Cell(signal.CurrentIn).Load(),
		PowerIn:      d.signals.Cell(signal.PowerIn).Load(),
		TempCoil:     d.signals.Cell(signal.TempCoil).Load(),
		TempSchottky: d.signals.Cell(signal.TempSchottky).Load(),
		TempMosfet:   d.signals.Cell(signal.TempMosfet).Load(),
		CPUTemp:      d.signals.Cell(signal.CPUTemp).Load(),
		DutyCycle:    s.DutyCycle,
	})
	send(&evertlink.BoostMppt{
		Status:             uint8(s.Status),
		Position:           uint8(s.Position),
		DutyCycle:          s.DutyCycle,
		PerturbStep:        s.PerturbStep,
		CurrentPerturbStep: s.CurrentPerturbStep,
		ObserveIntervalMs:  s.ObserveInterval,
		Oscillating:        s.Oscillating,
		Mode:               d.mode,
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

// ConverterAlarms returns the converter alarm register.
func (d *Device) ConverterAlarms() *Alarms {
	return d.alarms
}

// Tracker returns the MPPT controller. Control tick only.
func (d *Device) Tracker() *mppt.Controller {
	return d.mppt
}

// Status returns the last published converter view. Safe from any goroutine.
func (d *Device) Status() Status {
	return *d.published.Load()
}

func (d *Device) publish() {
	d.published.Store(&Status{Mode: d.mode, ManualDuty: d.manualDuty, MPPT: d.mppt.State()})
}

func (d *Device) onSetMode(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.SetMode](p)
	if err != nil || (m.Mode != evertlink.ModeAutomatic && m.Mode != evertlink.ModeManual) {
		d.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}
	if m.Mode == d.mode {
		return
	}
	if m.Mode == evertlink.ModeAutomatic {
		d.mppt.ResetTracking()
	} else {
		// hold the operating point until a duty cycle is commanded
		d.manualDuty = d.mppt.DutyCycle()
	}
	d.Logger().Info("mode changed", "mode", m.Mode, "previous", d.mode)
	d.mode = m.Mode
}

func (d *Device) onSetDutyCycle(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.SetDutyCycle](p)
	if err != nil || m.DutyCycle < 0 || m.DutyCycle > 1 {
		d.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}
	if d.mode != evertlink.ModeManual {
		d.Reject(p.Type(), evertlink.ErrorStateRejected)
		return
	}
	limits := d.mppt.Limits()
	d.manualDuty = min(max(m.DutyCycle, limits.DutyMin), limits.DutyMax)
}

func (d *Device) onSetObserveInterval(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.SetObserveInterval](p)
	if err != nil || m.IntervalMs == 0 {
		d.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}
	d.mppt.SetObserveInterval(m.IntervalMs)
}

func (d *Device) onSetPerturbStep(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.SetPerturbStep](p)
	if err != nil || m.Step <= 0 || m.Step > 1 {
		d.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}
	d.mppt.SetPerturbStep(m.Step)
}
