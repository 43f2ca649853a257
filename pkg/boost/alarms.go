// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package boost

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/alarm"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/evert-power/evertctl/pkg/statusreg"
)

// AlarmIndex addresses the boost converter alarm register (register 2).
type AlarmIndex uint8

const (
	AlarmOvervoltageInCritical AlarmIndex = iota
	AlarmOvervoltageInWarning
	AlarmUndervoltageInWarning
	AlarmUndervoltageInCritical
	AlarmOvervoltageOutWarning
	AlarmOvervoltageOutCritical
	AlarmOvercurrentWarning
	AlarmOvercurrentCritical
	AlarmTempCoilWarning
	AlarmTempCoilCritical
	AlarmTempSchottkyWarning
	AlarmTempSchottkyCritical
	AlarmTempMosfetWarning
	AlarmTempMosfetCritical
	numAlarms
)

var alarmNames = [numAlarms]string{
	AlarmOvervoltageInCritical:  "overvoltage_in_critical",
	AlarmOvervoltageInWarning:   "overvoltage_in_warning",
	AlarmUndervoltageInWarning:  "undervoltage_in_warning",
	AlarmUndervoltageInCritical: "undervoltage_in_critical",
	AlarmOvervoltageOutWarning:  "overvoltage_out_warning",
	AlarmOvervoltageOutCritical: "overvoltage_out_critical",
	AlarmOvercurrentWarning:     "overcurrent_warning",
	AlarmOvercurrentCritical:    "overcurrent_critical",
	AlarmTempCoilWarning:        "temp_coil_warning",
	AlarmTempCoilCritical:       "temp_coil_critical",
	AlarmTempSchottkyWarning:    "temp_schottky_warning",
	AlarmTempSchottkyCritical:   "temp_schottky_critical",
	AlarmTempMosfetWarning:      "temp_mosfet_warning",
	AlarmTempMosfetCritical:     "temp_mosfet_critical",
}

func (a AlarmIndex) String() string {
	if a < numAlarms {
		return alarmNames[a]
	}
	return fmt.Sprintf("boost_alarm(%d)", uint8(a))
}

// AlarmName names bit i of the boost register.
func AlarmName(i int) string {
	return AlarmIndex(i).String()
}

// AlarmNames returns the register names in index order.
func AlarmNames() []string {
	return alarmNames[:]
}

// Critical and warning sets of register 2.
var (
	criticalAlarms = []AlarmIndex{
		AlarmOvervoltageInCritical,
		AlarmUndervoltageInCritical,
		AlarmOvervoltageOutCritical,
		AlarmOvercurrentCritical,
		AlarmTempCoilCritical,
		AlarmTempSchottkyCritical,
		AlarmTempMosfetCritical,
	}
	warningAlarms = []AlarmIndex{
		AlarmOvervoltageInWarning,
		AlarmUndervoltageInWarning,
		AlarmOvervoltageOutWarning,
		AlarmOvercurrentWarning,
		AlarmTempCoilWarning,
		AlarmTempSchottkyWarning,
		AlarmTempMosfetWarning,
	}
)

// Matrix classifies register 2: any critical stops switching, any warning throttles.
var Matrix = device.Matrix[AlarmIndex]{
	NonOperational: criticalAlarms,
	Warning:        warningAlarms,
}

// Thresholds holds the converter limits.
type Thresholds struct {
	VoltageIn    alarm.BandThreshold `yaml:"voltage_in"`
	VoltageOut   alarm.HighThreshold `yaml:"voltage_out"`
	CurrentIn    alarm.HighThreshold `yaml:"current_in"`
	TempCoil     alarm.HighThreshold `yaml:"temp_coil"`
	TempSchottky alarm.HighThreshold `yaml:"temp_schottky"`
	TempMosfet   alarm.HighThreshold `yaml:"temp_mosfet"`
}

// DefaultThresholds returns the limits of the stock 60 V / 400 V converter.
func DefaultThresholds() Thresholds {
	heatsink := alarm.HighThreshold{Hysteresis: 5, Warning: 90, Critical: 100}
	return Thresholds{
		VoltageIn: alarm.BandThreshold{
			Hysteresis:   1,
			LowCritical:  10,
			LowWarning:   12,
			HighWarning:  55,
			HighCritical: 60,
		},
		VoltageOut:   alarm.HighThreshold{Hysteresis: 5, Warning: 380, Critical: 400},
		CurrentIn:    alarm.HighThreshold{Hysteresis: 0.5, Warning: 12, Critical: 14},
		TempCoil:     heatsink,
		TempSchottky: heatsink,
		TempMosfet:   heatsink,
	}
}

// Inputs are the readings the converter monitors.
type Inputs struct {
	VoltageIn    signal.Reader
	VoltageOut   signal.Reader
	CurrentIn    signal.Reader
	TempCoil     signal.Reader
	TempSchottky signal.Reader
	TempMosfet   signal.Reader
}

// table builds the monitor set of register 2.
func (t Thresholds) table(in Inputs) alarm.Table[AlarmIndex] {
	return alarm.Table[AlarmIndex]{
		{Name: string(signal.VoltageIn), Input: in.VoltageIn, Rule: alarm.BandRule[AlarmIndex]{
			Threshold:    t.VoltageIn,
			LowWarning:   AlarmUndervoltageInWarning,
			LowCritical:  AlarmUndervoltageInCritical,
			HighWarning:  AlarmOvervoltageInWarning,
			HighCritical: AlarmOvervoltageInCritical,
		}},
		{Name: string(signal.VoltageOut), Input: in.VoltageOut, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.VoltageOut, Warning: AlarmOvervoltageOutWarning, Critical: AlarmOvervoltageOutCritical,
		}},
		{Name: string(signal.CurrentIn), Input: in.CurrentIn, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.CurrentIn, Warning: AlarmOvercurrentWarning, Critical: AlarmOvercurrentCritical,
		}},
		{Name: string(signal.TempCoil), Input: in.TempCoil, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.TempCoil, Warning: AlarmTempCoilWarning, Critical: AlarmTempCoilCritical,
		}},
		{Name: string(signal.TempSchottky), Input: in.TempSchottky, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.TempSchottky, Warning: AlarmTempSchottkyWarning, Critical: AlarmTempSchottkyCritical,
		}},
		{Name: string(signal.TempMosfet), Input: in.TempMosfet, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.TempMosfet, Warning: AlarmTempMosfetWarning, Critical: AlarmTempMosfetCritical,
		}},
	}
}

// Validate checks every threshold.
func (t Thresholds) Validate() error {
	zero := signal.Const(0)
	return t.table(Inputs{zero, zero, zero, zero, zero, zero}).Validate()
}

// Alarms is register 2 with its monitors.
type Alarms struct {
	reg   statusreg.Register[AlarmIndex]
	eval  *alarm.Evaluator[AlarmIndex]
	table alarm.Table[AlarmIndex]
}

// NewAlarms builds register 2.
func NewAlarms(t Thresholds, in Inputs, onChange alarm.ChangeFunc[AlarmIndex]) (*Alarms, error) {
	a := &Alarms{table: t.table(in)}
	if err := a.table.Validate(); err != nil {
		return nil, fmt.Errorf("boost alarms: %w", err)
	}
	if err := Matrix.Validate(); err != nil {
		return nil, err
	}
	a.eval = alarm.NewEvaluator(&a.reg, onChange)
	return a, nil
}

// Evaluate runs every monitor once.
func (a *Alarms) Evaluate() {
	a.eval.Run(a.table)
}

// Set raises and latches bit i; the monitors cannot clear it until Clear.
func (a *Alarms) Set(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("boost alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Hold(i)
	return nil
}

// Clear releases bit i.
func (a *Alarms) Clear(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("boost alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Release(i)
	return nil
}

// AnyCritical reports whether a critical bit is set.
func (a *Alarms) AnyCritical() bool {
	return a.reg.IsAnySet(criticalAlarms)
}

// AnyWarning reports whether a warning bit is set.
func (a *Alarms) AnyWarning() bool {
	return a.reg.IsAnySet(warningAlarms)
}

// Register returns register 2.
func (a *Alarms) Register() *statusreg.Register[AlarmIndex] {
	return &a.reg
}

// Classification binds register 2 to Matrix.
func (a *Alarms) Classification() device.Classification[AlarmIndex] {
	return device.Classification[AlarmIndex]{Register: &a.reg, Matrix: Matrix}
}
