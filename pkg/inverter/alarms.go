// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package inverter

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/alarm"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/evert-power/evertctl/pkg/statusreg"
)

// AlarmIndex addresses the inverter alarm register (register 2).
type AlarmIndex uint8

const (
	AlarmBusOvervoltageCritical AlarmIndex = iota
	AlarmBusOvervoltageWarning
	AlarmBusUndervoltageCritical
	AlarmBusUndervoltageWarning
	AlarmBusCapImbalanceCritical
	AlarmBusCapImbalanceWarning
	AlarmGridOvervoltageCritical
	AlarmGridOvervoltageWarning
	AlarmGridUndervoltageCritical
	AlarmGridUndervoltageWarning
	AlarmOvercurrentCritical
	AlarmOvercurrentWarning
	AlarmOverTempAmbientCritical
	AlarmOverTempAmbientWarning
	AlarmUnderTempAmbientCritical
	AlarmUnderTempAmbientWarning
	AlarmTempUCritical
	AlarmTempUWarning
	AlarmTempVCritical
	AlarmTempVWarning
	AlarmTempWCritical
	AlarmTempWWarning
	numAlarms
)

var alarmNames = [numAlarms]string{
	AlarmBusOvervoltageCritical:   "bus_overvoltage_critical",
	AlarmBusOvervoltageWarning:    "bus_overvoltage_warning",
	AlarmBusUndervoltageCritical:  "bus_undervoltage_critical",
	AlarmBusUndervoltageWarning:   "bus_undervoltage_warning",
	AlarmBusCapImbalanceCritical:  "bus_cap_imbalance_critical",
	AlarmBusCapImbalanceWarning:   "bus_cap_imbalance_warning",
	AlarmGridOvervoltageCritical:  "grid_overvoltage_critical",
	AlarmGridOvervoltageWarning:   "grid_overvoltage_warning",
	AlarmGridUndervoltageCritical: "grid_undervoltage_critical",
	AlarmGridUndervoltageWarning:  "grid_undervoltage_warning",
	AlarmOvercurrentCritical:      "overcurrent_critical",
	AlarmOvercurrentWarning:       "overcurrent_warning",
	AlarmOverTempAmbientCritical:  "over_temp_ambient_critical",
	AlarmOverTempAmbientWarning:   "over_temp_ambient_warning",
	AlarmUnderTempAmbientCritical: "under_temp_ambient_critical",
	AlarmUnderTempAmbientWarning:  "under_temp_ambient_warning",
	AlarmTempUCritical:            "temp_u_critical",
	AlarmTempUWarning:             "temp_u_warning",
	AlarmTempVCritical:            "temp_v_critical",
	AlarmTempVWarning:             "temp_v_warning",
	AlarmTempWCritical:            "temp_w_critical",
	AlarmTempWWarning:             "temp_w_warning",
}

func (a AlarmIndex) String() string {
	if a < numAlarms {
		return alarmNames[a]
	}
	return fmt.Sprintf("inverter_alarm(%d)", uint8(a))
}

// AlarmName names bit i of the inverter register.
func AlarmName(i int) string {
	return AlarmIndex(i).String()
}

// AlarmNames returns the register names in index order.
func AlarmNames() []string {
	return alarmNames[:]
}

var warningAlarms = []AlarmIndex{
	AlarmBusOvervoltageWarning,
	AlarmBusUndervoltageWarning,
	AlarmBusCapImbalanceWarning,
	AlarmGridOvervoltageWarning,
	AlarmGridUndervoltageWarning,
	AlarmOvercurrentWarning,
	AlarmOverTempAmbientWarning,
	AlarmUnderTempAmbientWarning,
	AlarmTempUWarning,
	AlarmTempVWarning,
	AlarmTempWWarning,
}

// Matrix classifies register 2. Bus overvoltage and overcurrent criticals are emergencies.
var Matrix = device.Matrix[AlarmIndex]{
	Emergency: []AlarmIndex{
		AlarmBusOvervoltageCritical,
		AlarmOvercurrentCritical,
	},
	NonOperational: []AlarmIndex{
		AlarmBusUndervoltageCritical,
		AlarmBusCapImbalanceCritical,
		AlarmGridOvervoltageCritical,
		AlarmGridUndervoltageCritical,
		AlarmOverTempAmbientCritical,
		AlarmUnderTempAmbientCritical,
		AlarmTempUCritical,
		AlarmTempVCritical,
		AlarmTempWCritical,
	},
	Warning: warningAlarms,
}

// Rated operating windows the default limits derive from.
const (
	BusVoltageMin  = 600
	BusVoltageMax  = 750
	GridVoltageMin = 207
	GridVoltageMax = 253
	GridCurrentMax = 15
)

// Thresholds holds the inverter limits.
type Thresholds struct {
	BusVoltage   alarm.BandThreshold `yaml:"bus_voltage"`
	BusImbalance alarm.HighThreshold `yaml:"bus_imbalance"`
	GridVoltage  alarm.BandThreshold `yaml:"grid_voltage"`
	GridCurrent  alarm.HighThreshold `yaml:"grid_current"`
	Ambient      alarm.BandThreshold `yaml:"ambient_temp"`
	PhaseTemp    alarm.HighThreshold `yaml:"phase_temp"`
}

// DefaultThresholds returns limits derived from the rated windows.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BusVoltage:   alarm.Envelope(BusVoltageMin, BusVoltageMax, 5),
		BusImbalance: alarm.HighThreshold{Hysteresis: 5, Warning: 20, Critical: 40},
		GridVoltage:  alarm.Envelope(GridVoltageMin, GridVoltageMax, 2),
		GridCurrent:  alarm.Envelope(0, GridCurrentMax, 0.5).High(),
		Ambient: alarm.BandThreshold{
			Hysteresis:   2,
			LowCritical:  -20,
			LowWarning:   -10,
			HighWarning:  60,
			HighCritical: 70,
		},
		PhaseTemp: alarm.HighThreshold{Hysteresis: 5, Warning: 90, Critical: 100},
	}
}

// Inputs are the readings the inverter monitors.
type Inputs struct {
	BusVoltage   signal.Reader
	BusImbalance signal.Reader
	GridVoltage  signal.Reader
	GridCurrent  signal.Reader
	AmbientTemp  signal.Reader
	TempPhaseU   signal.Reader
	TempPhaseV   signal.Reader
	TempPhaseW   signal.Reader
}

func (t Thresholds) table(in Inputs) alarm.Table[AlarmIndex] {
	phase := func(name signal.Name, input signal.Reader, warning, critical AlarmIndex) alarm.Monitor[AlarmIndex] {
		return alarm.Monitor[AlarmIndex]{Name: string(name), Input: input, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.PhaseTemp, Warning: warning, Critical: critical,
		}}
	}
	return alarm.Table[AlarmIndex]{
		{Name: string(signal.BusVoltage), Input: in.BusVoltage, Rule: alarm.BandRule[AlarmIndex]{
			Threshold:    t.BusVoltage,
			LowWarning:   AlarmBusUndervoltageWarning,
			LowCritical:  AlarmBusUndervoltageCritical,
			HighWarning:  AlarmBusOvervoltageWarning,
			HighCritical: AlarmBusOvervoltageCritical,
		}},
		{Name: string(signal.BusImbalance), Input: in.BusImbalance, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.BusImbalance, Warning: AlarmBusCapImbalanceWarning, Critical: AlarmBusCapImbalanceCritical,
		}},
		{Name: string(signal.GridVoltage), Input: in.GridVoltage, Rule: alarm.BandRule[AlarmIndex]{
			Threshold:    t.GridVoltage,
			LowWarning:   AlarmGridUndervoltageWarning,
			LowCritical:  AlarmGridUndervoltageCritical,
			HighWarning:  AlarmGridOvervoltageWarning,
			HighCritical: AlarmGridOvervoltageCritical,
		}},
		{Name: string(signal.GridCurrent), Input: in.GridCurrent, Rule: alarm.HighRule[AlarmIndex]{
			Threshold: t.GridCurrent, Warning: AlarmOvercurrentWarning, Critical: AlarmOvercurrentCritical,
		}},
		{Name: string(signal.AmbientTemp), Input: in.AmbientTemp, Rule: alarm.BandRule[AlarmIndex]{
			Threshold:    t.Ambient,
			LowWarning:   AlarmUnderTempAmbientWarning,
			LowCritical:  AlarmUnderTempAmbientCritical,
			HighWarning:  AlarmOverTempAmbientWarning,
			HighCritical: AlarmOverTempAmbientCritical,
		}},
		phase(signal.TempPhaseU, in.TempPhaseU, AlarmTempUWarning, AlarmTempUCritical),
		phase(signal.TempPhaseV, in.TempPhaseV, AlarmTempVWarning, AlarmTempVCritical),
		phase(signal.TempPhaseW, in.TempPhaseW, AlarmTempWWarning, AlarmTempWCritical),
	}
}

// Validate checks every threshold.
func (t Thresholds) Validate() error {
	zero := signal.Const(0)
	return t.table(Inputs{zero, zero, zero, zero, zero, zero, zero, zero}).Validate()
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
		return nil, fmt.Errorf("inverter alarms: %w", err)
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

// Set raises and latches bit i.
func (a *Alarms) Set(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("inverter alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Hold(i)
	return nil
}

// Clear releases bit i.
func (a *Alarms) Clear(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("inverter alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Release(i)
	return nil
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
