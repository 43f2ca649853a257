// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/alarm"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/evert-power/evertctl/pkg/statusreg"
)

// AlarmIndex is a bit of the device-level alarm register shared by every device kind.
type AlarmIndex uint8

const (
	AlarmCPUOverTempCritical AlarmIndex = iota
	AlarmCPUOverTempWarning
	AlarmCPUUnderTempWarning
	AlarmCPUUnderTempCritical
	AlarmCPUOverVoltageCritical
	AlarmCPUOverVoltageWarning
	AlarmCPUUnderVoltageWarning
	AlarmCPUUnderVoltageCritical
	AlarmCriticalComms
	AlarmBootSelftest
	AlarmHALError
	AlarmHALCAN
	AlarmHALADC
	AlarmHALADCOverrun
	AlarmHALDMA
	AlarmHALFlash
	AlarmHALI2C
	AlarmHALTim
	AlarmHALUART
	AlarmISR1Cycles
	AlarmISR2Cycles
	numAlarms
)

var alarmNames = [numAlarms]string{
	AlarmCPUOverTempCritical:     "cpu_overtemperature_critical",
	AlarmCPUOverTempWarning:      "cpu_overtemperature_warning",
	AlarmCPUUnderTempWarning:     "cpu_undertemperature_warning",
	AlarmCPUUnderTempCritical:    "cpu_undertemperature_critical",
	AlarmCPUOverVoltageCritical:  "cpu_overvoltage_critical",
	AlarmCPUOverVoltageWarning:   "cpu_overvoltage_warning",
	AlarmCPUUnderVoltageWarning:  "cpu_undervoltage_warning",
	AlarmCPUUnderVoltageCritical: "cpu_undervoltage_critical",
	AlarmCriticalComms:           "critical_comms",
	AlarmBootSelftest:            "boot_selftest",
	AlarmHALError:                "hal_error",
	AlarmHALCAN:                  "hal_can_error",
	AlarmHALADC:                  "hal_adc_error",
	AlarmHALADCOverrun:           "hal_adc_overrun",
	AlarmHALDMA:                  "hal_dma_error",
	AlarmHALFlash:                "hal_flash_error",
	AlarmHALI2C:                  "hal_i2c_error",
	AlarmHALTim:                  "hal_tim_error",
	AlarmHALUART:                 "hal_uart_error",
	AlarmISR1Cycles:              "isr1_cycles",
	AlarmISR2Cycles:              "isr2_cycles",
}

func (a AlarmIndex) String() string {
	if a < numAlarms {
		return alarmNames[a]
	}
	return fmt.Sprintf("alarm(%d)", uint8(a))
}

// AlarmNames returns the names of register 1 in index order.
func AlarmNames() []string {
	return alarmNames[:]
}

// ParseAlarm looks a register 1 alarm up by name.
func ParseAlarm(name string) (AlarmIndex, error) {
	for i, n := range alarmNames {
		if n == name {
			return AlarmIndex(i), nil
		}
	}
	return 0, fmt.Errorf("unknown device alarm %q", name)
}

// DeviceMatrix classifies register 1.
var DeviceMatrix = Matrix[AlarmIndex]{
	Emergency: []AlarmIndex{
		AlarmCPUOverTempCritical,
		AlarmCPUUnderTempCritical,
		AlarmCPUOverVoltageCritical,
		AlarmCPUUnderVoltageCritical,
		AlarmCriticalComms,
	},
	NonOperational: []AlarmIndex{
		AlarmBootSelftest,
		AlarmHALError,
		AlarmHALCAN,
		AlarmHALADC,
		AlarmHALADCOverrun,
		AlarmHALDMA,
		AlarmHALFlash,
		AlarmHALI2C,
		AlarmHALTim,
		AlarmHALUART,
		AlarmISR1Cycles,
		AlarmISR2Cycles,
	},
	Warning: []AlarmIndex{
		AlarmCPUOverTempWarning,
		AlarmCPUUnderTempWarning,
		AlarmCPUOverVoltageWarning,
		AlarmCPUUnderVoltageWarning,
	},
}

// AlarmConfig holds the device-level limits.
type AlarmConfig struct {
	CPUTemp     alarm.BandThreshold `yaml:"cpu_temp"`
	Vref        alarm.BandThreshold `yaml:"vref"`
	PingTimeout uint32              `yaml:"ping_timeout_ms"`
}

// DefaultAlarmConfig returns the stock microcontroller limits.
func DefaultAlarmConfig() AlarmConfig {
	return AlarmConfig{
		CPUTemp: alarm.BandThreshold{
			Hysteresis:   2.5,
			LowCritical:  -40,
			LowWarning:   -20,
			HighWarning:  70,
			HighCritical: 85,
		},
		Vref:        alarm.Around(1210, 35, 50, 5),
		PingTimeout: DefaultPingTimeout,
	}
}

// Validate checks both bands.
func (c AlarmConfig) Validate() error {
	if err := c.CPUTemp.Validate(); err != nil {
		return fmt.Errorf("cpu_temp: %w", err)
	}
	if err := c.Vref.Validate(); err != nil {
		return fmt.Errorf("vref: %w", err)
	}
	return nil
}

// Alarms is the device-level alarm register with its monitors and the ping watchdog.
type Alarms struct {
	reg      statusreg.Register[AlarmIndex]
	eval     *alarm.Evaluator[AlarmIndex]
	table    alarm.Table[AlarmIndex]
	watchdog *PingWatchdog
}

// NewAlarms builds register 1 over the CPU temperature and internal reference readings.
func NewAlarms(cfg AlarmConfig, cpuTemp, vref signal.Reader, onChange alarm.ChangeFunc[AlarmIndex]) (*Alarms, error) {
	a := &Alarms{watchdog: NewPingWatchdog(cfg.PingTimeout)}
	a.eval = alarm.NewEvaluator(&a.reg, onChange)
	a.table = alarm.Table[AlarmIndex]{
		{
			Name:  string(signal.CPUTemp),
			Input: cpuTemp,
			Rule: alarm.BandRule[AlarmIndex]{
				Threshold:    cfg.CPUTemp,
				LowWarning:   AlarmCPUUnderTempWarning,
				LowCritical:  AlarmCPUUnderTempCritical,
				HighWarning:  AlarmCPUOverTempWarning,
				HighCritical: AlarmCPUOverTempCritical,
			},
		},
		{
			Name:  string(signal.Vref),
			Input: vref,
			Rule: alarm.BandRule[AlarmIndex]{
				Threshold:    cfg.Vref,
				LowWarning:   AlarmCPUUnderVoltageWarning,
				LowCritical:  AlarmCPUUnderVoltageCritical,
				HighWarning:  AlarmCPUOverVoltageWarning,
				HighCritical: AlarmCPUOverVoltageCritical,
			},
		},
	}
	if err := a.table.Validate(); err != nil {
		return nil, fmt.Errorf("device alarms: %w", err)
	}
	if err := DeviceMatrix.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Evaluate runs the threshold monitors and the ping watchdog for one control tick of
// delta milliseconds.
func (a *Alarms) Evaluate(delta uint32) {
	a.eval.Run(a.table)
	if a.watchdog.Tick(delta) {
		a.eval.Set(AlarmCriticalComms)
	}
}

// PingReceived feeds the watchdog and clears a comms alarm raised by it.
func (a *Alarms) PingReceived() {
	a.watchdog.Ping()
	a.eval.Clear(AlarmCriticalComms)
}

// Watchdog returns the ping watchdog.
func (a *Alarms) Watchdog() *PingWatchdog {
	return a.watchdog
}

// RaiseFault sets and latches a systemic fault bit reported by a driver.
func (a *Alarms) RaiseFault(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("device alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Hold(i)
	return nil
}

// ClearFault clears a systemic fault bit once the driver has recovered.
func (a *Alarms) ClearFault(i AlarmIndex) error {
	if i >= numAlarms {
		return fmt.Errorf("device alarm %d: %w", uint8(i), statusreg.ErrIndexRange)
	}
	a.eval.Release(i)
	return nil
}

// Register returns register 1.
func (a *Alarms) Register() *statusreg.Register[AlarmIndex] {
	return &a.reg
}

// Classification binds register 1 to DeviceMatrix.
func (a *Alarms) Classification() Classification[AlarmIndex] {
	return Classification[AlarmIndex]{Register: &a.reg, Matrix: DeviceMatrix}
}
