// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plant

import (
	"math"
	"math/rand/v2"

	"github.com/evert-power/evertctl/pkg/signal"
)

// InverterConfig configures an InverterModel.
type InverterConfig struct {
	BusVoltage  float32 `yaml:"bus_voltage"`
	GridVoltage float32 `yaml:"grid_voltage"`

	// GridSwing is the amplitude of the slow grid voltage wander, with period
	// GridPeriod milliseconds.
	GridSwing  float32 `yaml:"grid_swing"`
	GridPeriod uint32  `yaml:"grid_period_ms"`

	// RatedPower bounds the export at a limit of 1.
	RatedPower float32 `yaml:"rated_power"`

	Ambient   float32 `yaml:"ambient"`
	PhaseLoss float32 `yaml:"phase_loss"`
	Phase     Thermal `yaml:"phase"`

	Noise float32 `yaml:"noise"`
	Seed  uint64  `yaml:"seed"`
}

// DefaultInverterConfig is a 10 kW unit on a 230 V grid.
func DefaultInverterConfig() InverterConfig {
	return InverterConfig{
		BusVoltage:  700,
		GridVoltage: 230,
		GridSwing:   3,
		GridPeriod:  60000,
		RatedPower:  10000,
		Ambient:     25,
		PhaseLoss:   0.01,
		Phase:       Thermal{Resistance: 1.5, TimeConstant: 60000},
		Noise:       0.003,
		Seed:        2,
	}
}

// InverterModel is a DC bus feeding a three-phase bridge into the grid. It implements
// inverter.Gate.
type InverterModel struct {
	cfg    InverterConfig
	rng    *rand.Rand
	phases [3]Thermal
	clock  uint32

	export  signal.Reader
	enabled signal.Cell
	limit   signal.Cell
}

// NewInverterModel creates a model with the bridge off. export is the power offered on
// the DC bus in watts.
func NewInverterModel(cfg InverterConfig, export signal.Reader) *InverterModel {
	if cfg.GridPeriod == 0 {
		cfg.GridPeriod = DefaultInverterConfig().GridPeriod
	}
	m := &InverterModel{cfg: cfg, export: export, rng: rand.New(rand.NewPCG(cfg.Seed, 0x696e76))}
	for i := range m.phases {
		m.phases[i] = cfg.Phase
	}
	return m
}

// SetOutput implements inverter.Gate. Called from the control tick.
func (m *InverterModel) SetOutput(enabled bool, limit float32) {
	if enabled {
		m.enabled.Store(1)
	} else {
		m.enabled.Store(0)
	}
	m.limit.Store(limit)
}

// Output reports the gate state last commanded.
func (m *InverterModel) Output() (enabled bool, limit float32) {
	return m.enabled.Load() != 0, m.limit.Load()
}

// Sample implements Model.
func (m *InverterModel) Sample(dt uint32, emit Emit) {
	m.clock += dt
	phase := 2 * math.Pi * float64(m.clock%m.cfg.GridPeriod) / float64(m.cfg.GridPeriod)
	grid := m.cfg.GridVoltage + m.cfg.GridSwing*float32(math.Sin(phase))

	var power float32
	if m.enabled.Load() != 0 {
		power = min(m.export.Load(), m.limit.Load()*m.cfg.RatedPower)
		power = max(power, 0)
	}
	current := float32(0)
	if grid > 0 {
		current = power / (3 * grid)
	}

	emit(signal.BusVoltage, m.noisy(m.cfg.BusVoltage))
	emit(signal.BusImbalance, m.noisy(3))
	emit(signal.GridVoltage, m.noisy(grid))
	emit(signal.GridCurrent, m.noisy(current))
	emit(signal.AmbientTemp, m.cfg.Ambient)
	for i, name := range []signal.Name{signal.TempPhaseU, signal.TempPhaseV, signal.TempPhaseW} {
		emit(name, m.phases[i].Step(m.cfg.Ambient, power*m.cfg.PhaseLoss/3, dt))
	}
	emit(signal.CPUTemp, m.cfg.Ambient+10)
	emit(signal.Vref, m.noisy(1210))
}

func (m *InverterModel) noisy(v float32) float32 {
	if m.cfg.Noise == 0 {
		return v
	}
	return v * (1 + m.cfg.Noise*float32(m.rng.NormFloat64()))
}
