// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plant

import (
	"math/rand/v2"

	"github.com/evert-power/evertctl/pkg/mathx"
	"github.com/evert-power/evertctl/pkg/signal"
)

// BoostConfig configures a BoostModel.
type BoostConfig struct {
	Panel Panel `yaml:"panel"`

	// LoadOhms is the resistance on the converter output. The panel sees
	// LoadOhms * (1 - duty)^2.
	LoadOhms float32 `yaml:"load_ohms"`

	Ambient float32 `yaml:"ambient"`

	// Loss fractions of the input power dissipated in each part.
	CoilLoss     float32 `yaml:"coil_loss"`
	SchottkyLoss float32 `yaml:"schottky_loss"`
	MosfetLoss   float32 `yaml:"mosfet_loss"`

	Coil     Thermal `yaml:"coil"`
	Schottky Thermal `yaml:"schottky"`
	Mosfet   Thermal `yaml:"mosfet"`

	// Noise is the relative standard deviation added to every raw reading.
	Noise float32 `yaml:"noise"`
	Seed  uint64  `yaml:"seed"`
}

// DefaultBoostConfig puts the maximum power point near half duty.
func DefaultBoostConfig() BoostConfig {
	return BoostConfig{
		Panel:        DefaultPanel(),
		LoadOhms:     17.3,
		Ambient:      25,
		CoilLoss:     0.015,
		SchottkyLoss: 0.01,
		MosfetLoss:   0.012,
		Coil:         Thermal{Resistance: 8, TimeConstant: 30000},
		Schottky:     Thermal{Resistance: 10, TimeConstant: 20000},
		Mosfet:       Thermal{Resistance: 10, TimeConstant: 20000},
		Noise:        0.005,
		Seed:         1,
	}
}

// BoostModel is a PV string feeding an ideal boost converter into a resistive load.
// It implements mppt.Actuator.
type BoostModel struct {
	cfg BoostConfig
	rng *rand.Rand

	duty       signal.Cell
	irradiance signal.Cell
}

// NewBoostModel creates a model at full irradiance with the switch off.
func NewBoostModel(cfg BoostConfig) (*BoostModel, error) {
	if err := cfg.Panel.Validate(); err != nil {
		return nil, err
	}
	if cfg.LoadOhms <= 0 {
		cfg.LoadOhms = DefaultBoostConfig().LoadOhms
	}
	m := &BoostModel{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, 0x65766572))}
	m.irradiance.Store(1)
	return m, nil
}

// SetDutyCycle implements mppt.Actuator. Called from the control tick.
func (m *BoostModel) SetDutyCycle(fraction float32) {
	m.duty.Store(fraction)
}

// DutyCycle returns the last commanded duty cycle.
func (m *BoostModel) DutyCycle() float32 {
	return m.duty.Load()
}

// SetIrradiance sets the irradiance as a fraction of full sun.
func (m *BoostModel) SetIrradiance(g float32) {
	m.irradiance.Store(mathx.Clamp(g, 0, 1.2))
}

// Irradiance returns the current irradiance.
func (m *BoostModel) Irradiance() float32 {
	return m.irradiance.Load()
}

// Panel returns the PV curve, for efficiency reporting.
func (m *BoostModel) Panel() Panel {
	return m.cfg.Panel
}

// Sample implements Model.
func (m *BoostModel) Sample(dt uint32, emit Emit) {
	d := mathx.Clamp(m.duty.Load(), 0, 0.99)
	g := m.irradiance.Load()

	gain := 1 - d
	vin, iin := m.cfg.Panel.OperatingPoint(m.cfg.LoadOhms*gain*gain, g)
	vout := vin / gain
	p := vin * iin

	emit(signal.VoltageIn, m.noisy(vin))
	emit(signal.VoltageOut, m.noisy(vout))
	emit(signal.CurrentIn, m.noisy(iin))
	emit(signal.TempCoil, m.cfg.Coil.Step(m.cfg.Ambient, p*m.cfg.CoilLoss, dt))
	emit(signal.TempSchottky, m.cfg.Schottky.Step(m.cfg.Ambient, p*m.cfg.SchottkyLoss, dt))
	emit(signal.TempMosfet, m.cfg.Mosfet.Step(m.cfg.Ambient, p*m.cfg.MosfetLoss, dt))
	emit(signal.CPUTemp, m.cfg.Ambient+10)
	emit(signal.Vref, m.noisy(1210))
}

func (m *BoostModel) noisy(v float32) float32 {
	if m.cfg.Noise == 0 {
		return v
	}
	return v * (1 + m.cfg.Noise*float32(m.rng.NormFloat64()))
}
