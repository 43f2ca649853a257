package plant

import (
	"testing"

	"github.com/evert-power/evertctl/pkg/mppt"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanelCurve(t *testing.T) {
	p := DefaultPanel()
	require.NoError(t, p.Validate())

	assert.InDelta(t, 10, p.Current(0, 1), 1e-3)
	assert.Equal(t, float32(0), p.Current(48, 1))
	assert.Equal(t, float32(0), p.Current(30, 0))
	assert.InDelta(t, 5, p.Current(0, 0.5), 1e-3)

	v, power := p.MaximumPowerPoint(1)
	assert.InDelta(t, 40.8, v, 0.5)
	assert.InDelta(t, 385, power, 10)

	assert.Error(t, Panel{Voc: 48, Isc: 0, Knee: 1}.Validate())
}

func TestOperatingPoint(t *testing.T) {
	p := DefaultPanel()
	for _, r := range []float32{0.5, 2, 4.3, 10, 50} {
		v, i := p.OperatingPoint(r, 1)
		assert.InDelta(t, v/r, i, 1e-4, "load line at %g ohm", r)
		assert.InDelta(t, p.Current(v, 1), i, 1e-2, "panel curve at %g ohm", r)
	}

	v, i := p.OperatingPoint(5, 0)
	assert.Zero(t, v)
	assert.Zero(t, i)
}

// sampleBoost runs one noiseless sample at duty d and returns the input power.
func sampleBoost(t *testing.T, m *BoostModel, d float32) (vin, vout, power float32) {
	t.Helper()
	m.SetDutyCycle(d)
	var iin float32
	m.Sample(1, func(name signal.Name, raw float32) {
		switch name {
		case signal.VoltageIn:
			vin = raw
		case signal.VoltageOut:
			vout = raw
		case signal.CurrentIn:
			iin = raw
		}
	})
	return vin, vout, vin * iin
}

func TestBoostPowerCurveIsUnimodal(t *testing.T) {
	cfg := DefaultBoostConfig()
	cfg.Noise = 0
	m, err := NewBoostModel(cfg)
	require.NoError(t, err)

	var powers []float32
	best, bestDuty := float32(0), float32(0)
	for d := float32(0.05); d <= 0.9; d += 0.01 {
		_, _, p := sampleBoost(t, m, d)
		powers = append(powers, p)
		if p > best {
			best, bestDuty = p, d
		}
	}

	turns := 0
	for i := 2; i < len(powers); i++ {
		rising := powers[i-1] > powers[i-2]
		if rising != (powers[i] > powers[i-1]) {
			turns++
		}
	}
	assert.Equal(t, 1, turns, "one maximum")
	assert.InDelta(t, 0.5, bestDuty, 0.05)
	assert.InDelta(t, 385, best, 10)

	vin, vout, _ := sampleBoost(t, m, 0)
	assert.Less(t, vin, float32(48))
	assert.Greater(t, vin, float32(45), "an idle converter leaves the panel near open circuit")
	assert.InDelta(t, vin, vout, 1e-3)

	vin, vout, _ = sampleBoost(t, m, 0.5)
	assert.InDelta(t, 2*vin, vout, 1e-2)
}

func TestTrackerConvergesOnModel(t *testing.T) {
	cfg := DefaultBoostConfig()
	cfg.Noise = 0
	m, err := NewBoostModel(cfg)
	require.NoError(t, err)

	c, err := mppt.New(mppt.Config{Actuator: m})
	require.NoError(t, err)
	c.SetStatus(mppt.Running)

	var power float32
	for i := 0; i < 200; i++ {
		_, _, power = sampleBoost(t, m, m.DutyCycle())
		c.Run(power, mppt.DefaultObserveInterval)
	}

	_, mpp := m.Panel().MaximumPowerPoint(1)
	assert.Greater(t, power, 0.97*mpp)
	assert.True(t, c.IsOscillating(), "settled into dithering around the maximum")
	assert.Equal(t, mppt.NearMpp, c.State().Position)
}

func TestThermal(t *testing.T) {
	th := Thermal{Resistance: 2, TimeConstant: 1000}
	assert.Equal(t, float32(25), th.Step(25, 0, 0))

	for i := 0; i < 100; i++ {
		th.Step(25, 10, 100)
	}
	assert.InDelta(t, 45, th.Temperature(), 0.01)

	// one time constant covers 63% of a step
	th = Thermal{Resistance: 1, TimeConstant: 1000}
	th.Step(0, 0, 0)
	assert.InDelta(t, 63.2, th.Step(0, 100, 1000), 0.1)

	instant := Thermal{Resistance: 3}
	assert.Equal(t, float32(55), instant.Step(25, 10, 1))
}

type constModel map[signal.Name]float32

func (c constModel) Sample(_ uint32, emit Emit) {
	for n, v := range c {
		emit(n, v)
	}
}

func TestSampler(t *testing.T) {
	bank := signal.NewBank(signal.VoltageIn, signal.CurrentIn, signal.PowerIn)
	model := constModel{signal.VoltageIn: 40, signal.CurrentIn: 20}
	s := NewSampler(model, bank, SamplerConfig{Alpha: 0.5})
	require.NoError(t, s.Product(signal.PowerIn, signal.VoltageIn, signal.CurrentIn))
	assert.Error(t, s.Product(signal.GridVoltage, signal.VoltageIn, signal.CurrentIn))

	s.Sample(1)
	assert.Equal(t, float32(40), bank.Cell(signal.VoltageIn).Load())
	assert.Equal(t, float32(15), bank.Cell(signal.CurrentIn).Load(), "clamped to the current range")
	assert.Equal(t, float32(600), bank.Cell(signal.PowerIn).Load())

	model[signal.VoltageIn] = 20
	s.Sample(1)
	assert.Equal(t, float32(30), bank.Cell(signal.VoltageIn).Load())

	require.NoError(t, s.Override(signal.VoltageIn, 70))
	s.Sample(1)
	assert.Equal(t, float32(70), bank.Cell(signal.VoltageIn).Load())
	assert.Equal(t, map[signal.Name]float32{signal.VoltageIn: 70}, s.Overrides())

	s.Release(signal.VoltageIn)
	s.Sample(1)
	assert.Equal(t, float32(22.5), bank.Cell(signal.VoltageIn).Load())
	assert.Error(t, s.Override(signal.TempCoil, 1))
}

func TestInverterModel(t *testing.T) {
	cfg := DefaultInverterConfig()
	cfg.Noise = 0
	cfg.GridSwing = 0
	m := NewInverterModel(cfg, signal.Const(8000))

	read := func() map[signal.Name]float32 {
		out := map[signal.Name]float32{}
		m.Sample(10, func(n signal.Name, v float32) { out[n] = v })
		return out
	}

	off := read()
	assert.Equal(t, float32(0), off[signal.GridCurrent])
	assert.Equal(t, float32(700), off[signal.BusVoltage])
	assert.Equal(t, float32(230), off[signal.GridVoltage])

	m.SetOutput(true, 0.5)
	enabled, limit := m.Output()
	assert.True(t, enabled)
	assert.Equal(t, float32(0.5), limit)
	on := read()
	assert.InDelta(t, 5000.0/(3*230), on[signal.GridCurrent], 1e-3)

	m.SetOutput(true, 1)
	assert.InDelta(t, 8000.0/(3*230), read()[signal.GridCurrent], 1e-3)
}
