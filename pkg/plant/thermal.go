// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plant

import "math"

// Thermal is a first-order lag from dissipated power to temperature: the steady state is
// ambient plus loss times the thermal resistance.
type Thermal struct {
	Resistance   float32 `yaml:"resistance"`       // K/W
	TimeConstant uint32  `yaml:"time_constant_ms"` // ms

	temp   float32
	primed bool
}

// Step advances the lag by dt milliseconds with loss watts dissipated and returns the
// temperature.
func (t *Thermal) Step(ambient, loss float32, dt uint32) float32 {
	target := ambient + loss*t.Resistance
	if !t.primed {
		t.temp = ambient
		t.primed = true
	}
	if t.TimeConstant == 0 {
		t.temp = target
		return t.temp
	}
	k := float32(1 - math.Exp(-float64(dt)/float64(t.TimeConstant)))
	t.temp += (target - t.temp) * k
	return t.temp
}

// Temperature returns the last computed temperature.
func (t *Thermal) Temperature() float32 {
	return t.temp
}
