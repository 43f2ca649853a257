// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plant

import (
	"fmt"
	"math"
)

// Panel is a single-diode approximation of a PV string: current falls off exponentially
// as the terminal voltage approaches the open-circuit voltage, which gives a power curve
// with one maximum.
type Panel struct {
	Voc  float32 `yaml:"voc"`
	Isc  float32 `yaml:"isc"`
	Knee float32 `yaml:"knee"`
}

// DefaultPanel is a 48 V string with its maximum near 41 V and 385 W.
func DefaultPanel() Panel {
	return Panel{Voc: 48, Isc: 10, Knee: 2.5}
}

// Validate rejects non-positive parameters.
func (p Panel) Validate() error {
	if p.Voc <= 0 || p.Isc <= 0 || p.Knee <= 0 {
		return fmt.Errorf("panel: voc, isc and knee must be positive (%g, %g, %g)", p.Voc, p.Isc, p.Knee)
	}
	return nil
}

// Current returns the panel current at terminal voltage v under irradiance g (0..1).
func (p Panel) Current(v, g float32) float32 {
	if v >= p.Voc || g <= 0 {
		return 0
	}
	i := float64(g*p.Isc) * (1 - math.Exp(float64(v-p.Voc)/float64(p.Knee)))
	return float32(max(i, 0))
}

// Power returns v times Current(v, g).
func (p Panel) Power(v, g float32) float32 {
	return v * p.Current(v, g)
}

// OperatingPoint returns the voltage and current at which the panel drives a resistance r.
// The panel current falls and the load current rises with voltage, so bisection finds the
// single crossing.
func (p Panel) OperatingPoint(r, g float32) (v, i float32) {
	if r <= 0 || g <= 0 {
		return 0, 0
	}
	lo, hi := float32(0), p.Voc
	for n := 0; n < 40; n++ {
		mid := (lo + hi) / 2
		if p.Current(mid, g) > mid/r {
			lo = mid
		} else {
			hi = mid
		}
	}
	v = (lo + hi) / 2
	return v, v / r
}

// MaximumPowerPoint scans the curve for its maximum, for reporting tracking efficiency.
func (p Panel) MaximumPowerPoint(g float32) (v, power float32) {
	const steps = 2000
	for n := 0; n <= steps; n++ {
		vv := p.Voc * float32(n) / steps
		if pp := p.Power(vv, g); pp > power {
			v, power = vv, pp
		}
	}
	return v, power
}
