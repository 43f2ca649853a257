// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package alarm

import (
	"errors"
	"fmt"
)

// Threshold configuration errors.
var (
	ErrThresholdOrder     = errors.New("alarm thresholds out of order")
	ErrNegativeHysteresis = errors.New("alarm hysteresis is negative")
)

// HighThreshold configures a 2-band (high only) check.
type HighThreshold struct {
	Hysteresis float32 `yaml:"hysteresis"`
	Warning    float32 `yaml:"high_warning"`
	Critical   float32 `yaml:"high_critical"`
}

// Validate checks warning < critical and a non-negative hysteresis.
func (t HighThreshold) Validate() error {
	if t.Hysteresis < 0 {
		return fmt.Errorf("%w: %g", ErrNegativeHysteresis, t.Hysteresis)
	}
	if !(t.Warning < t.Critical) {
		return fmt.Errorf("%w: high_warning %g >= high_critical %g", ErrThresholdOrder, t.Warning, t.Critical)
	}
	return nil
}

// BandThreshold configures a 4-band (low and high) check.
type BandThreshold struct {
	Hysteresis   float32 `yaml:"hysteresis"`
	LowCritical  float32 `yaml:"low_critical"`
	LowWarning   float32 `yaml:"low_warning"`
	HighWarning  float32 `yaml:"high_warning"`
	HighCritical float32 `yaml:"high_critical"`
}

// Validate checks low_critical < low_warning < high_warning < high_critical and a
// non-negative hysteresis.
func (t BandThreshold) Validate() error {
	if t.Hysteresis < 0 {
		return fmt.Errorf("%w: %g", ErrNegativeHysteresis, t.Hysteresis)
	}
	if !(t.LowCritical < t.LowWarning) {
		return fmt.Errorf("%w: low_critical %g >= low_warning %g", ErrThresholdOrder, t.LowCritical, t.LowWarning)
	}
	if !(t.LowWarning < t.HighWarning) {
		return fmt.Errorf("%w: low_warning %g >= high_warning %g", ErrThresholdOrder, t.LowWarning, t.HighWarning)
	}
	if !(t.HighWarning < t.HighCritical) {
		return fmt.Errorf("%w: high_warning %g >= high_critical %g", ErrThresholdOrder, t.HighWarning, t.HighCritical)
	}
	return nil
}

// High returns the high side of the band as a 2-band threshold.
func (t BandThreshold) High() HighThreshold {
	return HighThreshold{Hysteresis: t.Hysteresis, Warning: t.HighWarning, Critical: t.HighCritical}
}

// Around builds a band centred on nominal with symmetric warning and critical offsets.
func Around(nominal, warning, critical, hysteresis float32) BandThreshold {
	return BandThreshold{
		Hysteresis:   hysteresis,
		LowCritical:  nominal - critical,
		LowWarning:   nominal - warning,
		HighWarning:  nominal + warning,
		HighCritical: nominal + critical,
	}
}

// Envelope builds a band from a rated operating window: warnings sit 5% outside it and
// criticals 10% outside it.
func Envelope(min, max, hysteresis float32) BandThreshold {
	return BandThreshold{
		Hysteresis:   hysteresis,
		LowCritical:  min * 0.9,
		LowWarning:   min * 0.95,
		HighWarning:  max * 1.05,
		HighCritical: max * 1.1,
	}
}
