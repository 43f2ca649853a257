// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package alarm turns filtered analog readings into edge-triggered status register bits.
//
// Every check compares the reading against its thresholds and the current register
// contents only. A bit is set when the reading crosses its threshold and cleared once the
// reading has come back by at least the hysteresis margin, so a value hovering on a
// threshold cannot make the bit chatter. Change notifications fire on real edges only.
//
// An Evaluator is not safe for concurrent use; a device calls it from its control tick only.
package alarm

import "github.com/evert-power/evertctl/pkg/statusreg"

// ChangeFunc is notified whenever a register bit actually changes.
type ChangeFunc[I statusreg.Index] func(index I, set bool)

// Evaluator drives one status register.
type Evaluator[I statusreg.Index] struct {
	reg      *statusreg.Register[I]
	onChange ChangeFunc[I]
	held     uint32
}

// NewEvaluator creates an evaluator writing to reg. onChange may be nil.
func NewEvaluator[I statusreg.Index](reg *statusreg.Register[I], onChange ChangeFunc[I]) *Evaluator[I] {
	return &Evaluator[I]{reg: reg, onChange: onChange}
}

// Register returns the register the evaluator drives.
func (e *Evaluator[I]) Register() *statusreg.Register[I] {
	return e.reg
}

// Set raises the bit at i and notifies on an edge. Used directly for systemic faults.
func (e *Evaluator[I]) Set(i I) bool {
	if !e.reg.SetBit(i) {
		return false
	}
	if e.onChange != nil {
		e.onChange(i, true)
	}
	return true
}

// Clear drops the bit at i and notifies on an edge. A held bit stays set.
func (e *Evaluator[I]) Clear(i I) bool {
	if e.held&(uint32(1)<<i) != 0 {
		return false
	}
	return e.clear(i)
}

func (e *Evaluator[I]) clear(i I) bool {
	if !e.reg.ClearBit(i) {
		return false
	}
	if e.onChange != nil {
		e.onChange(i, false)
	}
	return true
}

// Hold sets the bit at i and latches it: checks cannot clear it until Release.
func (e *Evaluator[I]) Hold(i I) bool {
	e.held |= uint32(1) << i
	return e.Set(i)
}

// Release drops the latch on i and clears the bit. A monitor still past its threshold
// sets it again on its next run.
func (e *Evaluator[I]) Release(i I) bool {
	e.held &^= uint32(1) << i
	return e.clear(i)
}

// Held reports whether i is latched.
func (e *Evaluator[I]) Held(i I) bool {
	return e.held&(uint32(1)<<i) != 0
}

// CheckHigh runs a 2-band check. The critical and warning bits are independent: each is
// set above its own threshold and cleared below that threshold minus the hysteresis.
// It reports whether the value is above either threshold this tick.
func (e *Evaluator[I]) CheckHigh(value float32, t HighThreshold, warning, critical I) bool {
	registered := false

	if value > t.Critical {
		e.Set(critical)
		registered = true
	} else if value < t.Critical-t.Hysteresis {
		e.Clear(critical)
	}

	if value > t.Warning {
		e.Set(warning)
		registered = true
	} else if value < t.Warning-t.Hysteresis {
		e.Clear(warning)
	}

	return registered
}

// CheckLow mirrors CheckHigh on the low side of a band.
func (e *Evaluator[I]) CheckLow(value float32, t BandThreshold, warning, critical I) bool {
	registered := false

	if value < t.LowCritical {
		e.Set(critical)
		registered = true
	} else if value > t.LowCritical+t.Hysteresis {
		e.Clear(critical)
	}

	if value < t.LowWarning {
		e.Set(warning)
		registered = true
	} else if value > t.LowWarning+t.Hysteresis {
		e.Clear(warning)
	}

	return registered
}

// CheckBand runs both sides of a 4-band check. Both sides are always evaluated so that a
// swing from one side to the other clears the stale bits; the result reports whether
// either side registered a condition.
func (e *Evaluator[I]) CheckBand(value float32, t BandThreshold, lowWarning, lowCritical, highWarning, highCritical I) bool {
	low := e.CheckLow(value, t, lowWarning, lowCritical)
	high := e.CheckHigh(value, t.High(), highWarning, highCritical)
	return low || high
}

// Run evaluates every monitor of the table once and returns how many registered a
// condition.
func (e *Evaluator[I]) Run(table Table[I]) int {
	active := 0
	for i := range table {
		m := &table[i]
		if m.Rule.Apply(e, m.Input.Load()) {
			active++
		}
	}
	return active
}
