// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

import "github.com/evert-power/evertctl/pkg/mathx"

// DefaultAlpha is the smoothing factor the converter applies to raw ADC readings.
const DefaultAlpha float32 = 0.05

// EMA is an exponential moving average whose output is clamped to a plausible range.
// The first sample primes the average. Not safe for concurrent use; it belongs to the
// sampling context.
type EMA struct {
	alpha  float32
	lo, hi float32
	value  float32
	primed bool
}

// NewEMA creates a filter. An alpha outside (0, 1] means DefaultAlpha; lo == hi disables
// the clamp.
func NewEMA(alpha, lo, hi float32) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EMA{alpha: alpha, lo: lo, hi: hi}
}

// Update feeds one raw sample and returns the filtered value.
func (f *EMA) Update(raw float32) float32 {
	if f.primed {
		f.value = f.alpha*raw + (1-f.alpha)*f.value
	} else {
		f.value = raw
		f.primed = true
	}
	if f.lo != f.hi {
		f.value = mathx.Clamp(f.value, f.lo, f.hi)
	}
	return f.value
}

// Value returns the current average.
func (f *EMA) Value() float32 {
	return f.value
}

// Reset forgets the history; the next sample primes the average again.
func (f *EMA) Reset() {
	f.value = 0
	f.primed = false
}

// Filtered is a Writer that smooths every sample before publishing it.
type Filtered struct {
	EMA
	out Writer
}

// NewFiltered wraps out with an EMA.
func NewFiltered(out Writer, alpha, lo, hi float32) *Filtered {
	return &Filtered{EMA: *NewEMA(alpha, lo, hi), out: out}
}

// Store filters raw and publishes the result.
func (f *Filtered) Store(raw float32) {
	f.out.Store(f.Update(raw))
}
