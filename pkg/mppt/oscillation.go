// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mppt

// Default oscillation detector geometry.
const (
	DefaultOscillationWindow    = 10
	DefaultOscillationThreshold = 0.3
)

// OscillationDetector remembers the last N perturbation steps and reports whether the
// tracker is dithering back and forth around a point.
type OscillationDetector struct {
	cache     []float32
	next      int
	threshold float32
}

// NewOscillationDetector creates a detector over a window of n samples, all zero.
// A non-positive n falls back to DefaultOscillationWindow.
func NewOscillationDetector(n int, threshold float32) *OscillationDetector {
	if n <= 0 {
		n = DefaultOscillationWindow
	}
	return &OscillationDetector{
		cache:     make([]float32, n),
		threshold: threshold,
	}
}

// Inject overwrites the oldest sample.
func (d *OscillationDetector) Inject(v float32) {
	d.cache[d.next] = v
	d.next = (d.next + 1) % len(d.cache)
}

// IsOscillating reports whether both the non-negative and the negative samples exceed the
// threshold fraction of the window.
func (d *OscillationDetector) IsOscillating() bool {
	positive := 0
	for _, v := range d.cache {
		if v >= 0 {
			positive++
		}
	}
	negative := len(d.cache) - positive
	limit := d.threshold * float32(len(d.cache))

	return float32(positive) > limit && float32(negative) > limit
}

// Reset zeroes the window.
func (d *OscillationDetector) Reset() {
	clear(d.cache)
	d.next = 0
}

// Len returns the window size.
func (d *OscillationDetector) Len() int {
	return len(d.cache)
}
