// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package plant simulates the hardware around a device: the power stage, the PV string,
// the grid and the heatsinks. A Model produces raw readings; a Sampler filters them into
// a device's signal bank the way the ADC path does.
//
// A Sampler belongs to the sampling context and is the only writer of its bank. Actuator
// inputs (duty cycle, gate) and operator overrides arrive from other goroutines through
// cells and a mutex.
package plant

import (
	"fmt"
	"maps"
	"sync"

	"github.com/evert-power/evertctl/pkg/signal"
)

// Emit publishes one raw reading.
type Emit func(name signal.Name, raw float32)

// Model produces one set of raw readings per sample.
type Model interface {
	Sample(dt uint32, emit Emit)
}

// Range is the plausible span of a filtered reading.
type Range struct {
	Lo float32 `yaml:"lo"`
	Hi float32 `yaml:"hi"`
}

// DefaultRanges clamps the filtered power readings the way the converter firmware does.
func DefaultRanges() map[signal.Name]Range {
	return map[signal.Name]Range{
		signal.VoltageIn:   {0, 1000},
		signal.VoltageOut:  {0, 1000},
		signal.CurrentIn:   {0, 15},
		signal.BusVoltage:  {0, 1000},
		signal.GridVoltage: {0, 1000},
		signal.GridCurrent: {0, 50},
	}
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Alpha is the EMA factor; zero means signal.DefaultAlpha.
	Alpha float32
	// Ranges clamp the filtered values; nil means DefaultRanges.
	Ranges map[signal.Name]Range
}

type product struct {
	out, a, b signal.Name
}

// Sampler runs a Model into a signal bank.
type Sampler struct {
	model    Model
	bank     *signal.Bank
	filters  map[signal.Name]*signal.Filtered
	products []product

	mu        sync.Mutex
	overrides map[signal.Name]float32
}

// NewSampler creates one filter per bank signal.
func NewSampler(m Model, bank *signal.Bank, cfg SamplerConfig) *Sampler {
	if cfg.Ranges == nil {
		cfg.Ranges = DefaultRanges()
	}
	s := &Sampler{
		model:     m,
		bank:      bank,
		filters:   make(map[signal.Name]*signal.Filtered),
		overrides: make(map[signal.Name]float32),
	}
	for _, name := range bank.Names() {
		r := cfg.Ranges[name]
		s.filters[name] = signal.NewFiltered(bank.Cell(name), cfg.Alpha, r.Lo, r.Hi)
	}
	return s
}

// Product publishes out = a * b after every sample, from the filtered values.
func (s *Sampler) Product(out, a, b signal.Name) error {
	for _, n := range []signal.Name{out, a, b} {
		if !s.bank.Has(n) {
			return fmt.Errorf("sampler: bank has no %s", n)
		}
	}
	delete(s.filters, out)
	s.products = append(s.products, product{out, a, b})
	return nil
}

// Sample runs the model for dt milliseconds and publishes the filtered readings.
func (s *Sampler) Sample(dt uint32) {
	s.model.Sample(dt, s.emit)

	for _, p := range s.products {
		s.bank.Cell(p.out).Store(s.bank.Cell(p.a).Load() * s.bank.Cell(p.b).Load())
	}

	s.mu.Lock()
	for name, v := range s.overrides {
		s.bank.Cell(name).Store(v)
	}
	s.mu.Unlock()
}

func (s *Sampler) emit(name signal.Name, raw float32) {
	if f, ok := s.filters[name]; ok {
		f.Store(raw)
	}
}

// Override pins a reading to v until Release. Safe from any goroutine.
func (s *Sampler) Override(name signal.Name, v float32) error {
	if !s.bank.Has(name) {
		return fmt.Errorf("unknown signal %q", name)
	}
	s.mu.Lock()
	s.overrides[name] = v
	s.mu.Unlock()
	return nil
}

// Release drops an override; the filtered reading takes over at the next sample.
func (s *Sampler) Release(name signal.Name) {
	s.mu.Lock()
	delete(s.overrides, name)
	s.mu.Unlock()
}

// Overrides returns a copy of the active overrides.
func (s *Sampler) Overrides() map[signal.Name]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.overrides)
}

// Bank returns the bank the sampler writes.
func (s *Sampler) Bank() *signal.Bank {
	return s.bank
}
