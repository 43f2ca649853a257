// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package signal provides last-write-wins cells for values shared between the sampling
// context and the control tick.
//
// Every cell has exactly one writer. Readers observe the most recent whole value; there is
// no queueing and no torn read because the float is stored as one atomic 32-bit word.
package signal

import (
	"math"
	"sync/atomic"
)

// Cell holds a single float32 published by one producer.
type Cell struct {
	bits atomic.Uint32
}

// Store publishes v, overwriting whatever was there.
func (c *Cell) Store(v float32) {
	c.bits.Store(math.Float32bits(v))
}

// Load returns the latest published value (0 before the first Store).
func (c *Cell) Load() float32 {
	return math.Float32frombits(c.bits.Load())
}

// Reader is the read side of a Cell, handed to consumers so they cannot write.
type Reader interface {
	Load() float32
}

// Writer is the write side of a Cell, handed to the single producer.
type Writer interface {
	Store(v float32)
}

// Const is a Reader that always returns the same value.
type Const float32

// Load returns the constant.
func (c Const) Load() float32 { return float32(c) }

// Sum is a Reader returning the total of its readers.
type Sum []Reader

// Load adds up the current values.
func (s Sum) Load() float32 {
	var total float32
	for _, r := range s {
		total += r.Load()
	}
	return total
}

// Name identifies a sampled signal.
type Name string

// Signal names shared by device kinds and sources.
const (
	VoltageIn    Name = "voltage_in"
	VoltageOut   Name = "voltage_out"
	CurrentIn    Name = "current_in"
	PowerIn      Name = "power_in"
	TempCoil     Name = "temp_coil"
	TempSchottky Name = "temp_schottky"
	TempMosfet   Name = "temp_mosfet"
	CPUTemp      Name = "cpu_temp"
	Vref         Name = "vref"
	BusVoltage   Name = "bus_voltage"
	BusImbalance Name = "bus_imbalance"
	GridVoltage  Name = "grid_voltage"
	GridCurrent  Name = "grid_current"
	AmbientTemp  Name = "ambient_temp"
	TempPhaseU   Name = "temp_phase_u"
	TempPhaseV   Name = "temp_phase_v"
	TempPhaseW   Name = "temp_phase_w"
)

// Bank is a fixed set of named cells created at configuration time.
// The map is never modified after NewBank returns, so concurrent lookups are safe.
type Bank struct {
	cells map[Name]*Cell
}

// NewBank creates one cell per name.
func NewBank(names ...Name) *Bank {
	b := &Bank{cells: make(map[Name]*Cell, len(names))}
	for _, n := range names {
		b.cells[n] = &Cell{}
	}
	return b
}

// Cell returns the cell for name, or nil if the bank has none.
func (b *Bank) Cell(name Name) *Cell {
	return b.cells[name]
}

// Has reports whether the bank carries name.
func (b *Bank) Has(name Name) bool {
	_, ok := b.cells[name]
	return ok
}

// Names returns the signal names carried by the bank, in no particular order.
func (b *Bank) Names() []Name {
	out := make([]Name, 0, len(b.cells))
	for n := range b.cells {
		out = append(out, n)
	}
	return out
}

// Snapshot copies the current value of every cell.
func (b *Bank) Snapshot() map[Name]float32 {
	out := make(map[Name]float32, len(b.cells))
	for n, c := range b.cells {
		out[n] = c.Load()
	}
	return out
}
