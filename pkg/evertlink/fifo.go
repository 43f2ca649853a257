// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// FIFO errors. Neither Push nor Pop ever waits.
var (
	ErrFIFOFull  = errors.New("fifo full")
	ErrFIFOEmpty = errors.New("fifo empty")
)

// MaxFIFOCapacity bounds a FIFO's capacity.
const MaxFIFOCapacity = 1 << 16

// FIFO is a bounded single-producer, single-consumer queue. One goroutine may Push while
// another Pops; the indices are monotonic and published atomically.
type FIFO[T any] struct {
	buf  []T
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	readable chan struct{} // empty -> non-empty edge
}

// NewFIFO creates a FIFO holding at least capacity items; the capacity is rounded up to
// a power of two.
func NewFIFO[T any](capacity int) (*FIFO[T], error) {
	if capacity < 1 || capacity > MaxFIFOCapacity {
		return nil, fmt.Errorf("fifo capacity %d outside [1, %d]", capacity, MaxFIFOCapacity)
	}
	size := 1 << bits.Len(uint(capacity-1))
	return &FIFO[T]{
		buf:      make([]T, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
	}, nil
}

// Push appends v. Producer side.
func (f *FIFO[T]) Push(v T) error {
	rd := f.rd.Load()
	wr := f.wr.Load()
	used := wr - rd
	if used == uint32(len(f.buf)) {
		return ErrFIFOFull
	}
	f.buf[wr&f.mask] = v
	f.wr.Store(wr + 1) // release

	if used == 0 {
		select {
		case f.readable <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pop removes the oldest item. Consumer side.
func (f *FIFO[T]) Pop() (T, error) {
	var zero T
	rd := f.rd.Load()
	wr := f.wr.Load() // acquire
	if rd == wr {
		return zero, ErrFIFOEmpty
	}
	v := f.buf[rd&f.mask]
	f.buf[rd&f.mask] = zero
	f.rd.Store(rd + 1)
	return v, nil
}

// Len returns the number of queued items.
func (f *FIFO[T]) Len() int {
	return int(f.wr.Load() - f.rd.Load())
}

// Cap returns the capacity.
func (f *FIFO[T]) Cap() int {
	return len(f.buf)
}

// Readable is signalled when the FIFO goes from empty to non-empty. A consumer that
// finds the FIFO empty may wait on it instead of polling.
func (f *FIFO[T]) Readable() <-chan struct{} {
	return f.readable
}
