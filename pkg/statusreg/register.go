// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package statusreg provides the fixed-width alarm bitset every alarm consumer shares.
//
// A Register is written by exactly one execution context (the control tick) and may be
// read from any other. The word is stored atomically, so readers always see a whole
// 32-bit value and no lock is taken on either side.
package statusreg

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// Width is the number of bits a Register holds.
const Width = 32

// ErrIndexRange is returned when an index does not fit in a Register.
var ErrIndexRange = errors.New("status register index out of range")

// Index is the constraint for named register indices. Each register family declares its
// own index type so that indices of one register cannot be used on another.
type Index interface {
	~uint8
}

// Register is a 32-bit set of boolean flags addressed by a typed index.
// The zero value is an empty register ready for use.
type Register[I Index] struct {
	bits atomic.Uint32
}

// Init clears every bit.
func (r *Register[I]) Init() {
	r.bits.Store(0)
}

// SetBit sets the bit at index i and reports whether its value changed.
func (r *Register[I]) SetBit(i I) bool {
	old := r.bits.Load()
	mask := uint32(1) << i
	if old&mask != 0 {
		return false
	}
	r.bits.Store(old | mask)
	return true
}

// ClearBit clears the bit at index i and reports whether its value changed.
func (r *Register[I]) ClearBit(i I) bool {
	old := r.bits.Load()
	mask := uint32(1) << i
	if old&mask == 0 {
		return false
	}
	r.bits.Store(old &^ mask)
	return true
}

// IsSet reports whether the bit at index i is set.
func (r *Register[I]) IsSet(i I) bool {
	return r.bits.Load()&(uint32(1)<<i) != 0
}

// CountSet returns the number of set bits.
func (r *Register[I]) CountSet() uint32 {
	return uint32(bits.OnesCount32(r.bits.Load()))
}

// IsAnySet reports whether any of the given indices is set. It stops at the first match.
func (r *Register[I]) IsAnySet(indices []I) bool {
	word := r.bits.Load()
	for _, i := range indices {
		if word&(uint32(1)<<i) != 0 {
			return true
		}
	}
	return false
}

// Word returns the raw register value, for status reporting.
func (r *Register[I]) Word() uint32 {
	return r.bits.Load()
}

// SetIndices returns the indices of all set bits in ascending order.
func (r *Register[I]) SetIndices() []I {
	word := r.bits.Load()
	out := make([]I, 0, bits.OnesCount32(word))
	for word != 0 {
		i := bits.TrailingZeros32(word)
		out = append(out, I(i))
		word &^= 1 << i
	}
	return out
}

// CheckIndex verifies that every index fits in a Register.
// Index tables call this once at configuration time.
func CheckIndex[I Index](indices ...I) error {
	for _, i := range indices {
		if uint(i) >= Width {
			return fmt.Errorf("%w: %d (width %d)", ErrIndexRange, i, Width)
		}
	}
	return nil
}

// CheckDistinct verifies that no index appears twice, so each bit is driven by at most
// one logical condition.
func CheckDistinct[I Index](indices ...I) error {
	var seen uint64
	for _, i := range indices {
		if uint(i) >= Width {
			return fmt.Errorf("%w: %d (width %d)", ErrIndexRange, i, Width)
		}
		mask := uint64(1) << i
		if seen&mask != 0 {
			return fmt.Errorf("status register index %d assigned twice", i)
		}
		seen |= mask
	}
	return nil
}
