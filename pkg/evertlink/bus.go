// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

// Bus is an in-memory broadcast medium. Every packet transmitted by one attached handler
// is offered to every other attached handler, the way frames appear on a CAN bus; each
// handler filters by target itself.
//
// Pump is the transport side of every attached handler and must run on one goroutine.
type Bus struct {
	nodes []*Handler
	taps  []func(*Packet)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach connects h to the bus.
func (b *Bus) Attach(h *Handler) {
	b.nodes = append(b.nodes, h)
}

// Tap registers fn to see every packet that crosses the bus.
func (b *Bus) Tap(fn func(*Packet)) {
	b.taps = append(b.taps, fn)
}

// Pump moves every queued outgoing packet to the other nodes and returns how many packets
// crossed the bus. It never waits.
func (b *Bus) Pump() int {
	moved := 0
	for _, src := range b.nodes {
		for {
			p, err := src.NextOutgoing()
			if err != nil {
				break
			}
			moved++
			for _, fn := range b.taps {
				fn(p)
			}
			for _, dst := range b.nodes {
				if dst != src {
					// a full rx queue drops the frame; the handler counts it
					_ = dst.Receive(p)
				}
			}
		}
	}
	return moved
}
