// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import "fmt"

// Gateway joins two link segments, usually the in-memory Bus and a Stream to real
// hardware. Every packet received on one side is transmitted unchanged on the other.
//
// Process is the device side of both handlers and must run on one goroutine.
type Gateway struct {
	bus  *Handler
	link *Handler
}

// NewGateway creates both sides with cfg's queue sizes and logger. The sides are
// promiscuous; the address is only used for logging.
func NewGateway(cfg HandlerConfig) (*Gateway, error) {
	cfg.Promiscuous = true
	bus, err := NewHandler(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway bus side: %w", err)
	}
	link, err := NewHandler(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway link side: %w", err)
	}
	g := &Gateway{bus: bus, link: link}
	bus.SubscribeAll(g.forward(link))
	link.SubscribeAll(g.forward(bus))
	return g, nil
}

func (g *Gateway) forward(to *Handler) HandlerFunc {
	return func(p *Packet) {
		if err := to.Transmit(p); err != nil {
			to.log.Debug("gateway dropped packet", "message", p.Type(), "error", err)
		}
	}
}

// BusSide is the handler to attach to a Bus.
func (g *Gateway) BusSide() *Handler { return g.bus }

// LinkSide is the handler to wrap in a Stream.
func (g *Gateway) LinkSide() *Handler { return g.link }

// Process forwards everything queued on either side.
func (g *Gateway) Process() {
	g.bus.Process()
	g.link.Process()
}
