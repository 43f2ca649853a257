// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// DefaultFIFOCapacity is the rx and tx queue depth of a Handler.
const DefaultFIFOCapacity = 32

// ProcessStatus is the outcome of one Process call.
type ProcessStatus uint8

const (
	StatusOK ProcessStatus = iota
	StatusIdle
	StatusProcessingReceivedData
	StatusWaitingForInternalBuffer
)

func (s ProcessStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIdle:
		return "Idle"
	case StatusProcessingReceivedData:
		return "ProcessingReceivedData"
	case StatusWaitingForInternalBuffer:
		return "WaitingForInternalBuffer"
	default:
		return fmt.Sprintf("ProcessStatus(%d)", uint8(s))
	}
}

// HandlerFunc handles one received packet.
type HandlerFunc func(p *Packet)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Address    DeviceID
	RxCapacity int
	TxCapacity int

	// Promiscuous delivers every packet regardless of its target (CCU, monitors).
	Promiscuous bool

	// MaxPerProcess bounds the packets handled by one Process call; zero drains the queue.
	MaxPerProcess int

	Logger *slog.Logger
}

// LinkStats counts traffic through a Handler.
type LinkStats struct {
	RxPackets  uint32
	TxPackets  uint32
	RxDropped  uint32
	TxDropped  uint32
	RxFiltered uint32
}

// Handler sits between a device and its transport. The transport side calls Receive and
// NextOutgoing; the device side calls Transmit and Process. Each side is one goroutine.
type Handler struct {
	addr        atomic.Uint32
	promiscuous bool
	maxPer      int
	rx          *FIFO[*Packet]
	tx          *FIFO[*Packet]
	handlers    map[MessageID]HandlerFunc
	fallback    HandlerFunc
	log         *slog.Logger

	rxPackets  atomic.Uint32
	txPackets  atomic.Uint32
	rxDropped  atomic.Uint32
	txDropped  atomic.Uint32
	rxFiltered atomic.Uint32
}

// NewHandler creates a handler with empty queues.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.RxCapacity == 0 {
		cfg.RxCapacity = DefaultFIFOCapacity
	}
	if cfg.TxCapacity == 0 {
		cfg.TxCapacity = DefaultFIFOCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rx, err := NewFIFO[*Packet](cfg.RxCapacity)
	if err != nil {
		return nil, fmt.Errorf("rx queue: %w", err)
	}
	tx, err := NewFIFO[*Packet](cfg.TxCapacity)
	if err != nil {
		return nil, fmt.Errorf("tx queue: %w", err)
	}
	h := &Handler{
		promiscuous: cfg.Promiscuous,
		maxPer:      cfg.MaxPerProcess,
		rx:          rx,
		tx:          tx,
		handlers:    make(map[MessageID]HandlerFunc),
		log:         cfg.Logger,
	}
	h.addr.Store(uint32(cfg.Address))
	return h, nil
}

// Address returns the handler's own device id.
func (h *Handler) Address() DeviceID {
	return DeviceID(h.addr.Load())
}

// SetAddress changes the handler's own device id.
func (h *Handler) SetAddress(d DeviceID) {
	h.addr.Store(uint32(d))
}

// Subscribe routes packets of one message id to fn. Call before traffic starts.
func (h *Handler) Subscribe(id MessageID, fn HandlerFunc) {
	h.handlers[id] = fn
}

// SubscribeAll routes packets without a specific subscription to fn.
func (h *Handler) SubscribeAll(fn HandlerFunc) {
	h.fallback = fn
}

// Send encodes msg from this device to target and queues it.
func (h *Handler) Send(target DeviceID, msg Message) error {
	p, err := NewMessagePacket(h.Address(), target, msg)
	if err != nil {
		return err
	}
	return h.Transmit(p)
}

// Transmit queues an outgoing packet. Device side; never waits.
func (h *Handler) Transmit(p *Packet) error {
	if err := h.tx.Push(p); err != nil {
		h.txDropped.Add(1)
		return err
	}
	return nil
}

// NextOutgoing pops the next packet for the transport. Transport side.
func (h *Handler) NextOutgoing() (*Packet, error) {
	p, err := h.tx.Pop()
	if err != nil {
		return nil, err
	}
	h.txPackets.Add(1)
	return p, nil
}

// Outgoing signals that the tx queue went non-empty.
func (h *Handler) Outgoing() <-chan struct{} {
	return h.tx.Readable()
}

// Receive queues a packet arriving from the transport. Transport side; never waits.
func (h *Handler) Receive(p *Packet) error {
	if err := h.rx.Push(p); err != nil {
		h.rxDropped.Add(1)
		return err
	}
	return nil
}

// Incoming signals that the rx queue went non-empty.
func (h *Handler) Incoming() <-chan struct{} {
	return h.rx.Readable()
}

// Process dispatches queued packets addressed to this device. Device side.
func (h *Handler) Process() ProcessStatus {
	if h.rx.Len() == 0 {
		return StatusIdle
	}

	handled := 0
	for h.maxPer == 0 || handled < h.maxPer {
		if h.tx.Len() == h.tx.Cap() {
			// replies would be dropped; leave the rest for the next call
			return StatusWaitingForInternalBuffer
		}
		p, err := h.rx.Pop()
		if err != nil {
			return StatusOK
		}
		handled++
		h.rxPackets.Add(1)
		h.dispatch(p)
	}

	if h.rx.Len() > 0 {
		return StatusProcessingReceivedData
	}
	return StatusOK
}

func (h *Handler) dispatch(p *Packet) {
	if !h.promiscuous && !p.Identifier().AddressedTo(h.Address()) {
		h.rxFiltered.Add(1)
		return
	}
	if fn, ok := h.handlers[p.Type()]; ok {
		fn(p)
		return
	}
	if h.fallback != nil {
		h.fallback(p)
		return
	}
	h.log.Debug("unhandled packet", "message", p.Type(), "source", p.Source())
}

// Stats returns the traffic counters.
func (h *Handler) Stats() LinkStats {
	return LinkStats{
		RxPackets:  h.rxPackets.Load(),
		TxPackets:  h.txPackets.Load(),
		RxDropped:  h.rxDropped.Load(),
		TxDropped:  h.txDropped.Load(),
		RxFiltered: h.rxFiltered.Load(),
	}
}
