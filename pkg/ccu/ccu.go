// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ccu emulates the central control unit. It acknowledges device announcements,
// broadcasts pings, keeps the last reported status and measurements of every device and
// decides the Propagated state each device runs under.
//
// Tick is the only place CCU state changes. Other goroutines queue work with Send, Pin and
// Unpin and read the published view with Peers.
package ccu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/inverter"
)

// Defaults, in milliseconds.
const (
	DefaultPingInterval = 1000
	DefaultPeerTimeout  = 3000
	DefaultRxCapacity   = 128
)

const queueDepth = 32

// ErrQueueFull is returned when the operator queue has no room left.
var ErrQueueFull = errors.New("ccu: operator queue full")

// Config configures a CCU.
type Config struct {
	Logger *slog.Logger

	// PingInterval is the broadcast ping period; zero means DefaultPingInterval.
	PingInterval uint32
	// PeerTimeout marks a silent device offline; zero means DefaultPeerTimeout.
	PeerTimeout uint32

	// DisableInterlock stops an emergency on one device from shutting down the others.
	DisableInterlock bool

	RxCapacity int
	TxCapacity int
}

// Peer is what the CCU knows about one device.
type Peer struct {
	Address      evertlink.DeviceID
	Kind         evertlink.DeviceKind
	Version      string
	RunID        string
	Acknowledged bool
	Online       bool
	LastSeenMs   uint32

	HaveStatus bool
	Status     evertlink.DeviceStatus
	// Propagated is the last state the CCU commanded.
	Propagated device.State
	Pinned     bool

	Boost    *evertlink.BoostMeasurements
	Mppt     *evertlink.BoostMppt
	Inverter *evertlink.InverterMeasurements
	Comms    *evertlink.CommsMeasurements

	Errors    uint32
	LastError *evertlink.Error

	fresh bool
}

// Result returns the device's effective state from its last status.
func (p Peer) Result() device.State {
	return device.State(p.Status.Result)
}

// Internal returns the device's own verdict from its last status.
func (p Peer) Internal() device.State {
	return device.State(p.Status.Internal)
}

// CCU is the central control unit on the link.
type CCU struct {
	log     *slog.Logger
	cfg     Config
	handler *evertlink.Handler

	peers     [16]*Peer
	pins      map[evertlink.DeviceID]device.State
	elapsed   uint32
	sincePing uint32
	emergency bool

	ops       chan func()
	published atomic.Pointer[[]Peer]
	interlock atomic.Bool
}

// New creates a CCU at address DeviceCCU.
func New(cfg Config) (*CCU, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.PeerTimeout <= cfg.PingInterval {
		return nil, fmt.Errorf("ccu: peer timeout %d ms must exceed the ping interval %d ms", cfg.PeerTimeout, cfg.PingInterval)
	}
	if cfg.RxCapacity == 0 {
		cfg.RxCapacity = DefaultRxCapacity
	}

	log := cfg.Logger.With("device", evertlink.DeviceCCU)
	h, err := evertlink.NewHandler(evertlink.HandlerConfig{
		Address:     evertlink.DeviceCCU,
		RxCapacity:  cfg.RxCapacity,
		TxCapacity:  cfg.TxCapacity,
		Promiscuous: true,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("ccu: %w", err)
	}

	c := &CCU{
		log:     log,
		cfg:     cfg,
		handler: h,
		pins:    make(map[evertlink.DeviceID]device.State),
		ops:     make(chan func(), queueDepth),
	}

	h.Subscribe(evertlink.MsgAnnouncement, c.onAnnouncement)
	h.Subscribe(evertlink.MsgDeviceStatus, c.onDeviceStatus)
	h.Subscribe(evertlink.MsgBoostMeasurements, c.onBoostMeasurements)
	h.Subscribe(evertlink.MsgBoostMppt, c.onBoostMppt)
	h.Subscribe(evertlink.MsgInverterMeasurements, c.onInverterMeasurements)
	h.Subscribe(evertlink.MsgCommsMeasurements, c.onCommsMeasurements)
	h.Subscribe(evertlink.MsgError, c.onError)
	h.SubscribeAll(c.onOther)

	c.publish()
	return c, nil
}

// Handler returns the link handler.
func (c *CCU) Handler() *evertlink.Handler { return c.handler }

// Tick runs one control tick: apply queued operator work, drain the link, ping, time out
// silent devices and send any Propagated state that changed.
func (c *CCU) Tick(elapsed, delta uint32) {
	c.elapsed = elapsed

	for done := false; !done; {
		select {
		case op := <-c.ops:
			op()
		default:
			done = true
		}
	}

	c.handler.Process()

	c.sincePing += delta
	if c.sincePing >= c.cfg.PingInterval {
		c.sincePing = 0
		c.send(evertlink.DeviceBroadcast, &evertlink.Ping{UptimeMs: elapsed})
	}

	c.expire()
	c.propagate()
	c.publish()
}

// Send queues msg for target. Safe from any goroutine; the message leaves on the next tick.
func (c *CCU) Send(target evertlink.DeviceID, msg evertlink.Message) error {
	return c.enqueue(func() { c.send(target, msg) })
}

// Pin holds a device's Propagated state at s until Unpin, overriding the interlock.
func (c *CCU) Pin(target evertlink.DeviceID, s device.State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", device.ErrInvalidState, uint8(s))
	}
	return c.enqueue(func() {
		c.pins[target] = s
		c.log.Info("propagated state pinned", "target", target, "state", s)
	})
}

// Unpin returns a device to the automatic policy.
func (c *CCU) Unpin(target evertlink.DeviceID) error {
	return c.enqueue(func() {
		delete(c.pins, target)
		c.log.Info("propagated state unpinned", "target", target)
	})
}

// Peers returns every device seen so far, ordered by address. Safe from any goroutine.
func (c *CCU) Peers() []Peer {
	return *c.published.Load()
}

// Peer returns one device by address.
func (c *CCU) Peer(addr evertlink.DeviceID) (Peer, bool) {
	for _, p := range c.Peers() {
		if p.Address == addr {
			return p, true
		}
	}
	return Peer{}, false
}

// Interlocked reports whether a device emergency is shutting the others down.
func (c *CCU) Interlocked() bool {
	return c.interlock.Load()
}

// Formatter returns a packet formatter that names kind alarms by the announced kind.
func (c *CCU) Formatter() evertlink.Formatter {
	return evertlink.Formatter{KindAlarms: func(source evertlink.DeviceID) evertlink.AlarmNamer {
		kind := KindOf(source)
		if p, ok := c.Peer(source); ok && p.Kind != evertlink.KindUnknown {
			kind = p.Kind
		}
		return AlarmNamer(kind)
	}}
}

// KindOf returns the device kind normally found at addr.
func KindOf(addr evertlink.DeviceID) evertlink.DeviceKind {
	switch addr {
	case evertlink.DeviceBoostConverter1, evertlink.DeviceBoostConverter2:
		return evertlink.KindBoostConverter
	case evertlink.DeviceInverter:
		return evertlink.KindInverter
	default:
		return evertlink.KindUnknown
	}
}

// AlarmNamer names the kind-specific alarm bits of kind; nil for an unknown kind.
func AlarmNamer(kind evertlink.DeviceKind) evertlink.AlarmNamer {
	switch kind {
	case evertlink.KindBoostConverter:
		return boost.AlarmName
	case evertlink.KindInverter:
		return inverter.AlarmName
	default:
		return nil
	}
}

func (c *CCU) enqueue(op func()) error {
	select {
	case c.ops <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *CCU) send(target evertlink.DeviceID, msg evertlink.Message) {
	if err := c.handler.Send(target, msg); err != nil {
		c.log.Warn("send dropped", "message", msg.MessageID(), "target", target, "error", err)
	}
}

// peer returns the record for a source, creating it on first contact.
func (c *CCU) peer(addr evertlink.DeviceID) *Peer {
	p := c.peers[addr&0xF]
	if p == nil {
		p = &Peer{Address: addr, Kind: KindOf(addr)}
		c.peers[addr&0xF] = p
	}
	if !p.Online {
		p.Online = true
		c.log.Info("device online", "address", addr)
	}
	p.LastSeenMs = c.elapsed
	return p
}

func (c *CCU) onAnnouncement(pkt *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.Announcement](pkt)
	if err != nil {
		c.log.Warn("bad announcement", "source", pkt.Source(), "error", err)
		return
	}
	p := c.peer(pkt.Source())
	if p.HaveStatus {
		c.log.Info("device restarted", "address", p.Address)
		p.HaveStatus = false
		p.Propagated = device.Unknown
	}
	p.Kind = m.Kind
	p.Version = fmt.Sprintf("%d.%d.%d", m.Major, m.Minor, m.Patch)
	p.RunID = m.RunID
	if !p.Acknowledged {
		c.log.Info("handshake", "address", p.Address, "kind", m.Kind, "version", p.Version)
	}
	p.Acknowledged = true
	c.send(pkt.Source(), &evertlink.HandshakeAck{})
}

func (c *CCU) onDeviceStatus(pkt *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.DeviceStatus](pkt)
	if err != nil {
		return
	}
	p := c.peer(pkt.Source())
	if p.HaveStatus && p.Status.Result != m.Result {
		c.log.Info("device state", "address", p.Address,
			"result", device.State(m.Result), "previous", device.State(p.Status.Result))
	}
	p.Status = m
	p.HaveStatus = true
	// a device only reports status once some CCU has acknowledged it
	p.Acknowledged = true
	p.fresh = true
}

func (c *CCU) onBoostMeasurements(pkt *evertlink.Packet) {
	if m, err := evertlink.Decode[evertlink.BoostMeasurements](pkt); err == nil {
		c.peer(pkt.Source()).Boost = &m
	}
}

func (c *CCU) onBoostMppt(pkt *evertlink.Packet) {
	if m, err := evertlink.Decode[evertlink.BoostMppt](pkt); err == nil {
		c.peer(pkt.Source()).Mppt = &m
	}
}

func (c *CCU) onInverterMeasurements(pkt *evertlink.Packet) {
	if m, err := evertlink.Decode[evertlink.InverterMeasurements](pkt); err == nil {
		c.peer(pkt.Source()).Inverter = &m
	}
}

func (c *CCU) onCommsMeasurements(pkt *evertlink.Packet) {
	if m, err := evertlink.Decode[evertlink.CommsMeasurements](pkt); err == nil {
		c.peer(pkt.Source()).Comms = &m
	}
}

func (c *CCU) onError(pkt *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.Error](pkt)
	if err != nil {
		return
	}
	p := c.peer(pkt.Source())
	p.Errors++
	p.LastError = &m
	c.log.Warn("command rejected", "address", p.Address, "command", m.Command, "code", m.Code)
}

func (c *CCU) onOther(pkt *evertlink.Packet) {
	// our own commands echo back on a shared medium
	if pkt.Source() == evertlink.DeviceCCU || pkt.Source() == evertlink.DeviceBroadcast {
		return
	}
	c.peer(pkt.Source())
}

func (c *CCU) expire() {
	for _, p := range c.peers {
		if p == nil || !p.Online {
			continue
		}
		if c.elapsed-p.LastSeenMs > c.cfg.PeerTimeout {
			p.Online = false
			p.Acknowledged = false
			p.HaveStatus = false
			p.Propagated = device.Unknown
			c.log.Warn("device offline", "address", p.Address, "silent_ms", c.elapsed-p.LastSeenMs)
		}
	}
}

// propagate commands every live device. A pinned state wins. Otherwise a device whose
// own verdict is EmergencyShutdown puts every other device into EmergencyShutdown, and
// all devices run under Operational when nobody is in an emergency.
func (c *CCU) propagate() {
	emergency := false
	for _, p := range c.peers {
		if p != nil && p.Online && p.HaveStatus && p.Internal() == device.EmergencyShutdown {
			emergency = true
		}
	}
	emergency = emergency && !c.cfg.DisableInterlock
	if emergency != c.emergency {
		c.emergency = emergency
		c.interlock.Store(emergency)
		if emergency {
			c.log.Warn("emergency interlock engaged")
		} else {
			c.log.Info("emergency interlock released")
		}
	}

	for _, p := range c.peers {
		if p == nil || !p.Online || !p.Acknowledged || !p.HaveStatus {
			continue
		}
		want := device.Operational
		pin, pinned := c.pins[p.Address]
		switch {
		case pinned:
			want = pin
		case emergency && p.Internal() != device.EmergencyShutdown:
			want = device.EmergencyShutdown
		}
		p.Pinned = pinned

		stale := p.fresh && device.State(p.Status.Propagated) != want
		p.fresh = false
		if want == p.Propagated && !stale {
			continue
		}
		p.Propagated = want
		c.send(p.Address, &evertlink.SetPropagatedState{State: uint8(want)})
	}
}

func (c *CCU) publish() {
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p != nil {
			peers = append(peers, *p)
		}
	}
	c.published.Store(&peers)
}
