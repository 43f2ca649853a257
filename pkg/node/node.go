// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package node binds a device state machine to the link: it answers the central
// controller's handshake, pings and state commands, runs the periodic announcement, data,
// status and ping tasks, and hands everything kind specific to a Kind.
//
// Tick is the control tick and the only place node state changes. The transport side of
// the handler (Bus, Stream) runs on another goroutine; Snapshot is safe from anywhere.
package node

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/signal"
)

// DefaultStatusRefresh forces an unchanged DEVICE_STATUS out on every Nth status fire.
const DefaultStatusRefresh = 10

// Firmware version announced by simulated devices.
const (
	VersionMajor = 1
	VersionMinor = 4
	VersionPatch = 0
)

// Sender queues a message for the CCU.
type Sender func(msg evertlink.Message)

// Kind is the device-kind specific part of a node.
type Kind interface {
	device.Hooks

	// Evaluate runs the kind's alarm monitors for one control tick.
	Evaluate(delta uint32)

	// Control runs after Internal has been re-derived, with the current Result.
	Control(result device.State, delta uint32)

	// Telemetry sends the kind's measurement messages from the data task.
	Telemetry(send Sender)

	// Alarms returns the kind-specific alarm register word.
	Alarms() uint32

	// InjectFault raises or clears a bit of the kind-specific register.
	InjectFault(index uint8, set bool) error
}

// Config configures a Node.
type Config struct {
	Logger  *slog.Logger
	Address evertlink.DeviceID
	Kind    evertlink.DeviceKind
	RunID   string

	Intervals   device.Intervals
	ADCBootTime uint32
	Alarms      device.AlarmConfig

	// CPUTemp and Vref feed the device-level alarm register.
	CPUTemp signal.Reader
	Vref    signal.Reader

	// StatusRefresh is the forced-send period of the status cache in fires; zero means
	// DefaultStatusRefresh.
	StatusRefresh int

	RxCapacity int
	TxCapacity int
}

// Snapshot is a consistent-enough view of a node for other goroutines.
type Snapshot struct {
	Address    evertlink.DeviceID
	Kind       evertlink.DeviceKind
	State      device.Group
	Alarms     uint32
	KindAlarms uint32
	Link       evertlink.LinkStats
	CacheSaves uint32
	UptimeMs   uint32
}

// Node is one device on the link.
type Node struct {
	log     *slog.Logger
	cfg     Config
	handler *evertlink.Handler
	machine *device.Machine
	alarms  *device.Alarms
	kind    Kind

	uptime      uint32
	lastStatus  evertlink.DeviceStatus
	statusFires int

	kindAlarms atomic.Uint32
	cacheSaves atomic.Uint32
	uptimePub  atomic.Uint32
}

// New creates a node without a kind. Attach the kind before Init.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Intervals == (device.Intervals{}) {
		cfg.Intervals = device.DefaultIntervals()
	}
	if err := cfg.Intervals.Validate(); err != nil {
		return nil, err
	}
	if cfg.Alarms == (device.AlarmConfig{}) {
		cfg.Alarms = device.DefaultAlarmConfig()
	}
	if err := cfg.Alarms.Validate(); err != nil {
		return nil, err
	}
	if cfg.StatusRefresh <= 0 {
		cfg.StatusRefresh = DefaultStatusRefresh
	}
	if cfg.CPUTemp == nil || cfg.Vref == nil {
		return nil, errors.New("node: cpu temperature and vref inputs are required")
	}

	log := cfg.Logger.With("device", cfg.Address)
	n := &Node{log: log, cfg: cfg}

	h, err := evertlink.NewHandler(evertlink.HandlerConfig{
		Address:    cfg.Address,
		RxCapacity: cfg.RxCapacity,
		TxCapacity: cfg.TxCapacity,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Address, err)
	}
	n.handler = h

	n.alarms, err = device.NewAlarms(cfg.Alarms, cfg.CPUTemp, cfg.Vref, func(i device.AlarmIndex, set bool) {
		n.log.Info("device alarm", "alarm", i, "set", set)
		n.machine.AlarmChanged()
	})
	if err != nil {
		return nil, err
	}

	sched := device.NewScheduler(cfg.Intervals)
	n.machine = device.NewMachine(device.Config{
		Logger:      log,
		Scheduler:   sched,
		Hooks:       n,
		ADCBootTime: cfg.ADCBootTime,
	})
	n.machine.AddClassifier(n.alarms.Classification())

	sched.Handle(device.TaskAnnouncement, n.sendAnnouncement)
	sched.Handle(device.TaskData, n.sendData)
	sched.Handle(device.TaskStatus, n.sendStatus)
	sched.Handle(device.TaskPing, n.sendPing)

	h.Subscribe(evertlink.MsgHandshakeAck, n.onHandshakeAck)
	h.Subscribe(evertlink.MsgPing, n.onPing)
	h.Subscribe(evertlink.MsgSetPropagatedState, n.onSetPropagatedState)
	h.Subscribe(evertlink.MsgInjectFault, n.onInjectFault)
	h.SubscribeAll(n.onUnhandled)

	return n, nil
}

// Attach installs the device kind and its alarm classification.
func (n *Node) Attach(k Kind, c device.Classifier) {
	n.kind = k
	if c != nil {
		n.machine.AddClassifier(c)
	}
}

// Init starts the boot sequence.
func (n *Node) Init() {
	n.uptime = 0
	n.uptimePub.Store(0)
	n.statusFires = 0
	n.lastStatus = evertlink.DeviceStatus{}
	n.machine.Init()
}

// Tick runs one control tick: drain commands, evaluate alarms, re-derive the state,
// run the kind's control and advance the scheduler.
func (n *Node) Tick(elapsed, delta uint32) {
	n.uptime = elapsed
	n.uptimePub.Store(elapsed)

	n.handler.Process()

	n.alarms.Evaluate(delta)
	if n.kind != nil {
		n.kind.Evaluate(delta)
	}

	n.machine.Reevaluate()

	if n.kind != nil {
		n.kind.Control(n.machine.Result(), delta)
		n.kindAlarms.Store(n.kind.Alarms())
	}

	n.machine.Update(elapsed, delta)
}

// OnEnter forwards state entry to the kind.
func (n *Node) OnEnter(state, previous device.State) {
	if n.kind != nil {
		n.kind.OnEnter(state, previous)
	}
}

// Send queues msg for the CCU. A full queue drops the message; the handler counts it.
func (n *Node) Send(msg evertlink.Message) {
	if err := n.handler.Send(evertlink.DeviceCCU, msg); err != nil {
		n.log.Debug("send dropped", "message", msg.MessageID(), "error", err)
	}
}

// Reject answers a command with an ERROR message.
func (n *Node) Reject(cmd evertlink.MessageID, code evertlink.ErrorCode) {
	n.log.Warn("command rejected", "message", cmd, "code", code)
	n.Send(&evertlink.Error{Code: code, Command: cmd})
}

// Handler returns the link handler. Kinds subscribe their commands on it.
func (n *Node) Handler() *evertlink.Handler { return n.handler }

// Machine returns the state machine.
func (n *Node) Machine() *device.Machine { return n.machine }

// DeviceAlarms returns the device-level alarm register.
func (n *Node) DeviceAlarms() *device.Alarms { return n.alarms }

// Address returns the node's link address.
func (n *Node) Address() evertlink.DeviceID { return n.cfg.Address }

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger { return n.log }

// Snapshot returns the node's published state. Safe from any goroutine.
func (n *Node) Snapshot() Snapshot {
	return Snapshot{
		Address:    n.cfg.Address,
		Kind:       n.cfg.Kind,
		State:      n.machine.Snapshot(),
		Alarms:     n.alarms.Register().Word(),
		KindAlarms: n.kindAlarms.Load(),
		Link:       n.handler.Stats(),
		CacheSaves: n.cacheSaves.Load(),
		UptimeMs:   n.uptimePub.Load(),
	}
}

func (n *Node) sendAnnouncement() {
	n.Send(&evertlink.Announcement{
		Kind:  n.cfg.Kind,
		Major: VersionMajor,
		Minor: VersionMinor,
		Patch: VersionPatch,
		RunID: n.cfg.RunID,
	})
}

func (n *Node) sendData() {
	if n.kind != nil {
		n.kind.Telemetry(n.Send)
	}
}

func (n *Node) sendStatus() {
	status := n.status()
	n.statusFires++
	if status == n.lastStatus && n.statusFires < n.cfg.StatusRefresh {
		n.cacheSaves.Add(1)
		return
	}
	n.statusFires = 0
	n.lastStatus = status
	n.Send(&status)
}

func (n *Node) status() evertlink.DeviceStatus {
	s := evertlink.DeviceStatus{
		Result:     uint8(n.machine.Get(device.Result)),
		Internal:   uint8(n.machine.Get(device.Internal)),
		Propagated: uint8(n.machine.Get(device.Propagated)),
		Alarms1:    n.alarms.Register().Word(),
	}
	if n.kind != nil {
		s.KindAlarms = n.kind.Alarms()
	}
	return s
}

func (n *Node) sendPing() {
	n.Send(&evertlink.Ping{UptimeMs: n.uptime})

	stats := n.handler.Stats()
	age, _ := n.alarms.Watchdog().SinceLast()
	n.Send(&evertlink.CommsMeasurements{
		LastPingAgeMs: age,
		RxPackets:     stats.RxPackets,
		TxPackets:     stats.TxPackets,
		RxDropped:     stats.RxDropped,
		TxDropped:     stats.TxDropped,
		CacheSaves:    n.cacheSaves.Load(),
	})
}

func (n *Node) onHandshakeAck(p *evertlink.Packet) {
	if p.Source() != evertlink.DeviceCCU {
		return
	}
	if n.machine.AcknowledgeHandshake() {
		n.log.Info("handshake acknowledged")
	}
}

func (n *Node) onPing(p *evertlink.Packet) {
	if p.Source() != evertlink.DeviceCCU {
		return
	}
	n.alarms.PingReceived()
}

func (n *Node) onSetPropagatedState(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.SetPropagatedState](p)
	if err != nil {
		n.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}
	if err := n.machine.Set(device.Propagated, device.State(m.State)); err != nil {
		n.Reject(p.Type(), evertlink.ErrorStateRejected)
	}
}

// Fault register numbers carried by INJECT_FAULT.
const (
	FaultRegisterDevice = 1
	FaultRegisterKind   = 2
)

func (n *Node) onInjectFault(p *evertlink.Packet) {
	m, err := evertlink.Decode[evertlink.InjectFault](p)
	if err != nil {
		n.Reject(p.Type(), evertlink.ErrorInvalidPayload)
		return
	}

	switch m.Register {
	case FaultRegisterDevice:
		i := device.AlarmIndex(m.Index)
		if m.Set {
			err = n.alarms.RaiseFault(i)
		} else {
			err = n.alarms.ClearFault(i)
		}
	case FaultRegisterKind:
		if n.kind == nil {
			err = errors.New("no device kind attached")
		} else {
			err = n.kind.InjectFault(m.Index, m.Set)
		}
	default:
		err = fmt.Errorf("unknown fault register %d", m.Register)
	}
	if err != nil {
		n.log.Warn("fault injection failed", "register", m.Register, "index", m.Index, "error", err)
		n.Reject(p.Type(), evertlink.ErrorInvalidPayload)
	}
}

func (n *Node) onUnhandled(p *evertlink.Packet) {
	// traffic from other devices is not ours to answer
	if p.Source() != evertlink.DeviceCCU || p.IsBroadcast() {
		return
	}
	n.Reject(p.Type(), evertlink.ErrorUnknownCommand)
}
