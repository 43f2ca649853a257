// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device implements the supervisory state machine shared by every device kind.
//
// A device holds its state under two authorities. Internal is derived from the device's own
// alarm registers; Propagated is commanded by the central controller. The effective Result
// follows Propagated only when it is NonOperational or EmergencyShutdown, so the controller
// can force a device down but never force it up.
//
// Entering a state runs its side effects exactly once. Side effects may themselves change
// state; the machine recomputes Result on every nested call. All mutating methods belong to
// the control tick. Snapshot may be called from any goroutine.
package device

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// DefaultADCBootTime is how long the sensors get to settle after power-up, in milliseconds.
const DefaultADCBootTime uint32 = 1000

// emergencySlowdown stretches the data task period while shut down.
const emergencySlowdown = 100

// Hooks receives the device-kind specific part of every state entry.
type Hooks interface {
	OnEnter(state, previous State)
}

// HookFunc adapts a function to Hooks.
type HookFunc func(state, previous State)

// OnEnter calls f.
func (f HookFunc) OnEnter(state, previous State) { f(state, previous) }

// ChangeFunc is called whenever Result actually changes.
type ChangeFunc func(state, previous State)

// Config configures a Machine.
type Config struct {
	Logger *slog.Logger

	// Scheduler runs the periodic link tasks; nil creates one with DefaultIntervals.
	Scheduler *Scheduler

	Hooks    Hooks
	OnChange ChangeFunc

	// ADCBootTime in milliseconds; zero means DefaultADCBootTime.
	ADCBootTime uint32

	Classifiers []Classifier
}

// Group is the full state of a device under every scope.
type Group struct {
	Internal   State
	Propagated State
	Result     State
}

// Machine is the device state machine.
type Machine struct {
	log         *slog.Logger
	sched       *Scheduler
	hooks       Hooks
	onChange    ChangeFunc
	adcBootTime uint32
	classifiers []Classifier

	internal    State
	propagated  State
	result      State
	transitions uint64

	published atomic.Uint32
}

// NewMachine creates a machine in Unknown. Call Init to start booting.
func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler(DefaultIntervals())
	}
	if cfg.ADCBootTime == 0 {
		cfg.ADCBootTime = DefaultADCBootTime
	}
	return &Machine{
		log:         cfg.Logger,
		sched:       cfg.Scheduler,
		hooks:       cfg.Hooks,
		onChange:    cfg.OnChange,
		adcBootTime: cfg.ADCBootTime,
		classifiers: cfg.Classifiers,
	}
}

// AddClassifier adds an alarm register to the Internal derivation.
func (m *Machine) AddClassifier(c Classifier) {
	m.classifiers = append(m.classifiers, c)
}

// Scheduler returns the task scheduler driven by Update.
func (m *Machine) Scheduler() *Scheduler {
	return m.sched
}

// Init resets the state group and the scheduler and starts the boot sequence.
func (m *Machine) Init() {
	m.internal = Booting
	m.propagated = Unknown
	m.result = Booting
	m.publish()

	m.sched.Init()

	m.Set(Internal, BootingSensors)
}

// Update advances the task scheduler by delta milliseconds and leaves BootingSensors once
// the device has been up for longer than the ADC boot time.
func (m *Machine) Update(elapsed, delta uint32) {
	m.sched.Update(delta)

	if m.result == BootingSensors && elapsed > m.adcBootTime {
		m.Set(Internal, BootingComms)
	}
}

// Set stores s under scope and recomputes Result. Result itself cannot be set.
func (m *Machine) Set(scope Scope, s State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, uint8(s))
	}

	previous := m.result

	switch scope {
	case Internal:
		m.internal = s
	case Propagated:
		m.propagated = s
	default:
		return fmt.Errorf("%w: %s", ErrInvalidScope, scope)
	}

	if m.propagated == NonOperational || m.propagated == EmergencyShutdown {
		m.result = m.propagated
	} else {
		m.result = m.internal
	}
	m.publish()

	if m.result == previous {
		return nil
	}

	next := m.result
	m.transitions++
	m.log.Info("device state changed", "state", next, "previous", previous, "scope", scope)

	if m.onChange != nil {
		m.onChange(next, previous)
	}
	m.enter(next, previous)
	return nil
}

func (m *Machine) enter(state, previous State) {
	switch state {
	case BootingComms:
		m.hook(state, previous)
		m.Set(Internal, BootingDone)

	case BootingDone:
		m.hook(state, previous)
		m.Set(Internal, HandshakeAnnouncing)

	case HandshakeAnnouncing:
		m.sched.Resume(TaskAnnouncement)
		m.hook(state, previous)

	case HandshakeAcknowledged:
		m.sched.Pause(TaskAnnouncement)
		m.sched.Resume(TaskData)
		m.sched.Resume(TaskStatus)
		m.sched.Resume(TaskPing)
		m.hook(state, previous)
		m.Set(Internal, NonOperational)

	case EmergencyShutdown:
		m.sched.SetInterval(TaskData, m.sched.DefaultInterval(TaskData)*emergencySlowdown)
		m.hook(state, previous)

	case Operational, OperationalWarning, NonOperational:
		if m.sched.Interval(TaskData) != m.sched.DefaultInterval(TaskData) {
			m.sched.SetInterval(TaskData, m.sched.DefaultInterval(TaskData))
		}
		m.hook(state, previous)

	default:
		m.hook(state, previous)
	}
}

func (m *Machine) hook(state, previous State) {
	if m.hooks != nil {
		m.hooks.OnEnter(state, previous)
	}
}

// Get returns the state held under scope, or Unknown for an invalid scope.
func (m *Machine) Get(scope Scope) State {
	switch scope {
	case Internal:
		return m.internal
	case Propagated:
		return m.propagated
	case Result:
		return m.result
	default:
		return Unknown
	}
}

// Result returns the effective state.
func (m *Machine) Result() State {
	return m.result
}

// Transitions counts Result changes since construction.
func (m *Machine) Transitions() uint64 {
	return m.transitions
}

// Reevaluate re-derives Internal from the alarm registers when Internal is in the
// operational family. During boot and handshake it does nothing.
func (m *Machine) Reevaluate() State {
	if !m.internal.IsOperationalFamily() {
		return m.internal
	}
	derived := ClassifyAll(m.classifiers...)
	if derived != m.internal {
		m.Set(Internal, derived)
	}
	return derived
}

// AlarmChanged is the alarm edge notification. It re-derives Internal immediately.
func (m *Machine) AlarmChanged() {
	m.Reevaluate()
}

// AcknowledgeHandshake accepts the controller's acknowledgement while announcing.
// It reports whether the acknowledgement was taken.
func (m *Machine) AcknowledgeHandshake() bool {
	if m.internal != HandshakeAnnouncing {
		m.log.Debug("handshake acknowledgement ignored", "internal", m.internal)
		return false
	}
	m.Set(Internal, HandshakeAcknowledged)
	return true
}

func (m *Machine) publish() {
	m.published.Store(uint32(m.internal) | uint32(m.propagated)<<8 | uint32(m.result)<<16)
}

// Snapshot returns the state group as of the last change. Safe from any goroutine.
func (m *Machine) Snapshot() Group {
	w := m.published.Load()
	return Group{
		Internal:   State(w),
		Propagated: State(w >> 8),
		Result:     State(w >> 16),
	}
}
