// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"errors"
	"fmt"
)

// State is a device lifecycle state. The numeric values are carried on the link.
type State uint8

const (
	Unknown State = iota
	Booting
	BootingSensors
	BootingComms
	BootingDone
	HandshakeAnnouncing
	HandshakeAcknowledged
	Operational
	OperationalWarning
	NonOperational
	EmergencyShutdown
)

var stateNames = [...]string{
	Unknown:               "Unknown",
	Booting:               "Booting",
	BootingSensors:        "BootingSensors",
	BootingComms:          "BootingComms",
	BootingDone:           "BootingDone",
	HandshakeAnnouncing:   "HandshakeAnnouncing",
	HandshakeAcknowledged: "HandshakeAcknowledged",
	Operational:           "Operational",
	OperationalWarning:    "OperationalWarning",
	NonOperational:        "NonOperational",
	EmergencyShutdown:     "EmergencyShutdown",
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// IsOperationalFamily reports whether s is one of the states the alarm classification
// derives: Operational, OperationalWarning, NonOperational or EmergencyShutdown.
func (s State) IsOperationalFamily() bool {
	return s >= Operational && s <= EmergencyShutdown
}

// IsRunning reports whether the converter may switch (Operational or OperationalWarning).
func (s State) IsRunning() bool {
	return s == Operational || s == OperationalWarning
}

// ParseState looks a state up by name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// Scope is the authority a state value is held under.
type Scope uint8

const (
	// Internal is the device's own judgment, derived from its alarm registers.
	Internal Scope = iota
	// Propagated is what the central controller commands.
	Propagated
	// Result is the effective state; it is computed, never set.
	Result
)

func (s Scope) String() string {
	switch s {
	case Internal:
		return "Internal"
	case Propagated:
		return "Propagated"
	case Result:
		return "Result"
	default:
		return fmt.Sprintf("Scope(%d)", uint8(s))
	}
}

// State machine errors.
var (
	ErrInvalidScope = errors.New("invalid state scope")
	ErrInvalidState = errors.New("invalid device state")
)

// severity orders the classified states for combining several alarm registers.
func severity(s State) int {
	switch s {
	case EmergencyShutdown:
		return 3
	case NonOperational:
		return 2
	case OperationalWarning:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two classified states.
func Worst(a, b State) State {
	if severity(b) > severity(a) {
		return b
	}
	return a
}
