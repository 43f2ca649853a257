// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package evertlink implements the Evert device link protocol.
//
// Every message is addressed by a 29-bit extended identifier that carries the message
// id, source and target device and priority. The payload is a CBOR map with integer keys.
// On a byte stream (serial, websocket) a message travels in a frame:
//
//	0x7E | stuffed(identifier u32 LE, length, payload, CRC-16-CCITT BE) | 0x7F
//
// Bytes 0x7E, 0x7F and 0x7D inside the frame are escaped as 0x7D, b^0x20.
package evertlink

import "fmt"

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits. The payload limit is one CAN FD data field.
const (
	IdentifierSize = 4
	MaxPayloadSize = 64
	MaxPacketSize  = IdentifierSize + 1 + MaxPayloadSize + 2
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Priority is the arbitration priority of a message; lower wins.
type Priority uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// DeviceID is a 4-bit node address.
type DeviceID uint8

// Node addresses
const (
	DeviceBroadcast       DeviceID = 0x0 // also "unidentified"
	DeviceBoostConverter1 DeviceID = 0x1
	DeviceBoostConverter2 DeviceID = 0x2
	DeviceInverter        DeviceID = 0x3
	DeviceCCU             DeviceID = 0xF
)

func (d DeviceID) String() string {
	switch d {
	case DeviceBroadcast:
		return "broadcast"
	case DeviceBoostConverter1:
		return "boost1"
	case DeviceBoostConverter2:
		return "boost2"
	case DeviceInverter:
		return "inverter"
	case DeviceCCU:
		return "ccu"
	default:
		return fmt.Sprintf("node%d", uint8(d))
	}
}

// ParseDeviceID accepts a node name or a number 0-15.
func ParseDeviceID(s string) (DeviceID, error) {
	for d := DeviceID(0); d <= 0xF; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n > 0xF {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return DeviceID(n), nil
}

// DeviceKind is announced by a device during the handshake.
type DeviceKind uint8

const (
	KindUnknown DeviceKind = iota
	KindBoostConverter
	KindInverter
)

func (k DeviceKind) String() string {
	switch k {
	case KindBoostConverter:
		return "boost"
	case KindInverter:
		return "inverter"
	default:
		return "unknown"
	}
}

// MessageID is the 8-bit message id of the identifier.
type MessageID uint8

// Handshake and liveness 0x01-0x0F
const (
	MsgAnnouncement MessageID = 0x01
	MsgPing         MessageID = 0x02
	MsgHandshakeAck MessageID = 0x03
)

// Commands (CCU -> device) 0x10-0x1F
const (
	MsgSetPropagatedState MessageID = 0x10
	MsgSetMode            MessageID = 0x11
	MsgSetDutyCycle       MessageID = 0x12
	MsgSetObserveInterval MessageID = 0x13
	MsgSetPerturbStep     MessageID = 0x14
	MsgInjectFault        MessageID = 0x15
)

// Telemetry (device -> CCU) 0x20-0x2F
const (
	MsgDeviceStatus         MessageID = 0x20
	MsgBoostMeasurements    MessageID = 0x21
	MsgBoostMppt            MessageID = 0x22
	MsgInverterMeasurements MessageID = 0x23
	MsgCommsMeasurements    MessageID = 0x24
)

// Errors (bidirectional) 0xE0-0xEF
const (
	MsgError MessageID = 0xE0
)

var messageNames = map[MessageID]string{
	MsgAnnouncement:         "ANNOUNCEMENT",
	MsgPing:                 "PING",
	MsgHandshakeAck:         "HANDSHAKE_ACK",
	MsgSetPropagatedState:   "SET_PROPAGATED_STATE",
	MsgSetMode:              "SET_MODE",
	MsgSetDutyCycle:         "SET_DUTY_CYCLE",
	MsgSetObserveInterval:   "SET_OBSERVE_INTERVAL",
	MsgSetPerturbStep:       "SET_PERTURB_STEP",
	MsgInjectFault:          "INJECT_FAULT",
	MsgDeviceStatus:         "DEVICE_STATUS",
	MsgBoostMeasurements:    "BOOST_MEASUREMENTS",
	MsgBoostMppt:            "BOOST_MPPT",
	MsgInverterMeasurements: "INVERTER_MEASUREMENTS",
	MsgCommsMeasurements:    "COMMS_MEASUREMENTS",
	MsgError:                "ERROR",
}

func (m MessageID) String() string {
	if n, ok := messageNames[m]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(m))
}

// Known reports whether m is a defined message id.
func (m MessageID) Known() bool {
	_, ok := messageNames[m]
	return ok
}

// Mode is the operating mode of a boost converter.
type Mode uint8

const (
	ModeAutomatic Mode = 0
	ModeManual    Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts "automatic" or "manual".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "automatic", "auto":
		return ModeAutomatic, nil
	case "manual":
		return ModeManual, nil
	}
	return 0, fmt.Errorf("invalid mode %q", s)
}

// ErrorCode is carried by ERROR messages.
type ErrorCode uint8

const (
	ErrorNone            ErrorCode = 0x00
	ErrorUnknownCommand  ErrorCode = 0x01
	ErrorInvalidPayload  ErrorCode = 0x02
	ErrorStateRejected   ErrorCode = 0x03
	ErrorBufferOverflow  ErrorCode = 0x04
	ErrorUnsupportedKind ErrorCode = 0x05
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "NONE"
	case ErrorUnknownCommand:
		return "UNKNOWN_COMMAND"
	case ErrorInvalidPayload:
		return "INVALID_PAYLOAD"
	case ErrorStateRejected:
		return "STATE_REJECTED"
	case ErrorBufferOverflow:
		return "BUFFER_OVERFLOW"
	case ErrorUnsupportedKind:
		return "UNSUPPORTED_KIND"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(e))
	}
}
