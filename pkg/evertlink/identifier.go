// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import "fmt"

// identifierFlag marks an Evert extended identifier (bits 16-19).
const identifierFlag = 0xE

// Identifier bit layout
const (
	sourceShift   = 8
	targetShift   = 12
	flagShift     = 16
	priorityShift = 20
	identifierMax = 1<<29 - 1
)

// Identifier is the decoded 29-bit extended identifier of a message.
type Identifier struct {
	Message  MessageID
	Source   DeviceID
	Target   DeviceID
	Priority Priority
}

// Uint32 packs the identifier.
func (id Identifier) Uint32() uint32 {
	return uint32(id.Message) |
		uint32(id.Source&0xF)<<sourceShift |
		uint32(id.Target&0xF)<<targetShift |
		identifierFlag<<flagShift |
		uint32(id.Priority&0xF)<<priorityShift
}

// ParseIdentifier unpacks a raw identifier. It rejects values wider than 29 bits and
// identifiers without the Evert flag.
func ParseIdentifier(raw uint32) (Identifier, error) {
	if raw > identifierMax {
		return Identifier{}, fmt.Errorf("identifier 0x%08X exceeds 29 bits", raw)
	}
	if flag := raw >> flagShift & 0xF; flag != identifierFlag {
		return Identifier{}, fmt.Errorf("identifier 0x%08X: flag 0x%X, want 0x%X", raw, flag, identifierFlag)
	}
	return Identifier{
		Message:  MessageID(raw),
		Source:   DeviceID(raw >> sourceShift & 0xF),
		Target:   DeviceID(raw >> targetShift & 0xF),
		Priority: Priority(raw >> priorityShift & 0xF),
	}, nil
}

// IsBroadcast reports whether the message is addressed to every device.
func (id Identifier) IsBroadcast() bool {
	return id.Target == DeviceBroadcast
}

// AddressedTo reports whether a device with address d should process the message.
func (id Identifier) AddressedTo(d DeviceID) bool {
	return id.Target == d || id.Target == DeviceBroadcast
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s %s->%s prio=%s", id.Message, id.Source, id.Target, id.Priority)
}
