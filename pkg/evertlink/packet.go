// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Packet represents one link message
type Packet struct {
	id          Identifier
	cborPayload []byte
	crc         uint16
	timestamp   time.Time

	// Cached parsed values (lazy parsing)
	payloadMap map[int]interface{}
	parsed     bool
	parseErr   error
}

// NewPacket creates a packet from decoded wire fields
func NewPacket(id Identifier, cborPayload []byte, crc uint16) *Packet {
	return &Packet{
		id:          id,
		cborPayload: cborPayload,
		crc:         crc,
		timestamp:   time.Now(),
	}
}

// NewMessagePacket encodes msg into a packet from source to target with the message's
// default priority.
func NewMessagePacket(source, target DeviceID, msg Message) (*Packet, error) {
	return NewMessagePacketWithPriority(source, target, DefaultPriority(msg.MessageID()), msg)
}

// NewMessagePacketWithPriority is NewMessagePacket with an explicit priority.
func NewMessagePacketWithPriority(source, target DeviceID, prio Priority, msg Message) (*Packet, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.MessageID(), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%s payload too large: %d bytes (max %d)", msg.MessageID(), len(payload), MaxPayloadSize)
	}

	id := Identifier{
		Message:  msg.MessageID(),
		Source:   source,
		Target:   target,
		Priority: prio,
	}
	p := NewPacket(id, payload, 0)
	p.crc = CalculateCRC(p.header(nil))
	return p, nil
}

// header returns identifier, length and payload, the CRC-protected section of a frame.
func (p *Packet) header(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.id.Uint32())
	dst = append(dst, uint8(len(p.cborPayload)))
	return append(dst, p.cborPayload...)
}

// ensureParsed parses the CBOR payload if not already done
func (p *Packet) ensureParsed() {
	if p.parsed {
		return
	}
	p.parsed = true
	p.payloadMap, p.parseErr = ParseCBORPayload(p.cborPayload)
}

// Identifier returns the decoded extended identifier
func (p *Packet) Identifier() Identifier {
	return p.id
}

// Type returns the message id
func (p *Packet) Type() MessageID {
	return p.id.Message
}

// Source returns the sending device
func (p *Packet) Source() DeviceID {
	return p.id.Source
}

// Target returns the addressed device
func (p *Packet) Target() DeviceID {
	return p.id.Target
}

// Length returns the CBOR payload length
func (p *Packet) Length() uint8 {
	return uint8(len(p.cborPayload))
}

// Payload returns the raw CBOR payload bytes
func (p *Packet) Payload() []byte {
	return p.cborPayload
}

// PayloadMap returns the decoded CBOR payload map (nil for empty payloads)
func (p *Packet) PayloadMap() map[int]interface{} {
	p.ensureParsed()
	return p.payloadMap
}

// ParseError returns any error from parsing the CBOR payload
func (p *Packet) ParseError() error {
	p.ensureParsed()
	return p.parseErr
}

// CRC returns the packet's CRC value
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns the packet's creation or decode time
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsBroadcast returns true if the packet is addressed to all devices
func (p *Packet) IsBroadcast() bool {
	return p.id.IsBroadcast()
}

// Message decodes the payload into its typed message.
func (p *Packet) Message() (Message, error) {
	m := newMessage(p.id.Message)
	if m == nil {
		return nil, fmt.Errorf("unknown message id 0x%02X", uint8(p.id.Message))
	}
	if len(p.cborPayload) == 0 {
		return m, nil
	}
	if err := decMode.Unmarshal(p.cborPayload, m); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", p.id.Message, err)
	}
	return m, nil
}

// Decode decodes the payload of p into an M, checking the message id.
func Decode[M Message](p *Packet) (M, error) {
	var m M
	if p.id.Message != m.MessageID() {
		return m, fmt.Errorf("packet is %s, not %s", p.id.Message, m.MessageID())
	}
	if len(p.cborPayload) == 0 {
		return m, nil
	}
	if err := decMode.Unmarshal(p.cborPayload, &m); err != nil {
		return m, fmt.Errorf("failed to decode %s payload: %w", p.id.Message, err)
	}
	return m, nil
}
