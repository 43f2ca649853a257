// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import "fmt"

// Encoder encodes packets for transmission on a byte stream.
// Handles byte stuffing, CRC calculation and framing.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new packet encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, MaxPacketSize)}
}

// Encode encodes a Packet to wire format. The returned slice is freshly allocated.
func (e *Encoder) Encode(p *Packet) ([]byte, error) {
	if len(p.cborPayload) > MaxPayloadSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(p.cborPayload), MaxPayloadSize)
	}

	// identifier + length + payload is what gets CRC'd and byte-stuffed
	data := p.header(e.buf[:0])
	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc))
	e.buf = data

	frame := make([]byte, 0, len(data)*2+2)
	frame = append(frame, StartByte)
	frame = stuffBytes(frame, data)
	frame = append(frame, EndByte)
	return frame, nil
}

// EncodeMessage builds and frames msg in one step.
func EncodeMessage(source, target DeviceID, msg Message) ([]byte, error) {
	p, err := NewMessagePacket(source, target, msg)
	if err != nil {
		return nil, err
	}
	return NewEncoder().Encode(p)
}

// stuffBytes appends data to dst, escaping the special bytes (START, END, ESC) as
// ESC + (byte XOR EscXor).
func stuffBytes(dst, data []byte) []byte {
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			dst = append(dst, EscByte, b^EscXor)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		switch {
		case escapeNext:
			result = append(result, b^EscXor)
			escapeNext = false
		case b == EscByte:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
