// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrCRCMismatch is wrapped by DecodeByte when a frame fails its checksum.
var ErrCRCMismatch = errors.New("CRC mismatch")

// Decoder states (internal)
const (
	stateIdle = iota
	stateIdentifier
	stateLength
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)

// Decoder implements the frame decoder state machine
type Decoder struct {
	state      int
	buffer     []byte // unstuffed identifier + length + payload
	length     int
	crc        uint16
	escapeNext bool
	rawBuffer  []byte // raw bytes of the current frame including framing
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		buffer:    make([]byte, 0, MaxPacketSize),
		rawBuffer: make([]byte, 0, MaxPacketSize*2+2),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.length = 0
	d.crc = 0
	d.escapeNext = false
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the raw bytes of the frame being decoded
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// Decode feeds a chunk of bytes through the decoder and returns every complete packet.
// Decoding continues after a bad frame; the errors are returned alongside.
func (d *Decoder) Decode(data []byte) ([]*Packet, []error) {
	var packets []*Packet
	var errs []error
	for _, b := range data {
		p, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if p != nil {
			packets = append(packets, p)
		}
	}
	return packets, errs
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed packet, or nil if the packet is incomplete
// Returns an error if decoding fails
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	// Framing bytes are never escaped, so they resynchronise the decoder
	switch {
	case b == StartByte:
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateIdentifier
		return nil, nil

	case d.state == stateIdle:
		// Noise between frames
		return nil, nil

	case b == EndByte:
		d.rawBuffer = append(d.rawBuffer, b)
		return d.finish()
	}

	d.rawBuffer = append(d.rawBuffer, b)

	if b == EscByte {
		if d.escapeNext {
			d.Reset()
			return nil, fmt.Errorf("double escape byte")
		}
		d.escapeNext = true
		return nil, nil
	}
	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateIdentifier:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) == IdentifierSize {
			d.state = stateLength
		}

	case stateLength:
		if int(b) > MaxPayloadSize {
			d.Reset()
			return nil, fmt.Errorf("invalid length: %d (max %d)", b, MaxPayloadSize)
		}
		d.buffer = append(d.buffer, b)
		d.length = int(b)
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = statePayload
		}

	case statePayload:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) == IdentifierSize+1+d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	case stateEnd:
		d.Reset()
		return nil, fmt.Errorf("buffer overflow: frame longer than its length field")

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
	return nil, nil
}

// finish validates a frame closed by an END byte
func (d *Decoder) finish() (*Packet, error) {
	defer d.Reset()

	if d.state != stateEnd {
		return nil, fmt.Errorf("unexpected END byte in state %d", d.state)
	}

	calculated := CalculateCRC(d.buffer)
	if calculated != d.crc {
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, d.crc)
	}

	id, err := ParseIdentifier(binary.LittleEndian.Uint32(d.buffer[:IdentifierSize]))
	if err != nil {
		return nil, err
	}

	payload := make([]byte, d.length)
	copy(payload, d.buffer[IdentifierSize+1:])

	p := NewPacket(id, payload, d.crc)
	p.timestamp = time.Now()
	return p, nil
}
