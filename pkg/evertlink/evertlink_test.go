package evertlink

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

var pingID = Identifier{Message: MsgPing, Source: DeviceBoostConverter1, Target: DeviceCCU, Priority: PriorityNormal}

// mustEncode frames msg or fails the test
func mustEncode(t *testing.T, source, target DeviceID, msg Message) []byte {
	t.Helper()
	frame, err := EncodeMessage(source, target, msg)
	if err != nil {
		t.Fatalf("EncodeMessage(%T): %v", msg, err)
	}
	return frame
}

// rawFrame frames identifier, length and payload with an explicit CRC
func rawFrame(id Identifier, payload []byte, crc uint16) []byte {
	p := NewPacket(id, payload, 0)
	data := p.header(nil)
	data = append(data, byte(crc>>8), byte(crc))
	frame := []byte{StartByte}
	frame = stuffBytes(frame, data)
	return append(frame, EndByte)
}

// decodeAll feeds data through a fresh decoder
func decodeAll(data []byte) ([]*Packet, []error) {
	return NewDecoder().Decode(data)
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // Standard CRC-16-CCITT check value
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

// ============================================================
// Identifier Tests
// ============================================================

func TestIdentifier_RoundTrip(t *testing.T) {
	for _, msg := range []MessageID{MsgAnnouncement, MsgSetDutyCycle, MsgDeviceStatus, MsgError, 0xFF} {
		for src := DeviceID(0); src <= 0xF; src++ {
			for _, prio := range []Priority{PriorityCritical, PriorityLow, 0xF} {
				id := Identifier{Message: msg, Source: src, Target: DeviceID(0xF - src), Priority: prio}
				raw := id.Uint32()
				if raw > identifierMax {
					t.Fatalf("%v packs to 0x%08X, wider than 29 bits", id, raw)
				}
				got, err := ParseIdentifier(raw)
				if err != nil {
					t.Fatalf("ParseIdentifier(0x%08X): %v", raw, err)
				}
				if got != id {
					t.Errorf("round trip: got %v, want %v", got, id)
				}
			}
		}
	}
}

func TestIdentifier_Layout(t *testing.T) {
	id := Identifier{Message: MsgPing, Source: DeviceBoostConverter1, Target: DeviceCCU, Priority: PriorityNormal}
	if raw := id.Uint32(); raw != 0x002EF102 {
		t.Errorf("expected 0x002EF102, got 0x%08X", raw)
	}
}

func TestParseIdentifier_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
	}{
		{"wider than 29 bits", 1 << 29},
		{"missing flag", 0x00000102},
		{"wrong flag", 0x000D0102},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseIdentifier(tt.raw); err == nil {
				t.Errorf("expected error for 0x%08X", tt.raw)
			}
		})
	}
}

func TestIdentifier_AddressedTo(t *testing.T) {
	unicast := Identifier{Message: MsgSetMode, Source: DeviceCCU, Target: DeviceBoostConverter2}
	broadcast := Identifier{Message: MsgPing, Source: DeviceCCU, Target: DeviceBroadcast}

	if !unicast.AddressedTo(DeviceBoostConverter2) || unicast.AddressedTo(DeviceBoostConverter1) {
		t.Error("unicast must reach its target only")
	}
	if !broadcast.AddressedTo(DeviceInverter) || !broadcast.IsBroadcast() {
		t.Error("broadcast must reach every device")
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		in      string
		want    DeviceID
		wantErr bool
	}{
		{"ccu", DeviceCCU, false},
		{"3", DeviceInverter, false},
		{"16", 0, true},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDeviceID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDeviceID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseDeviceID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"automatic": ModeAutomatic, "auto": ModeAutomatic, "manual": ModeManual} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("Manual"); err == nil {
		t.Error("ParseMode(\"Manual\") succeeded, want error")
	}
}

// ============================================================
// Encode / Decode Tests
// ============================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		source DeviceID
		target DeviceID
		msg    Message
	}{
		{"announcement", DeviceBoostConverter1, DeviceBroadcast, &Announcement{Kind: KindBoostConverter, Major: 1, Minor: 2, Patch: 3, RunID: "5f0c7c1e-7d7a-4f4e-9d2a-2f9b1c3a4d5e"}},
		{"ping", DeviceCCU, DeviceBroadcast, &Ping{UptimeMs: 123456}},
		{"handshake ack", DeviceCCU, DeviceInverter, &HandshakeAck{}},
		{"set propagated state", DeviceCCU, DeviceBoostConverter2, &SetPropagatedState{State: 7}},
		{"set mode", DeviceCCU, DeviceBoostConverter1, &SetMode{Mode: ModeManual}},
		{"set duty cycle", DeviceCCU, DeviceBoostConverter1, &SetDutyCycle{DutyCycle: 0.375}},
		{"set observe interval", DeviceCCU, DeviceBoostConverter1, &SetObserveInterval{IntervalMs: 2500}},
		{"set perturb step", DeviceCCU, DeviceBoostConverter1, &SetPerturbStep{Step: 0.02}},
		{"inject fault", DeviceCCU, DeviceInverter, &InjectFault{Register: 1, Index: 12, Set: true}},
		{"device status", DeviceInverter, DeviceCCU, &DeviceStatus{Result: 8, Internal: 8, Propagated: 7, Alarms1: 1 << 9, KindAlarms: 0x00400001}},
		{"boost measurements", DeviceBoostConverter1, DeviceCCU, &BoostMeasurements{
			VoltageIn: 34.7, VoltageOut: 385.25, CurrentIn: 8.1, PowerIn: 281.07,
			TempCoil: 61.5, TempSchottky: 58, TempMosfet: 66.25, CPUTemp: 41.3, DutyCycle: 0.91,
		}},
		{"boost mppt", DeviceBoostConverter2, DeviceCCU, &BoostMppt{
			Status: 1, Position: 3, DutyCycle: 0.62, PerturbStep: 0.01, CurrentPerturbStep: -0.01,
			ObserveIntervalMs: 1000, Oscillating: true, Mode: ModeAutomatic,
		}},
		{"inverter measurements", DeviceInverter, DeviceCCU, &InverterMeasurements{
			BusVoltage: 702.5, BusImbalance: -3.25, GridVoltage: 231.4, GridCurrent: 12.9,
			AmbientTemp: 24, TempPhaseU: 55.5, TempPhaseV: 56, TempPhaseW: 54.75, CPUTemp: 47,
		}},
		{"comms measurements", DeviceBoostConverter1, DeviceCCU, &CommsMeasurements{LastPingAgeMs: 480, RxPackets: 1000, TxPackets: 5000, RxDropped: 1, TxDropped: 2, CacheSaves: 300}},
		{"error", DeviceBoostConverter1, DeviceCCU, &Error{Code: ErrorStateRejected, Command: MsgSetPropagatedState}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := mustEncode(t, tt.source, tt.target, tt.msg)
			if len(frame) > 2*MaxPacketSize+2 {
				t.Errorf("frame too long: %d bytes", len(frame))
			}

			packets, errs := decodeAll(frame)
			if len(errs) != 0 {
				t.Fatalf("decode errors: %v", errs)
			}
			if len(packets) != 1 {
				t.Fatalf("expected 1 packet, got %d", len(packets))
			}
			p := packets[0]

			if p.Type() != tt.msg.MessageID() {
				t.Errorf("type: got %s, want %s", p.Type(), tt.msg.MessageID())
			}
			if p.Source() != tt.source || p.Target() != tt.target {
				t.Errorf("addressing: got %s->%s, want %s->%s", p.Source(), p.Target(), tt.source, tt.target)
			}
			if p.Identifier().Priority != DefaultPriority(tt.msg.MessageID()) {
				t.Errorf("priority: got %s", p.Identifier().Priority)
			}

			got, err := p.Message()
			if err != nil {
				t.Fatalf("Message(): %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("payload mismatch:\n got  %+v\n want %+v", got, tt.msg)
			}
		})
	}
}

func TestDecode_Typed(t *testing.T) {
	frame := mustEncode(t, DeviceCCU, DeviceBoostConverter1, &SetDutyCycle{DutyCycle: 0.5})
	packets, _ := decodeAll(frame)
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	m, err := Decode[SetDutyCycle](packets[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.DutyCycle != 0.5 {
		t.Errorf("duty: got %v, want 0.5", m.DutyCycle)
	}

	if _, err := Decode[SetMode](packets[0]); err == nil {
		t.Error("decoding as the wrong message must fail")
	}
}

func TestPacket_PayloadMap(t *testing.T) {
	p, err := NewMessagePacket(DeviceCCU, DeviceInverter, &InjectFault{Register: 2, Index: 4, Set: true})
	if err != nil {
		t.Fatal(err)
	}
	m := p.PayloadMap()
	if p.ParseError() != nil {
		t.Fatalf("ParseError: %v", p.ParseError())
	}
	if v, ok := GetMapUint(m, 1); !ok || v != 4 {
		t.Errorf("key 1: got %v, %v", v, ok)
	}
	if v, ok := GetMapBool(m, 2); !ok || !v {
		t.Errorf("key 2: got %v, %v", v, ok)
	}
	if _, ok := GetMapString(m, 9); ok {
		t.Error("missing key reported present")
	}
}

func TestNewMessagePacket_CRC(t *testing.T) {
	p, err := NewMessagePacket(DeviceCCU, DeviceBoostConverter1, &Ping{UptimeMs: 1})
	if err != nil {
		t.Fatal(err)
	}
	if p.CRC() != CalculateCRC(p.header(nil)) {
		t.Errorf("CRC 0x%04X does not cover the header", p.CRC())
	}
}

func TestEncoder_RejectsOversizedPayload(t *testing.T) {
	p := NewPacket(pingID, make([]byte, MaxPayloadSize+1), 0)
	if _, err := NewEncoder().Encode(p); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestEncoder_ByteStuffing(t *testing.T) {
	// message id 0x7E is the low identifier byte and must be escaped
	id := Identifier{Message: 0x7E, Source: DeviceBoostConverter1, Target: DeviceCCU}
	payload := []byte{EndByte, EscByte, 0x01}
	p := NewPacket(id, payload, 0)

	frame, err := NewEncoder().Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	inner := frame[1 : len(frame)-1]
	for i, b := range inner {
		if b == StartByte || b == EndByte {
			t.Fatalf("unescaped framing byte 0x%02X at %d", b, i+1)
		}
	}
	if inner[0] != EscByte || inner[1] != StartByte^EscXor {
		t.Errorf("identifier byte not escaped: % X", inner[:2])
	}

	packets, errs := decodeAll(frame)
	if len(errs) != 0 || len(packets) != 1 {
		t.Fatalf("decode: %d packets, errors %v", len(packets), errs)
	}
	if packets[0].Type() != 0x7E {
		t.Errorf("type: got 0x%02X", uint8(packets[0].Type()))
	}
	if string(packets[0].Payload()) != string(payload) {
		t.Errorf("payload: got % X, want % X", packets[0].Payload(), payload)
	}
}

func TestUnstuffBytes(t *testing.T) {
	data := []byte{0x01, StartByte, EndByte, EscByte, 0x02}
	stuffed := stuffBytes(nil, data)
	got, err := UnstuffBytes(stuffed)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("got % X, want % X", got, data)
	}

	if _, err := UnstuffBytes([]byte{0x01, EscByte}); err == nil {
		t.Error("trailing escape must fail")
	}
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecoder_CRCMismatch(t *testing.T) {
	payload := []byte{0xA1, 0x00, 0x01}
	good := CalculateCRC(NewPacket(pingID, payload, 0).header(nil))

	packets, errs := decodeAll(rawFrame(pingID, payload, good^0x1234))
	if len(packets) != 0 {
		t.Fatalf("expected no packet, got %d", len(packets))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, got %v", errs)
	}
}

func TestDecoder_InvalidLength(t *testing.T) {
	d := NewDecoder()
	d.DecodeByte(StartByte)
	for _, b := range []byte{0x02, 0xF1, 0x2E, 0x00} {
		if _, err := d.DecodeByte(b); err != nil {
			t.Fatalf("identifier byte: %v", err)
		}
	}
	_, err := d.DecodeByte(MaxPayloadSize + 1)
	if err == nil || !strings.Contains(err.Error(), "invalid length") {
		t.Errorf("expected invalid length error, got %v", err)
	}
}

func TestDecoder_FrameLongerThanLength(t *testing.T) {
	payload := []byte{0xA1, 0x00, 0x01}
	frame := rawFrame(pingID, payload, CalculateCRC(NewPacket(pingID, payload, 0).header(nil)))
	// one extra byte between the CRC and END
	frame = append(frame[:len(frame)-1], 0x00, EndByte)

	packets, errs := decodeAll(frame)
	if len(packets) != 0 {
		t.Errorf("expected no packet, got %d", len(packets))
	}
	if len(errs) == 0 {
		t.Error("expected an overflow error")
	}
}

func TestDecoder_UnexpectedEnd(t *testing.T) {
	packets, errs := decodeAll([]byte{StartByte, 0x02, 0xF1, EndByte})
	if len(packets) != 0 || len(errs) != 1 {
		t.Errorf("got %d packets, errors %v", len(packets), errs)
	}
}

func TestDecoder_DoubleEscape(t *testing.T) {
	packets, errs := decodeAll([]byte{StartByte, 0x02, EscByte, EscByte})
	if len(packets) != 0 || len(errs) != 1 {
		t.Errorf("got %d packets, errors %v", len(packets), errs)
	}
}

func TestDecoder_NoiseAndResync(t *testing.T) {
	good := mustEncode(t, DeviceCCU, DeviceBroadcast, &Ping{UptimeMs: 42})

	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x37) // noise before any frame
	stream = append(stream, good[:5]...)      // truncated frame
	stream = append(stream, good...)          // START resynchronises
	stream = append(stream, 0x55)             // noise between frames
	stream = append(stream, good...)

	packets, errs := decodeAll(stream)
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	for _, p := range packets {
		m, err := Decode[Ping](p)
		if err != nil || m.UptimeMs != 42 {
			t.Errorf("ping: %+v, %v", m, err)
		}
	}
}

func TestDecoder_RejectsBadIdentifier(t *testing.T) {
	// identifier without the flag nibble
	bad := Identifier{Message: MsgPing}
	payload := []byte{0xA0}
	data := binaryLE(bad.Uint32() &^ (0xF << flagShift))
	data = append(data, byte(len(payload)))
	data = append(data, payload...)
	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc))
	frame := append(stuffBytes([]byte{StartByte}, data), EndByte)

	packets, errs := decodeAll(frame)
	if len(packets) != 0 || len(errs) != 1 {
		t.Errorf("got %d packets, errors %v", len(packets), errs)
	}
}

func TestDecoder_GetRawBytes(t *testing.T) {
	d := NewDecoder()
	d.DecodeByte(StartByte)
	d.DecodeByte(0x02)
	raw := d.GetRawBytes()
	if len(raw) != 2 || raw[0] != StartByte {
		t.Errorf("raw bytes: % X", raw)
	}
	d.Reset()
	if len(d.GetRawBytes()) != 0 {
		t.Error("Reset must clear the raw buffer")
	}
}

func binaryLE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
