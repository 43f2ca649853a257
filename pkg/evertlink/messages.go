// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

// Message is a typed payload. Its CBOR form is a map keyed by the field numbers.
type Message interface {
	MessageID() MessageID
}

// Announcement is sent periodically by a device until the CCU acknowledges it.
type Announcement struct {
	Kind  DeviceKind `cbor:"0,keyasint"`
	Major uint8      `cbor:"1,keyasint"`
	Minor uint8      `cbor:"2,keyasint"`
	Patch uint8      `cbor:"3,keyasint"`
	RunID string     `cbor:"4,keyasint,omitempty"`
}

// Ping is exchanged in both directions once the handshake is complete.
type Ping struct {
	UptimeMs uint32 `cbor:"0,keyasint"`
}

// HandshakeAck acknowledges an announcement.
type HandshakeAck struct{}

// SetPropagatedState carries the CCU's verdict on a device.
type SetPropagatedState struct {
	State uint8 `cbor:"0,keyasint"`
}

// SetMode switches a boost converter between automatic and manual.
type SetMode struct {
	Mode Mode `cbor:"0,keyasint"`
}

// SetDutyCycle sets the manual duty cycle.
type SetDutyCycle struct {
	DutyCycle float32 `cbor:"0,keyasint"`
}

// SetObserveInterval sets the MPPT observe period.
type SetObserveInterval struct {
	IntervalMs uint32 `cbor:"0,keyasint"`
}

// SetPerturbStep sets the MPPT step size.
type SetPerturbStep struct {
	Step float32 `cbor:"0,keyasint"`
}

// InjectFault raises or clears a systemic fault bit on a simulated device.
type InjectFault struct {
	Register uint8 `cbor:"0,keyasint"`
	Index    uint8 `cbor:"1,keyasint"`
	Set      bool  `cbor:"2,keyasint"`
}

// DeviceStatus reports the state group and the alarm registers.
type DeviceStatus struct {
	Result     uint8  `cbor:"0,keyasint"`
	Internal   uint8  `cbor:"1,keyasint"`
	Propagated uint8  `cbor:"2,keyasint"`
	Alarms1    uint32 `cbor:"3,keyasint"`
	KindAlarms uint32 `cbor:"4,keyasint"`
}

// BoostMeasurements is the filtered reading set of a boost converter.
type BoostMeasurements struct {
	VoltageIn    float32 `cbor:"0,keyasint"`
	VoltageOut   float32 `cbor:"1,keyasint"`
	CurrentIn    float32 `cbor:"2,keyasint"`
	PowerIn      float32 `cbor:"3,keyasint"`
	TempCoil     float32 `cbor:"4,keyasint"`
	TempSchottky float32 `cbor:"5,keyasint"`
	TempMosfet   float32 `cbor:"6,keyasint"`
	CPUTemp      float32 `cbor:"7,keyasint"`
	DutyCycle    float32 `cbor:"8,keyasint"`
}

// BoostMppt reports the tracker.
type BoostMppt struct {
	Status             uint8   `cbor:"0,keyasint"`
	Position           uint8   `cbor:"1,keyasint"`
	DutyCycle          float32 `cbor:"2,keyasint"`
	PerturbStep        float32 `cbor:"3,keyasint"`
	CurrentPerturbStep float32 `cbor:"4,keyasint"`
	ObserveIntervalMs  uint32  `cbor:"5,keyasint"`
	Oscillating        bool    `cbor:"6,keyasint"`
	Mode               Mode    `cbor:"7,keyasint"`
}

// InverterMeasurements is the filtered reading set of an inverter.
type InverterMeasurements struct {
	BusVoltage   float32 `cbor:"0,keyasint"`
	BusImbalance float32 `cbor:"1,keyasint"`
	GridVoltage  float32 `cbor:"2,keyasint"`
	GridCurrent  float32 `cbor:"3,keyasint"`
	AmbientTemp  float32 `cbor:"4,keyasint"`
	TempPhaseU   float32 `cbor:"5,keyasint"`
	TempPhaseV   float32 `cbor:"6,keyasint"`
	TempPhaseW   float32 `cbor:"7,keyasint"`
	CPUTemp      float32 `cbor:"8,keyasint"`
}

// CommsMeasurements reports link health.
type CommsMeasurements struct {
	LastPingAgeMs uint32 `cbor:"0,keyasint"`
	RxPackets     uint32 `cbor:"1,keyasint"`
	TxPackets     uint32 `cbor:"2,keyasint"`
	RxDropped     uint32 `cbor:"3,keyasint"`
	TxDropped     uint32 `cbor:"4,keyasint"`
	CacheSaves    uint32 `cbor:"5,keyasint"`
}

// Error reports a rejected command.
type Error struct {
	Code    ErrorCode `cbor:"0,keyasint"`
	Command MessageID `cbor:"1,keyasint"`
}

func (Announcement) MessageID() MessageID         { return MsgAnnouncement }
func (Ping) MessageID() MessageID                 { return MsgPing }
func (HandshakeAck) MessageID() MessageID         { return MsgHandshakeAck }
func (SetPropagatedState) MessageID() MessageID   { return MsgSetPropagatedState }
func (SetMode) MessageID() MessageID              { return MsgSetMode }
func (SetDutyCycle) MessageID() MessageID         { return MsgSetDutyCycle }
func (SetObserveInterval) MessageID() MessageID   { return MsgSetObserveInterval }
func (SetPerturbStep) MessageID() MessageID       { return MsgSetPerturbStep }
func (InjectFault) MessageID() MessageID          { return MsgInjectFault }
func (DeviceStatus) MessageID() MessageID         { return MsgDeviceStatus }
func (BoostMeasurements) MessageID() MessageID    { return MsgBoostMeasurements }
func (BoostMppt) MessageID() MessageID            { return MsgBoostMppt }
func (InverterMeasurements) MessageID() MessageID { return MsgInverterMeasurements }
func (CommsMeasurements) MessageID() MessageID    { return MsgCommsMeasurements }
func (Error) MessageID() MessageID                { return MsgError }

// priorities is the default priority of each message.
var priorities = map[MessageID]Priority{
	MsgAnnouncement:         PriorityHigh,
	MsgPing:                 PriorityNormal,
	MsgHandshakeAck:         PriorityHigh,
	MsgSetPropagatedState:   PriorityCritical,
	MsgSetMode:              PriorityHigh,
	MsgSetDutyCycle:         PriorityHigh,
	MsgSetObserveInterval:   PriorityNormal,
	MsgSetPerturbStep:       PriorityNormal,
	MsgInjectFault:          PriorityLow,
	MsgDeviceStatus:         PriorityHigh,
	MsgBoostMeasurements:    PriorityLow,
	MsgBoostMppt:            PriorityLow,
	MsgInverterMeasurements: PriorityLow,
	MsgCommsMeasurements:    PriorityLow,
	MsgError:                PriorityHigh,
}

// DefaultPriority returns the priority a message is normally sent with.
func DefaultPriority(m MessageID) Priority {
	if p, ok := priorities[m]; ok {
		return p
	}
	return PriorityNormal
}

// newMessage returns an empty typed message for id, or nil for an unknown id.
func newMessage(id MessageID) Message {
	switch id {
	case MsgAnnouncement:
		return &Announcement{}
	case MsgPing:
		return &Ping{}
	case MsgHandshakeAck:
		return &HandshakeAck{}
	case MsgSetPropagatedState:
		return &SetPropagatedState{}
	case MsgSetMode:
		return &SetMode{}
	case MsgSetDutyCycle:
		return &SetDutyCycle{}
	case MsgSetObserveInterval:
		return &SetObserveInterval{}
	case MsgSetPerturbStep:
		return &SetPerturbStep{}
	case MsgInjectFault:
		return &InjectFault{}
	case MsgDeviceStatus:
		return &DeviceStatus{}
	case MsgBoostMeasurements:
		return &BoostMeasurements{}
	case MsgBoostMppt:
		return &BoostMppt{}
	case MsgInverterMeasurements:
		return &InverterMeasurements{}
	case MsgCommsMeasurements:
		return &CommsMeasurements{}
	case MsgError:
		return &Error{}
	}
	return nil
}
