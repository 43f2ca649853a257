// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

import (
	"fmt"
	"math"

	"github.com/evert-power/evertctl/pkg/device"
)

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyUnknownMessage AnomalyType = iota
	AnomalyDecodeError
	AnomalyCRCError
	AnomalyInvalidSource
	AnomalyInvalidState
	AnomalyInvalidDutyCycle
	AnomalyInvalidMode
	AnomalyInvalidTemp
	AnomalyInvalidValue
)

// Plausible temperature range for any sensor on the link, in degrees Celsius
const (
	minPlausibleTemp = -60.0
	maxPlausibleTemp = 250.0
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket validates packet structure and detects anomalies
// Returns a slice of validation errors (empty if packet is valid)
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if !p.Type().Known() {
		return append(errors, ValidationError{
			Type:    AnomalyUnknownMessage,
			Message: fmt.Sprintf("Unknown message id 0x%02X", uint8(p.Type())),
			Details: map[string]interface{}{"message_id": uint8(p.Type())},
		})
	}

	msg, err := p.Message()
	if err != nil {
		return append(errors, ValidationError{
			Type:    AnomalyDecodeError,
			Message: err.Error(),
			Details: map[string]interface{}{"length": p.Length()},
		})
	}

	if isCommand(p.Type()) && p.Source() != DeviceCCU {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidSource,
			Message: fmt.Sprintf("%s sent by %s (only the CCU commands)", p.Type(), p.Source()),
			Details: map[string]interface{}{"source": uint8(p.Source())},
		})
	}

	switch m := msg.(type) {
	case *SetPropagatedState:
		errors = append(errors, validateState("state", m.State)...)
	case *DeviceStatus:
		errors = append(errors, validateState("result", m.Result)...)
		errors = append(errors, validateState("internal", m.Internal)...)
		errors = append(errors, validateState("propagated", m.Propagated)...)
	case *SetMode:
		if m.Mode != ModeAutomatic && m.Mode != ModeManual {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidMode,
				Message: fmt.Sprintf("Invalid mode=%d (valid 0-1)", m.Mode),
				Details: map[string]interface{}{"mode": uint8(m.Mode)},
			})
		}
	case *SetDutyCycle:
		errors = append(errors, validateDuty(m.DutyCycle)...)
	case *SetPerturbStep:
		if !(m.Step > 0 && m.Step <= 1) {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("Invalid perturb step %g (valid (0, 1])", m.Step),
				Details: map[string]interface{}{"step": m.Step},
			})
		}
	case *SetObserveInterval:
		if m.IntervalMs == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: "Observe interval is zero",
				Details: map[string]interface{}{"interval_ms": m.IntervalMs},
			})
		}
	case *BoostMeasurements:
		errors = append(errors, validateDuty(m.DutyCycle)...)
		errors = append(errors, validateTemps(map[string]float32{
			"coil": m.TempCoil, "schottky": m.TempSchottky, "mosfet": m.TempMosfet, "cpu": m.CPUTemp,
		})...)
		errors = append(errors, validateNonNegative(map[string]float32{
			"voltage_in": m.VoltageIn, "voltage_out": m.VoltageOut, "current_in": m.CurrentIn,
		})...)
	case *BoostMppt:
		errors = append(errors, validateDuty(m.DutyCycle)...)
	case *InverterMeasurements:
		errors = append(errors, validateTemps(map[string]float32{
			"ambient": m.AmbientTemp, "phase_u": m.TempPhaseU, "phase_v": m.TempPhaseV,
			"phase_w": m.TempPhaseW, "cpu": m.CPUTemp,
		})...)
		errors = append(errors, validateNonNegative(map[string]float32{
			"bus_voltage": m.BusVoltage, "grid_voltage": m.GridVoltage,
		})...)
	}

	return errors
}

func isCommand(id MessageID) bool {
	return id == MsgHandshakeAck || (id >= MsgSetPropagatedState && id <= MsgInjectFault)
}

func validateState(field string, v uint8) []ValidationError {
	if device.State(v).Valid() {
		return nil
	}
	return []ValidationError{{
		Type:    AnomalyInvalidState,
		Message: fmt.Sprintf("Invalid %s state=%d (max %d)", field, v, uint8(device.EmergencyShutdown)),
		Details: map[string]interface{}{field: v, "max": uint8(device.EmergencyShutdown)},
	}}
}

func validateDuty(d float32) []ValidationError {
	if d >= 0 && d <= 1 {
		return nil
	}
	return []ValidationError{{
		Type:    AnomalyInvalidDutyCycle,
		Message: fmt.Sprintf("Duty cycle out of range (%g, valid 0-1)", d),
		Details: map[string]interface{}{"duty_cycle": d},
	}}
}

func validateTemps(temps map[string]float32) []ValidationError {
	var errors []ValidationError
	for name, t := range temps {
		if math.IsNaN(float64(t)) || t < minPlausibleTemp || t > maxPlausibleTemp {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Temperature %s out of range (%.1f°C, valid: %.0f to %.0f°C)", name, t, minPlausibleTemp, maxPlausibleTemp),
				Details: map[string]interface{}{"sensor": name, "value": t, "min": minPlausibleTemp, "max": maxPlausibleTemp},
			})
		}
	}
	return errors
}

func validateNonNegative(values map[string]float32) []ValidationError {
	var errors []ValidationError
	for name, v := range values {
		if math.IsNaN(float64(v)) || v < 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("Negative or invalid %s (%g)", name, v),
				Details: map[string]interface{}{"field": name, "value": v},
			})
		}
	}
	return errors
}
