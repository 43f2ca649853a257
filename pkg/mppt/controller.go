// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mppt implements perturb-and-observe maximum power point tracking.
//
// A Controller owns the duty cycle of one converter. It runs at a fixed observe period that
// is independent of how often Run is called: every call adds the elapsed time to an
// accumulator and the algorithm fires once the accumulator reaches the observe interval.
//
// A Controller is not safe for concurrent use. The owning device calls it from its control
// tick only, and routes commands received from the link through the same tick.
package mppt

import (
	"errors"
	"fmt"

	"github.com/evert-power/evertctl/pkg/mathx"
)

// Status is the operating mode of the tracker, chosen by the owning device.
type Status uint8

const (
	Standby Status = iota
	Running
	ThrottleDown
)

func (s Status) String() string {
	switch s {
	case Standby:
		return "Standby"
	case Running:
		return "Running"
	case ThrottleDown:
		return "ThrottleDown"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Position is where the last observation placed the operating point relative to the
// maximum power point. It is telemetry only.
type Position uint8

const (
	Unknown Position = iota
	LeftOfMpp
	RightOfMpp
	NearMpp
)

func (p Position) String() string {
	switch p {
	case Unknown:
		return "Unknown"
	case LeftOfMpp:
		return "LeftOfMpp"
	case RightOfMpp:
		return "RightOfMpp"
	case NearMpp:
		return "NearMpp"
	default:
		return fmt.Sprintf("Position(%d)", uint8(p))
	}
}

// Command limits.
const (
	DefaultPerturbStep     float32 = 0.01
	DefaultObserveInterval uint32  = 1000
	MinPerturbStep         float32 = 0.001
	MaxPerturbStep         float32 = 0.1
	MinObserveInterval     uint32  = 100
	MaxObserveInterval     uint32  = 10000
	DefaultDutyMin         float32 = 0
	DefaultDutyMax         float32 = 0.95
	DefaultTrackingDutyMin float32 = 0.05
	DefaultTrackingDutyMax float32 = 0.9
)

// ErrLimits is returned for an inconsistent duty cycle window.
var ErrLimits = errors.New("mppt: invalid duty cycle limits")

// Limits bounds the duty cycle. Every assignment is clamped to [DutyMin, DutyMax]; the
// tracker additionally keeps its own perturbations inside [TrackingMin, TrackingMax].
type Limits struct {
	DutyMin     float32 `yaml:"duty_min"`
	DutyMax     float32 `yaml:"duty_max"`
	TrackingMin float32 `yaml:"tracking_min"`
	TrackingMax float32 `yaml:"tracking_max"`
}

// DefaultLimits returns the converter's stock duty cycle window.
func DefaultLimits() Limits {
	return Limits{
		DutyMin:     DefaultDutyMin,
		DutyMax:     DefaultDutyMax,
		TrackingMin: DefaultTrackingDutyMin,
		TrackingMax: DefaultTrackingDutyMax,
	}
}

// Validate requires 0 <= DutyMin <= TrackingMin < TrackingMax <= DutyMax <= 1.
func (l Limits) Validate() error {
	switch {
	case l.DutyMin < 0 || l.DutyMax > 1:
		return fmt.Errorf("%w: duty window [%g, %g] outside [0, 1]", ErrLimits, l.DutyMin, l.DutyMax)
	case l.TrackingMin < l.DutyMin || l.TrackingMax > l.DutyMax:
		return fmt.Errorf("%w: tracking window [%g, %g] outside duty window [%g, %g]",
			ErrLimits, l.TrackingMin, l.TrackingMax, l.DutyMin, l.DutyMax)
	case !(l.TrackingMin < l.TrackingMax):
		return fmt.Errorf("%w: tracking_min %g >= tracking_max %g", ErrLimits, l.TrackingMin, l.TrackingMax)
	}
	return nil
}

// Actuator receives every (already clamped) duty cycle assignment.
type Actuator interface {
	SetDutyCycle(fraction float32)
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(fraction float32)

// SetDutyCycle calls f.
func (f ActuatorFunc) SetDutyCycle(fraction float32) { f(fraction) }

// Config configures a Controller. Zero values take the defaults.
type Config struct {
	Limits               Limits
	PerturbStep          float32
	ObserveInterval      uint32
	OscillationWindow    int
	OscillationThreshold float32
	Actuator             Actuator
}

// State is a copy of the tracker's variables.
type State struct {
	Status             Status
	Position           Position
	DutyCycle          float32
	PerturbStep        float32
	CurrentPerturbStep float32
	ObserveInterval    uint32
	ObserveTimer       uint32
	PreviousDutyCycle  float32
	PreviousPower      float32
	Oscillating        bool
}

// Controller is a perturb-and-observe tracker.
type Controller struct {
	limits   Limits
	actuator Actuator
	osc      *OscillationDetector

	status             Status
	position           Position
	duty               float32
	perturbStep        float32
	currentPerturbStep float32
	observeInterval    uint32
	observeTimer       uint32
	previousDuty       float32
	previousPower      float32
}

// New creates a controller in Standby with a zero duty cycle.
func New(cfg Config) (*Controller, error) {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.PerturbStep == 0 {
		cfg.PerturbStep = DefaultPerturbStep
	}
	if cfg.ObserveInterval == 0 {
		cfg.ObserveInterval = DefaultObserveInterval
	}
	if cfg.OscillationThreshold == 0 {
		cfg.OscillationThreshold = DefaultOscillationThreshold
	}

	c := &Controller{
		limits:   cfg.Limits,
		actuator: cfg.Actuator,
		osc:      NewOscillationDetector(cfg.OscillationWindow, cfg.OscillationThreshold),
	}
	c.SetPerturbStep(cfg.PerturbStep)
	c.SetObserveInterval(cfg.ObserveInterval)
	c.SetDutyCycle(0)
	return c, nil
}

// Run accumulates elapsed milliseconds and, once the observe interval is reached, performs
// one step of the current mode using the latest input power. It reports whether a step ran.
func (c *Controller) Run(power float32, elapsedMs uint32) bool {
	c.observeTimer = mathx.SaturatingAdd(c.observeTimer, elapsedMs)
	if c.observeTimer < c.observeInterval {
		return false
	}

	switch c.status {
	case Standby:
		c.SetDutyCycle(0)
	case ThrottleDown:
		c.SetDutyCycle(c.duty - c.perturbStep)
	default:
		c.observe(power)
		c.perturb(power)
	}

	c.observeTimer = 0
	return true
}

func (c *Controller) observe(power float32) {
	cyclingUp := c.duty > c.previousDuty
	size := mathx.Abs(c.perturbStep)

	if power > c.previousPower {
		if cyclingUp {
			c.currentPerturbStep = size
		} else {
			c.currentPerturbStep = -size
		}
	} else {
		if cyclingUp {
			c.currentPerturbStep = -size
		} else {
			c.currentPerturbStep = size
		}
	}

	if c.currentPerturbStep > 0 {
		c.position = LeftOfMpp
	} else {
		c.position = RightOfMpp
	}
}

func (c *Controller) perturb(power float32) {
	oldDuty := c.duty

	next := mathx.Clamp(oldDuty+c.currentPerturbStep, c.limits.TrackingMin, c.limits.TrackingMax)
	c.SetDutyCycle(next)

	c.osc.Inject(c.currentPerturbStep)
	if c.osc.IsOscillating() {
		c.position = NearMpp
	}

	c.previousDuty = oldDuty
	c.previousPower = power
}

// SetStatus switches the tracking mode. The new mode takes effect at the next fire.
func (c *Controller) SetStatus(s Status) {
	c.status = s
}

// Status returns the tracking mode.
func (c *Controller) Status() Status {
	return c.status
}

// SetDutyCycle assigns the duty cycle, clamped to the duty window, and forwards it to the
// actuator.
func (c *Controller) SetDutyCycle(fraction float32) {
	c.duty = mathx.Clamp(fraction, c.limits.DutyMin, c.limits.DutyMax)
	if c.actuator != nil {
		c.actuator.SetDutyCycle(c.duty)
	}
}

// DutyCycle returns the last assigned duty cycle.
func (c *Controller) DutyCycle() float32 {
	return c.duty
}

// SetPerturbStep sets the step magnitude, clamped to [MinPerturbStep, MaxPerturbStep].
// The direction of the current step is kept.
func (c *Controller) SetPerturbStep(step float32) {
	c.perturbStep = mathx.Clamp(mathx.Abs(step), MinPerturbStep, MaxPerturbStep)
	if c.currentPerturbStep < 0 {
		c.currentPerturbStep = -c.perturbStep
	} else {
		c.currentPerturbStep = c.perturbStep
	}
}

// PerturbStep returns the step magnitude.
func (c *Controller) PerturbStep() float32 {
	return c.perturbStep
}

// SetObserveInterval sets the observe period, clamped to
// [MinObserveInterval, MaxObserveInterval] milliseconds.
func (c *Controller) SetObserveInterval(ms uint32) {
	c.observeInterval = mathx.Clamp(ms, MinObserveInterval, MaxObserveInterval)
}

// ObserveInterval returns the observe period in milliseconds.
func (c *Controller) ObserveInterval() uint32 {
	return c.observeInterval
}

// ResetTracking zeroes the duty cycle and the remembered operating point so the next
// Running fire starts a fresh climb.
func (c *Controller) ResetTracking() {
	c.SetDutyCycle(0)
	c.previousDuty = 0
	c.previousPower = 0
	c.position = Unknown
	c.osc.Reset()
}

// IsOscillating reports whether the recent steps dither around a point.
func (c *Controller) IsOscillating() bool {
	return c.osc.IsOscillating()
}

// Limits returns the configured duty cycle window.
func (c *Controller) Limits() Limits {
	return c.limits
}

// State returns a copy of the tracker's variables.
func (c *Controller) State() State {
	return State{
		Status:             c.status,
		Position:           c.position,
		DutyCycle:          c.duty,
		PerturbStep:        c.perturbStep,
		CurrentPerturbStep: c.currentPerturbStep,
		ObserveInterval:    c.observeInterval,
		ObserveTimer:       c.observeTimer,
		PreviousDutyCycle:  c.previousDuty,
		PreviousPower:      c.previousPower,
		Oscillating:        c.osc.IsOscillating(),
	}
}
