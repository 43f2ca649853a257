// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/evertlink"
)

// Validate checks cfg and returns the first violation, prefixed with its field path.
// It does not modify cfg.
func Validate(cfg *Config) error {
	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	if err := cfg.Device.Tasks.Validate(); err != nil {
		return fmt.Errorf("device.tasks: %w", err)
	}
	if err := cfg.Device.Alarms.Validate(); err != nil {
		return fmt.Errorf("device.alarms.%w", err)
	}
	if cfg.Device.StatusRefresh < 0 {
		return fmt.Errorf("device.status_refresh: %d is negative", cfg.Device.StatusRefresh)
	}

	// ------------------------------------------------------------
	// BOOST
	// ------------------------------------------------------------

	b := cfg.Boost
	if b.Count < 0 || b.Count > 2 {
		return fmt.Errorf("boost.count: %d outside [0, 2]", b.Count)
	}
	if _, err := evertlink.ParseMode(b.Mode); err != nil {
		return fmt.Errorf("boost.mode: %w", err)
	}
	if err := b.Thresholds.Validate(); err != nil {
		return fmt.Errorf("boost.thresholds: %w", err)
	}
	if err := b.MPPT.Limits.Validate(); err != nil {
		return fmt.Errorf("boost.mppt.limits: %w", err)
	}
	if b.MPPT.PerturbStep < 0 || b.MPPT.PerturbStep > 1 {
		return fmt.Errorf("boost.mppt.perturb_step: %g outside [0, 1]", b.MPPT.PerturbStep)
	}
	if b.MPPT.OscillationThreshold < 0 {
		return fmt.Errorf("boost.mppt.oscillation_threshold: %g is negative", b.MPPT.OscillationThreshold)
	}
	if err := b.Plant.Panel.Validate(); err != nil {
		return fmt.Errorf("boost.plant.panel: %w", err)
	}
	if b.Plant.LoadOhms <= 0 {
		return fmt.Errorf("boost.plant.load_ohms: %g must be positive", b.Plant.LoadOhms)
	}

	// ------------------------------------------------------------
	// INVERTER
	// ------------------------------------------------------------

	inv := cfg.Inverter
	if err := inv.Thresholds.Validate(); err != nil {
		return fmt.Errorf("inverter.thresholds: %w", err)
	}
	if inv.DeratedLimit < 0 || inv.DeratedLimit > 1 {
		return fmt.Errorf("inverter.derated_limit: %g outside [0, 1]", inv.DeratedLimit)
	}
	if inv.Plant.RatedPower <= 0 {
		return fmt.Errorf("inverter.plant.rated_power: %g must be positive", inv.Plant.RatedPower)
	}

	if b.Count == 0 && !inv.Enabled {
		return fmt.Errorf("boost.count: no devices configured")
	}

	// ------------------------------------------------------------
	// CCU
	// ------------------------------------------------------------

	if c := cfg.CCU; c.PingInterval != 0 && c.PeerTimeout != 0 && c.PeerTimeout <= c.PingInterval {
		return fmt.Errorf("ccu.peer_timeout_ms: %d must exceed ping_interval_ms %d", c.PeerTimeout, c.PingInterval)
	}

	// ------------------------------------------------------------
	// LINK
	// ------------------------------------------------------------

	if cfg.Link.Port != "" && cfg.Link.URL != "" {
		return fmt.Errorf("link: port and url are mutually exclusive")
	}
	if cfg.Link.Baud <= 0 {
		return fmt.Errorf("link.baud: %d must be positive", cfg.Link.Baud)
	}

	// ------------------------------------------------------------
	// MQTT
	// ------------------------------------------------------------

	if m := cfg.MQTT; m.Enabled {
		if m.Broker == "" {
			return fmt.Errorf("mqtt.broker: required when mqtt is enabled")
		}
		if m.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix: required when mqtt is enabled")
		}
		if m.QoS > 2 {
			return fmt.Errorf("mqtt.qos: %d outside [0, 2]", m.QoS)
		}
		if m.Interval == 0 {
			return fmt.Errorf("mqtt.interval_ms: must be positive")
		}
	}

	// ------------------------------------------------------------
	// MODBUS
	// ------------------------------------------------------------

	if m := cfg.Modbus; m.Enabled {
		target, err := evertlink.ParseDeviceID(m.Target)
		if err != nil {
			return fmt.Errorf("modbus.target: %w", err)
		}
		if !cfg.HasDevice(target) {
			return fmt.Errorf("modbus.target: %s is not a configured device", target)
		}
		// sensor errors already carry the "modbus:" prefix
		if err := m.Config.Validate(); err != nil {
			return err
		}
	}

	// ------------------------------------------------------------
	// SIMULATION
	// ------------------------------------------------------------

	s := cfg.Simulation
	if s.SamplePeriod == 0 {
		return fmt.Errorf("simulation.sample_period_ms: must be positive")
	}
	if s.ControlPeriod == 0 || s.ControlPeriod%s.SamplePeriod != 0 {
		return fmt.Errorf("simulation.control_period_ms: %d must be a positive multiple of sample_period_ms %d",
			s.ControlPeriod, s.SamplePeriod)
	}
	if s.Alpha < 0 || s.Alpha > 1 {
		return fmt.Errorf("simulation.alpha: %g outside [0, 1]", s.Alpha)
	}
	if s.Irradiance < 0 || s.Irradiance > 1.2 {
		return fmt.Errorf("simulation.irradiance: %g outside [0, 1.2]", s.Irradiance)
	}

	return nil
}

// Devices returns the addresses of the configured devices.
func (c *Config) Devices() []evertlink.DeviceID {
	var out []evertlink.DeviceID
	if c.Boost.Count >= 1 {
		out = append(out, evertlink.DeviceBoostConverter1)
	}
	if c.Boost.Count >= 2 {
		out = append(out, evertlink.DeviceBoostConverter2)
	}
	if c.Inverter.Enabled {
		out = append(out, evertlink.DeviceInverter)
	}
	return out
}

// HasDevice reports whether addr is one of the configured devices.
func (c *Config) HasDevice(addr evertlink.DeviceID) bool {
	for _, d := range c.Devices() {
		if d == addr {
			return true
		}
	}
	return false
}
