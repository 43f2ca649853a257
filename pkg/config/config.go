// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the evertctl YAML configuration: device limits, tracker settings,
// the simulated plant and the link, MQTT and Modbus endpoints.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/inverter"
	"github.com/evert-power/evertctl/pkg/mppt"
	"github.com/evert-power/evertctl/pkg/plant"
	"github.com/evert-power/evertctl/pkg/sensor"
)

// Config is the whole file.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Boost      BoostConfig      `yaml:"boost"`
	Inverter   InverterConfig   `yaml:"inverter"`
	CCU        CCUConfig        `yaml:"ccu"`
	Link       LinkConfig       `yaml:"link"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Modbus     ModbusConfig     `yaml:"modbus"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// ---- DEVICE ----

// DeviceConfig is shared by every device kind.
type DeviceConfig struct {
	ADCBootTime   uint32             `yaml:"adc_boot_time_ms"`
	Tasks         device.Intervals   `yaml:"tasks"`
	Alarms        device.AlarmConfig `yaml:"alarms"`
	StatusRefresh int                `yaml:"status_refresh"`
}

// ---- BOOST ----

// BoostConfig configures the boost converters.
type BoostConfig struct {
	// Count is the number of converters, at addresses boost1 and boost2.
	Count      int               `yaml:"count"`
	Mode       string            `yaml:"mode"`
	Thresholds boost.Thresholds  `yaml:"thresholds"`
	MPPT       MPPTConfig        `yaml:"mppt"`
	Plant      plant.BoostConfig `yaml:"plant"`
}

// MPPTConfig configures the tracker.
type MPPTConfig struct {
	Limits               mppt.Limits `yaml:"limits"`
	PerturbStep          float32     `yaml:"perturb_step"`
	ObserveInterval      uint32      `yaml:"observe_interval_ms"`
	OscillationWindow    int         `yaml:"oscillation_window"`
	OscillationThreshold float32     `yaml:"oscillation_threshold"`
}

// Controller converts to the tracker configuration.
func (c MPPTConfig) Controller(act mppt.Actuator) mppt.Config {
	return mppt.Config{
		Limits:               c.Limits,
		PerturbStep:          c.PerturbStep,
		ObserveInterval:      c.ObserveInterval,
		OscillationWindow:    c.OscillationWindow,
		OscillationThreshold: c.OscillationThreshold,
		Actuator:             act,
	}
}

// ---- INVERTER ----

// InverterConfig configures the inverter.
type InverterConfig struct {
	Enabled      bool                 `yaml:"enabled"`
	Thresholds   inverter.Thresholds  `yaml:"thresholds"`
	DeratedLimit float32              `yaml:"derated_limit"`
	Plant        plant.InverterConfig `yaml:"plant"`
}

// ---- CCU ----

// CCUConfig configures the emulated central control unit.
type CCUConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PingInterval uint32 `yaml:"ping_interval_ms"`
	PeerTimeout  uint32 `yaml:"peer_timeout_ms"`
	Interlock    bool   `yaml:"interlock"`
}

// ---- LINK ----

// LinkConfig selects the byte-stream connection to real hardware.
type LinkConfig struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// ---- MQTT ----

// MQTTConfig configures the telemetry publisher.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	Discovery       bool   `yaml:"discovery"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	Interval        uint32 `yaml:"interval_ms"`
	QoS             byte   `yaml:"qos"`
}

// ---- MODBUS ----

// ModbusConfig replaces the simulated plant of one device with Modbus readings.
type ModbusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Target        string `yaml:"target"`
	sensor.Config `yaml:",inline"`
}

// ---- SIMULATION ----

// SimulationConfig configures the execution contexts.
type SimulationConfig struct {
	SamplePeriod  uint32  `yaml:"sample_period_ms"`
	ControlPeriod uint32  `yaml:"control_period_ms"`
	Alpha         float32 `yaml:"alpha"`
	Irradiance    float32 `yaml:"irradiance"`
}

// Default returns the stock configuration: one boost converter, the inverter and the
// emulated CCU, all simulated.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			ADCBootTime:   device.DefaultADCBootTime,
			Tasks:         device.DefaultIntervals(),
			Alarms:        device.DefaultAlarmConfig(),
			StatusRefresh: 10,
		},
		Boost: BoostConfig{
			Count:      1,
			Mode:       "automatic",
			Thresholds: boost.DefaultThresholds(),
			MPPT: MPPTConfig{
				Limits:               mppt.DefaultLimits(),
				PerturbStep:          mppt.DefaultPerturbStep,
				ObserveInterval:      mppt.DefaultObserveInterval,
				OscillationWindow:    mppt.DefaultOscillationWindow,
				OscillationThreshold: mppt.DefaultOscillationThreshold,
			},
			Plant: plant.DefaultBoostConfig(),
		},
		Inverter: InverterConfig{
			Enabled:      true,
			Thresholds:   inverter.DefaultThresholds(),
			DeratedLimit: inverter.DefaultDeratedLimit,
			Plant:        plant.DefaultInverterConfig(),
		},
		CCU: CCUConfig{
			Enabled:      true,
			PingInterval: ccu.DefaultPingInterval,
			PeerTimeout:  ccu.DefaultPeerTimeout,
			Interlock:    true,
		},
		Link: LinkConfig{
			Baud: 115200,
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "evert",
			Discovery:       true,
			DiscoveryPrefix: "homeassistant",
			Interval:        1000,
		},
		Modbus: ModbusConfig{
			Target: "boost1",
			Config: sensor.Config{
				Mode:         "rtu",
				BaudRate:     9600,
				SlaveID:      1,
				PollInterval: 100,
			},
		},
		Simulation: SimulationConfig{
			SamplePeriod:  1,
			ControlPeriod: 10,
			Irradiance:    1,
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
