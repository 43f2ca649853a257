package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/sensor"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, []evertlink.DeviceID{evertlink.DeviceBoostConverter1, evertlink.DeviceInverter}, cfg.Devices())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
boost:
  count: 2
  mode: manual
  mppt:
    perturb_step: 0.02
inverter:
  enabled: false
device:
  tasks:
    data_ms: 250
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Boost.Count)
	assert.Equal(t, "manual", cfg.Boost.Mode)
	assert.InDelta(t, 0.02, cfg.Boost.MPPT.PerturbStep, 1e-6)
	assert.Equal(t, uint32(250), cfg.Device.Tasks.Data)
	assert.Equal(t, uint32(1000), cfg.Device.Tasks.Announcement, "untouched keys keep defaults")
	assert.Equal(t, Default().Boost.Thresholds, cfg.Boost.Thresholds)
	assert.False(t, cfg.HasDevice(evertlink.DeviceInverter))
	assert.True(t, cfg.HasDevice(evertlink.DeviceBoostConverter2))
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("boost:\n  cuont: 2\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"task interval", func(c *Config) { c.Device.Tasks.Ping = 0 }, "device.tasks"},
		{"cpu band", func(c *Config) { c.Device.Alarms.CPUTemp.LowWarning = 100 }, "device.alarms.cpu_temp"},
		{"boost count", func(c *Config) { c.Boost.Count = 3 }, "boost.count"},
		{"boost mode", func(c *Config) { c.Boost.Mode = "eco" }, "boost.mode"},
		{"boost thresholds", func(c *Config) { c.Boost.Thresholds.CurrentIn.Warning = 20 }, "boost.thresholds"},
		{"duty window", func(c *Config) { c.Boost.MPPT.Limits.TrackingMax = 0.99 }, "boost.mppt.limits"},
		{"perturb step", func(c *Config) { c.Boost.MPPT.PerturbStep = 2 }, "boost.mppt.perturb_step"},
		{"panel", func(c *Config) { c.Boost.Plant.Panel.Voc = 0 }, "boost.plant.panel"},
		{"load", func(c *Config) { c.Boost.Plant.LoadOhms = 0 }, "boost.plant.load_ohms"},
		{"derated", func(c *Config) { c.Inverter.DeratedLimit = 1.5 }, "inverter.derated_limit"},
		{"no devices", func(c *Config) { c.Boost.Count = 0; c.Inverter.Enabled = false }, "no devices"},
		{"ccu timeout", func(c *Config) { c.CCU.PeerTimeout = 500 }, "ccu.peer_timeout_ms"},
		{"link", func(c *Config) { c.Link.Port = "/dev/ttyUSB0"; c.Link.URL = "ws://gw" }, "mutually exclusive"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "tcp://b:1883"; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"modbus target", func(c *Config) { c.Modbus.Enabled = true; c.Modbus.Target = "boost2" }, "modbus.target"},
		{"modbus points", func(c *Config) { c.Modbus.Enabled = true; c.Modbus.Endpoint = "/dev/ttyUSB1" }, "modbus: no points"},
		{"sample period", func(c *Config) { c.Simulation.SamplePeriod = 0 }, "simulation.sample_period_ms"},
		{"control period", func(c *Config) { c.Simulation.SamplePeriod = 3 }, "simulation.control_period_ms"},
		{"irradiance", func(c *Config) { c.Simulation.Irradiance = 2 }, "simulation.irradiance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModbusSection(t *testing.T) {
	cfg, err := Parse([]byte(`
modbus:
  enabled: true
  mode: tcp
  endpoint: 10.0.0.5:502
  timeout: 2s
  points:
    - signal: voltage_in
      table: input
      address: 100
      scale: 0.1
`))
	require.NoError(t, err)

	assert.Equal(t, "boost1", cfg.Modbus.Target)
	assert.Equal(t, 2*time.Second, cfg.Modbus.Timeout)
	require.Len(t, cfg.Modbus.Points, 1)
	assert.Equal(t, sensor.Point{Signal: signal.VoltageIn, Table: sensor.TableInput, Address: 100, Scale: 0.1}, cfg.Modbus.Points[0])
}

func TestLoadAndMarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evert.yaml")

	cfg := Default()
	cfg.Boost.Count = 2
	cfg.MQTT.Broker = "tcp://localhost:1883"
	data, err := Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
