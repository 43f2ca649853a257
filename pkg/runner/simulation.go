// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package runner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/config"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/inverter"
	"github.com/evert-power/evertctl/pkg/node"
	"github.com/evert-power/evertctl/pkg/plant"
	"github.com/evert-power/evertctl/pkg/sensor"
	"github.com/evert-power/evertctl/pkg/signal"
)

// BoostUnit is a simulated boost converter with its plant.
type BoostUnit struct {
	Device  *boost.Device
	Sampler *plant.Sampler
	// Model is nil when the readings come from Modbus.
	Model *plant.BoostModel
}

// InverterUnit is a simulated inverter with its plant.
type InverterUnit struct {
	Device  *inverter.Device
	Sampler *plant.Sampler
	Model   *plant.InverterModel
}

// Options adjusts Build.
type Options struct {
	Logger *slog.Logger

	// ExternalCCU leaves the CCU out; a real one is reached through a gateway.
	ExternalCCU bool

	// Modbus is used for the Modbus source instead of dialling cfg.Modbus.
	Modbus sensor.RegisterReader
}

// Simulation is a runner populated from a configuration.
type Simulation struct {
	*Runner

	Boosts   []*BoostUnit
	Inverter *InverterUnit

	closers []io.Closer
}

// Build creates the devices, plants, CCU and runner described by cfg.
func Build(cfg config.Config, opts Options) (*Simulation, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r, err := New(Config{
		Logger:        log,
		SamplePeriod:  cfg.Simulation.SamplePeriod,
		ControlPeriod: cfg.Simulation.ControlPeriod,
	})
	if err != nil {
		return nil, err
	}
	sim := &Simulation{Runner: r}

	var modbusTarget evertlink.DeviceID
	var source *sensor.Source
	if cfg.Modbus.Enabled {
		modbusTarget, _ = evertlink.ParseDeviceID(cfg.Modbus.Target)
		client := opts.Modbus
		if client == nil {
			c, closer, err := sensor.Dial(cfg.Modbus.Config)
			if err != nil {
				return nil, err
			}
			client = c
			sim.closers = append(sim.closers, closer)
		}
		source, err = sensor.NewSource(client, cfg.Modbus.Config, log.With("source", "modbus"))
		if err != nil {
			sim.Close()
			return nil, err
		}
	}

	nodeConfig := func(addr evertlink.DeviceID) node.Config {
		return node.Config{
			Logger:        log,
			Address:       addr,
			RunID:         r.RunID(),
			Intervals:     cfg.Device.Tasks,
			ADCBootTime:   cfg.Device.ADCBootTime,
			Alarms:        cfg.Device.Alarms,
			StatusRefresh: cfg.Device.StatusRefresh,
		}
	}
	samplerConfig := plant.SamplerConfig{Alpha: cfg.Simulation.Alpha}

	mode, _ := evertlink.ParseMode(cfg.Boost.Mode)
	var exported signal.Sum

	for i, addr := range []evertlink.DeviceID{evertlink.DeviceBoostConverter1, evertlink.DeviceBoostConverter2}[:cfg.Boost.Count] {
		unit := &BoostUnit{}
		bank := boost.NewSignals()

		var model plant.Model
		tracker := cfg.Boost.MPPT.Controller(nil)
		if source != nil && addr == modbusTarget {
			model = source
		} else {
			pc := cfg.Boost.Plant
			pc.Seed += uint64(i)
			unit.Model, err = plant.NewBoostModel(pc)
			if err != nil {
				sim.Close()
				return nil, fmt.Errorf("%s plant: %w", addr, err)
			}
			unit.Model.SetIrradiance(cfg.Simulation.Irradiance)
			model = unit.Model
			tracker.Actuator = unit.Model
		}

		unit.Sampler = plant.NewSampler(model, bank, samplerConfig)
		if err := unit.Sampler.Product(signal.PowerIn, signal.VoltageIn, signal.CurrentIn); err != nil {
			sim.Close()
			return nil, err
		}

		unit.Device, err = boost.New(boost.Config{
			Node:       nodeConfig(addr),
			Thresholds: cfg.Boost.Thresholds,
			MPPT:       tracker,
			Mode:       mode,
			Signals:    bank,
		})
		if err != nil {
			sim.Close()
			return nil, fmt.Errorf("%s: %w", addr, err)
		}

		r.AddDevice(unit.Device, unit.Sampler)
		sim.Boosts = append(sim.Boosts, unit)
		exported = append(exported, bank.Cell(signal.PowerIn))
	}

	if cfg.Inverter.Enabled {
		unit := &InverterUnit{}
		bank := inverter.NewSignals()

		var model plant.Model
		var gate inverter.Gate
		if source != nil && modbusTarget == evertlink.DeviceInverter {
			model = source
		} else {
			unit.Model = plant.NewInverterModel(cfg.Inverter.Plant, exported)
			model = unit.Model
			gate = unit.Model
		}
		unit.Sampler = plant.NewSampler(model, bank, samplerConfig)

		unit.Device, err = inverter.New(inverter.Config{
			Node:         nodeConfig(evertlink.DeviceInverter),
			Thresholds:   cfg.Inverter.Thresholds,
			DeratedLimit: cfg.Inverter.DeratedLimit,
			Gate:         gate,
			Signals:      bank,
		})
		if err != nil {
			sim.Close()
			return nil, fmt.Errorf("%s: %w", evertlink.DeviceInverter, err)
		}

		r.AddDevice(unit.Device, unit.Sampler)
		sim.Inverter = unit
	}

	if cfg.CCU.Enabled && !opts.ExternalCCU {
		c, err := ccu.New(ccu.Config{
			Logger:           log,
			PingInterval:     cfg.CCU.PingInterval,
			PeerTimeout:      cfg.CCU.PeerTimeout,
			DisableInterlock: !cfg.CCU.Interlock,
		})
		if err != nil {
			sim.Close()
			return nil, err
		}
		r.SetCCU(c)
	}

	return sim, nil
}

// Boost returns the converter at addr.
func (s *Simulation) Boost(addr evertlink.DeviceID) (*BoostUnit, bool) {
	for _, b := range s.Boosts {
		if b.Device.Address() == addr {
			return b, true
		}
	}
	return nil, false
}

// Sampler returns the sampler feeding the device at addr.
func (s *Simulation) Sampler(addr evertlink.DeviceID) (*plant.Sampler, bool) {
	if b, ok := s.Boost(addr); ok {
		return b.Sampler, true
	}
	if s.Inverter != nil && addr == evertlink.DeviceInverter {
		return s.Inverter.Sampler, true
	}
	return nil, false
}

// SetIrradiance changes the sun on every simulated panel.
func (s *Simulation) SetIrradiance(g float32) {
	for _, b := range s.Boosts {
		if b.Model != nil {
			b.Model.SetIrradiance(g)
		}
	}
}

// Close releases the Modbus connection, if any.
func (s *Simulation) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
