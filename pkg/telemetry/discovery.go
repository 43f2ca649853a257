// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"fmt"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

// HassConfig is a Home Assistant MQTT discovery config, in its abbreviated keys.
type HassConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"uniq_id"`
	StateTopic        string     `json:"stat_t"`
	ValueTemplate     string     `json:"val_tpl"`
	AvailabilityTopic string     `json:"avty_t"`
	DeviceClass       string     `json:"dev_cla,omitempty"`
	StateClass        string     `json:"stat_cla,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_meas,omitempty"`
	Device            HassDevice `json:"dev"`
}

// HassDevice groups the entities of one link node.
type HassDevice struct {
	IDs          string `json:"ids"`
	Name         string `json:"name"`
	Model        string `json:"mdl,omitempty"`
	SWVersion    string `json:"sw,omitempty"`
	Manufacturer string `json:"mf"`
}

type entity struct {
	key   string
	name  string
	unit  string
	class string
}

var boostEntities = []entity{
	{"power_in", "Input power", "W", "power"},
	{"voltage_in", "Input voltage", "V", "voltage"},
	{"current_in", "Input current", "A", "current"},
	{"voltage_out", "Output voltage", "V", "voltage"},
	{"duty_cycle", "Duty cycle", "", ""},
	{"temp_coil", "Coil temperature", "°C", "temperature"},
	{"temp_schottky", "Schottky temperature", "°C", "temperature"},
	{"temp_mosfet", "MOSFET temperature", "°C", "temperature"},
	{"cpu_temp", "CPU temperature", "°C", "temperature"},
}

var inverterEntities = []entity{
	{"bus_voltage", "DC bus voltage", "V", "voltage"},
	{"bus_imbalance", "DC bus imbalance", "V", "voltage"},
	{"grid_voltage", "Grid voltage", "V", "voltage"},
	{"grid_current", "Grid current", "A", "current"},
	{"ambient_temp", "Ambient temperature", "°C", "temperature"},
	{"temp_phase_u", "Phase U temperature", "°C", "temperature"},
	{"temp_phase_v", "Phase V temperature", "°C", "temperature"},
	{"temp_phase_w", "Phase W temperature", "°C", "temperature"},
	{"cpu_temp", "CPU temperature", "°C", "temperature"},
}

// DiscoveryConfigs returns the discovery topic and config of every entity of peer.
func (p *Publisher) DiscoveryConfigs(peer ccu.Peer) map[string]HassConfig {
	id := fmt.Sprintf("%s_%s", p.cfg.Prefix, peer.Address)
	dev := HassDevice{
		IDs:          id,
		Name:         fmt.Sprintf("Evert %s", peer.Address),
		Model:        peer.Kind.String(),
		SWVersion:    peer.Version,
		Manufacturer: "Evert",
	}
	out := make(map[string]HassConfig)

	add := func(e entity, stateTopic, template string) {
		c := HassConfig{
			Name:              e.name,
			UniqueID:          id + "_" + e.key,
			StateTopic:        stateTopic,
			ValueTemplate:     template,
			AvailabilityTopic: p.cfg.StatusTopic(),
			DeviceClass:       e.class,
			UnitOfMeasurement: e.unit,
			Device:            dev,
		}
		if e.unit != "" {
			c.StateClass = "measurement"
		}
		out[fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, id, e.key)] = c
	}

	add(entity{key: "state", name: "State"}, p.topic(peer.Address, "state"), "{{ value_json.result }}")
	add(entity{key: "alarms", name: "Active alarms"}, p.topic(peer.Address, "alarms"), "{{ value_json.active | join(', ') }}")

	var entities []entity
	switch peer.Kind {
	case evertlink.KindBoostConverter:
		entities = boostEntities
	case evertlink.KindInverter:
		entities = inverterEntities
	}
	for _, e := range entities {
		add(e, p.topic(peer.Address, "measurements"), fmt.Sprintf("{{ value_json.%s }}", e.key))
	}
	return out
}

func (p *Publisher) discover(peer ccu.Peer) error {
	for topic, c := range p.DiscoveryConfigs(peer) {
		if err := p.sendJSON(topic, true, c); err != nil {
			return err
		}
	}
	p.log.Info("discovery published", "device", peer.Address, "kind", peer.Kind)
	return nil
}
