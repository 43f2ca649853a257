// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry publishes what the CCU knows about each device to an MQTT broker.
//
// Every device gets three topics under the prefix: <prefix>/<device>/state and
// <prefix>/<device>/alarms (both retained) and <prefix>/<device>/measurements. The
// bridge itself is announced on the retained <prefix>/status topic, with "offline" as
// the last will. Home Assistant discovery configs are published once per device.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

const (
	DefaultPrefix          = "evert"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTimeout         = 5 * time.Second
)

var ErrTimeout = errors.New("mqtt: timed out")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config configures a Publisher and its broker connection.
type Config struct {
	Logger *slog.Logger

	Broker   string
	ClientID string
	Username string
	Password string

	Prefix string
	QoS    byte

	Discovery       bool
	DiscoveryPrefix string

	// Timeout bounds every broker round trip.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.ClientID == "" {
		c.ClientID = "evertctl-" + uuid.New().String()
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// StatusTopic is the retained online/offline topic of the bridge.
func (c Config) StatusTopic() string {
	return c.Prefix + "/status"
}

// ClientOptions returns the paho options for cfg: the broker, credentials and an
// "offline" last will on the status topic. onConnect runs after every (re)connect.
func ClientOptions(cfg Config, onConnect func()) *mqtt.ClientOptions {
	cfg.defaults()
	log := cfg.Logger

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetWill(cfg.StatusTopic(), "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
		if onConnect != nil {
			onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})
	return opts
}

// Publisher turns CCU peers into MQTT messages.
type Publisher struct {
	log    *slog.Logger
	cfg    Config
	client Client

	discovered [16]bool
	rediscover atomic.Bool
	published  atomic.Uint64
}

// New creates a publisher over an already connected client.
func New(client Client, cfg Config) *Publisher {
	cfg.defaults()
	return &Publisher{log: cfg.Logger, cfg: cfg, client: client}
}

// Connect dials the broker and returns a publisher. The bridge is announced online on
// every connect, and discovery is replayed after a reconnect. Publish and PublishPeer
// must be called from one goroutine.
func Connect(cfg Config) (*Publisher, error) {
	cfg.defaults()
	p := &Publisher{log: cfg.Logger, cfg: cfg}

	c := mqtt.NewClient(ClientOptions(cfg, func() {
		p.rediscover.Store(true)
		if err := p.Online(true); err != nil {
			p.log.Warn("status publish failed", "error", err)
		}
	}))
	p.client = c

	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return p, nil
}

// Online publishes the retained bridge status.
func (p *Publisher) Online(online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}
	return p.send(p.cfg.StatusTopic(), true, payload)
}

// Publish sends the state, alarms and measurements of every peer.
func (p *Publisher) Publish(peers []ccu.Peer) error {
	var errs []error
	for _, peer := range peers {
		if err := p.PublishPeer(peer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishPeer sends one peer. Discovery configs go out the first time a peer of a known
// kind is seen.
func (p *Publisher) PublishPeer(peer ccu.Peer) error {
	if p.rediscover.Swap(false) {
		p.discovered = [16]bool{}
	}
	if p.cfg.Discovery && !p.discovered[peer.Address&0xF] && peer.Kind != evertlink.KindUnknown {
		if err := p.discover(peer); err != nil {
			return err
		}
		p.discovered[peer.Address&0xF] = true
	}

	if err := p.sendJSON(p.topic(peer.Address, "state"), true, stateOf(peer)); err != nil {
		return err
	}
	if err := p.sendJSON(p.topic(peer.Address, "alarms"), true, alarmsOf(peer)); err != nil {
		return err
	}
	if m := measurementsOf(peer); m != nil {
		if err := p.sendJSON(p.topic(peer.Address, "measurements"), false, m); err != nil {
			return err
		}
	}
	return nil
}

// Published counts the messages acknowledged by the client. Safe from any goroutine.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close announces the bridge offline and disconnects.
func (p *Publisher) Close() error {
	err := p.Online(false)
	p.client.Disconnect(250)
	return err
}

func (p *Publisher) topic(addr evertlink.DeviceID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.Prefix, addr, leaf)
}

func (p *Publisher) sendJSON(topic string, retained bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	return p.send(topic, retained, data)
}

func (p *Publisher) send(topic string, retained bool, payload any) error {
	tok := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !tok.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

// State is the payload of the state topic.
type State struct {
	Kind         string `json:"kind"`
	Version      string `json:"version,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Online       bool   `json:"online"`
	Acknowledged bool   `json:"acknowledged"`
	Result       string `json:"result"`
	Internal     string `json:"internal"`
	Propagated   string `json:"propagated"`
	Commanded    string `json:"commanded"`
	Pinned       bool   `json:"pinned"`
	LastSeenMs   uint32 `json:"last_seen_ms"`
	Errors       uint32 `json:"errors"`
}

func stateOf(p ccu.Peer) State {
	s := State{
		Kind:         p.Kind.String(),
		Version:      p.Version,
		RunID:        p.RunID,
		Online:       p.Online,
		Acknowledged: p.Acknowledged,
		Result:       device.Unknown.String(),
		Internal:     device.Unknown.String(),
		Propagated:   device.Unknown.String(),
		Commanded:    p.Propagated.String(),
		Pinned:       p.Pinned,
		LastSeenMs:   p.LastSeenMs,
		Errors:       p.Errors,
	}
	if p.HaveStatus {
		s.Result = p.Result().String()
		s.Internal = p.Internal().String()
		s.Propagated = device.State(p.Status.Propagated).String()
	}
	return s
}

// Alarms is the payload of the alarms topic.
type Alarms struct {
	Device uint32   `json:"device"`
	Kind   uint32   `json:"kind"`
	Active []string `json:"active"`
}

func alarmsOf(p ccu.Peer) Alarms {
	a := Alarms{Device: p.Status.Alarms1, Kind: p.Status.KindAlarms, Active: []string{}}
	for w := a.Device; w != 0; w &= w - 1 {
		a.Active = append(a.Active, device.AlarmIndex(bits.TrailingZeros32(w)).String())
	}
	namer := ccu.AlarmNamer(p.Kind)
	for w := a.Kind; w != 0; w &= w - 1 {
		i := bits.TrailingZeros32(w)
		if namer != nil {
			a.Active = append(a.Active, namer(i))
		} else {
			a.Active = append(a.Active, fmt.Sprintf("kind_alarm_%d", i))
		}
	}
	return a
}

// measurementsOf flattens the latest readings of a peer; nil when it has sent none.
func measurementsOf(p ccu.Peer) map[string]any {
	m := map[string]any{}
	if b := p.Boost; b != nil {
		m["voltage_in"] = b.VoltageIn
		m["voltage_out"] = b.VoltageOut
		m["current_in"] = b.CurrentIn
		m["power_in"] = b.PowerIn
		m["temp_coil"] = b.TempCoil
		m["temp_schottky"] = b.TempSchottky
		m["temp_mosfet"] = b.TempMosfet
		m["cpu_temp"] = b.CPUTemp
		m["duty_cycle"] = b.DutyCycle
	}
	if t := p.Mppt; t != nil {
		m["mppt_status"] = t.Status
		m["perturb_step"] = t.CurrentPerturbStep
		m["observe_interval_ms"] = t.ObserveIntervalMs
		m["oscillating"] = t.Oscillating
		m["mode"] = t.Mode.String()
	}
	if i := p.Inverter; i != nil {
		m["bus_voltage"] = i.BusVoltage
		m["bus_imbalance"] = i.BusImbalance
		m["grid_voltage"] = i.GridVoltage
		m["grid_current"] = i.GridCurrent
		m["ambient_temp"] = i.AmbientTemp
		m["temp_phase_u"] = i.TempPhaseU
		m["temp_phase_v"] = i.TempPhaseV
		m["temp_phase_w"] = i.TempPhaseW
		m["cpu_temp"] = i.CPUTemp
	}
	if c := p.Comms; c != nil {
		m["last_ping_age_ms"] = c.LastPingAgeMs
		m["rx_packets"] = c.RxPackets
		m["tx_packets"] = c.TxPackets
		m["rx_dropped"] = c.RxDropped
		m["tx_dropped"] = c.TxDropped
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
