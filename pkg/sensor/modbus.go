// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sensor reads device signals from real hardware over Modbus RTU or TCP. A
// Source plugs into a plant.Sampler in place of a simulated model, so the readings go
// through the same filtering.
package sensor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"github.com/evert-power/evertctl/pkg/plant"
	"github.com/evert-power/evertctl/pkg/signal"
)

// Register tables a Point may read.
const (
	TableHolding = "holding"
	TableInput   = "input"
)

// Point maps one 16-bit register to a signal: value = raw * Scale + Offset.
type Point struct {
	Signal  signal.Name `yaml:"signal"`
	Table   string      `yaml:"table"`
	Address uint16      `yaml:"address"`
	Signed  bool        `yaml:"signed"`
	Scale   float32     `yaml:"scale"`
	Offset  float32     `yaml:"offset"`
}

// Validate checks the table name and a non-zero scale.
func (p Point) Validate() error {
	if p.Signal == "" {
		return errors.New("point: no signal")
	}
	if p.Table != TableHolding && p.Table != TableInput {
		return fmt.Errorf("point %s: unknown table %q", p.Signal, p.Table)
	}
	if p.Scale == 0 {
		return fmt.Errorf("point %s: zero scale", p.Signal)
	}
	return nil
}

// Convert applies the calibration to a raw register value.
func (p Point) Convert(raw uint16) float32 {
	v := float32(raw)
	if p.Signed {
		v = float32(int16(raw))
	}
	return v*p.Scale + p.Offset
}

// Config configures a Modbus connection.
type Config struct {
	// Mode is "rtu" or "tcp".
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	BaudRate int           `yaml:"baud_rate"`
	SlaveID  uint8         `yaml:"slave_id"`
	Timeout  time.Duration `yaml:"timeout"`

	// PollInterval is the time between reads in milliseconds; samples in between repeat
	// the last values.
	PollInterval uint32  `yaml:"poll_interval_ms"`
	Points       []Point `yaml:"points,omitempty"`
}

// Validate checks the connection settings and every point.
func (c Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "rtu", "tcp":
	default:
		return fmt.Errorf("modbus: unknown mode %q", c.Mode)
	}
	if c.Endpoint == "" {
		return errors.New("modbus: endpoint required")
	}
	if len(c.Points) == 0 {
		return errors.New("modbus: no points")
	}
	for _, p := range c.Points {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("modbus: %w", err)
		}
	}
	return nil
}

// RegisterReader is the part of modbus.Client a Source needs.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// Dial connects to the Modbus endpoint and returns a client and its closer.
func Dial(cfg Config) (modbus.Client, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	switch strings.ToLower(cfg.Mode) {
	case "rtu":
		h := modbus.NewRTUClientHandler(cfg.Endpoint)
		if cfg.BaudRate != 0 {
			h.BaudRate = cfg.BaudRate
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		if err := h.Connect(); err != nil {
			return nil, nil, fmt.Errorf("modbus rtu %s: %w", cfg.Endpoint, err)
		}
		return modbus.NewClient(h), h, nil
	default:
		h := modbus.NewTCPClientHandler(cfg.Endpoint)
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		if err := h.Connect(); err != nil {
			return nil, nil, fmt.Errorf("modbus tcp %s: %w", cfg.Endpoint, err)
		}
		return modbus.NewClient(h), h, nil
	}
}

// Source polls the configured points. It implements plant.Model.
type Source struct {
	log    *slog.Logger
	client RegisterReader
	points []Point
	poll   uint32

	since  uint32
	polled bool
	last   []float32

	reads  atomic.Uint32
	errors atomic.Uint32
}

var _ plant.Model = (*Source)(nil)

// NewSource creates a source reading through client.
func NewSource(client RegisterReader, cfg Config, log *slog.Logger) (*Source, error) {
	for _, p := range cfg.Points {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		log:    log,
		client: client,
		points: cfg.Points,
		poll:   cfg.PollInterval,
		last:   make([]float32, len(cfg.Points)),
	}, nil
}

// Sample implements plant.Model. A failed read keeps the previous value of that point.
func (s *Source) Sample(dt uint32, emit plant.Emit) {
	s.since += dt
	if !s.polled || s.since >= s.poll {
		s.since = 0
		s.polled = true
		s.read()
	}
	for i, p := range s.points {
		emit(p.Signal, s.last[i])
	}
}

func (s *Source) read() {
	for i, p := range s.points {
		var (
			b   []byte
			err error
		)
		if p.Table == TableInput {
			b, err = s.client.ReadInputRegisters(p.Address, 1)
		} else {
			b, err = s.client.ReadHoldingRegisters(p.Address, 1)
		}
		if err == nil && len(b) < 2 {
			err = fmt.Errorf("short response (%d bytes)", len(b))
		}
		if err != nil {
			s.errors.Add(1)
			s.log.Debug("modbus read failed", "signal", p.Signal, "address", p.Address, "error", err)
			continue
		}
		s.reads.Add(1)
		s.last[i] = p.Convert(uint16(b[0])<<8 | uint16(b[1]))
	}
}

// Stats returns the successful and failed read counts. Safe from any goroutine.
func (s *Source) Stats() (reads, errors uint32) {
	return s.reads.Load(), s.errors.Load()
}
