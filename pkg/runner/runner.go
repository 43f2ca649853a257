// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package runner drives devices through the three execution contexts of the firmware:
// the sampler, which feeds signal cells at the sample period; the control tick, which
// runs every device's state machine, alarms and tracker; and the main loop, which moves
// link traffic.
//
// Step advances all three on a virtual clock for tests and faster-than-real-time runs.
// Run gives each context its own goroutine. Only signal cells, atomic register words and
// the link FIFOs cross between them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/node"
)

// Default periods in milliseconds.
const (
	DefaultSamplePeriod  = 1
	DefaultControlPeriod = 10
)

// Device is a node driven by the control tick.
type Device interface {
	Init()
	Tick(elapsed, delta uint32)
	Handler() *evertlink.Handler
	Snapshot() node.Snapshot
}

// Sampler runs in the sampling context.
type Sampler interface {
	Sample(dt uint32)
}

// Config configures a Runner.
type Config struct {
	Logger        *slog.Logger
	SamplePeriod  uint32
	ControlPeriod uint32

	// RunID tags the run in announcements; empty generates one.
	RunID string
}

// Runner owns the bus and the execution contexts.
type Runner struct {
	log   *slog.Logger
	cfg   Config
	runID string
	bus   *evertlink.Bus

	devices  []Device
	samplers []Sampler
	ccu      *ccu.CCU
	gateways []*evertlink.Gateway

	started      bool
	clock        uint32
	sinceControl uint32
	published    atomic.Uint32
}

// New creates an empty runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.SamplePeriod == 0 {
		cfg.SamplePeriod = DefaultSamplePeriod
	}
	if cfg.ControlPeriod == 0 {
		cfg.ControlPeriod = DefaultControlPeriod
	}
	if cfg.ControlPeriod%cfg.SamplePeriod != 0 {
		return nil, fmt.Errorf("runner: control period %d ms is not a multiple of the sample period %d ms",
			cfg.ControlPeriod, cfg.SamplePeriod)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	return &Runner{
		log:   cfg.Logger.With("run", cfg.RunID),
		cfg:   cfg,
		runID: cfg.RunID,
		bus:   evertlink.NewBus(),
	}, nil
}

// RunID identifies this run.
func (r *Runner) RunID() string { return r.runID }

// Bus returns the in-memory link.
func (r *Runner) Bus() *evertlink.Bus { return r.bus }

// AddDevice attaches d to the bus. s feeds its signals and may be nil.
func (r *Runner) AddDevice(d Device, s Sampler) {
	r.bus.Attach(d.Handler())
	r.devices = append(r.devices, d)
	if s != nil {
		r.samplers = append(r.samplers, s)
	}
}

// AddSampler adds a sampler that belongs to no device.
func (r *Runner) AddSampler(s Sampler) {
	r.samplers = append(r.samplers, s)
}

// SetCCU attaches the emulated CCU.
func (r *Runner) SetCCU(c *ccu.CCU) {
	r.bus.Attach(c.Handler())
	r.ccu = c
}

// CCU returns the emulated CCU, or nil.
func (r *Runner) CCU() *ccu.CCU { return r.ccu }

// AddGateway attaches the bus side of g. The main loop forwards its traffic.
func (r *Runner) AddGateway(g *evertlink.Gateway) {
	r.bus.Attach(g.BusSide())
	r.gateways = append(r.gateways, g)
}

// Devices returns the attached devices.
func (r *Runner) Devices() []Device { return r.devices }

// Start initialises every device. Step and Run call it on first use.
func (r *Runner) Start() {
	if r.started {
		return
	}
	r.started = true
	for _, d := range r.devices {
		d.Init()
	}
	r.log.Info("run started", "devices", len(r.devices), "ccu", r.ccu != nil)
}

// Step advances the virtual clock by one sample period: sample, tick when a control
// period has elapsed, then move link traffic.
func (r *Runner) Step() {
	r.Start()

	r.clock += r.cfg.SamplePeriod
	r.published.Store(r.clock)
	r.sample(r.cfg.SamplePeriod)

	r.sinceControl += r.cfg.SamplePeriod
	if r.sinceControl >= r.cfg.ControlPeriod {
		r.sinceControl = 0
		r.tick(r.clock, r.cfg.ControlPeriod)
	}

	r.pump()
}

// Advance steps for ms milliseconds of virtual time.
func (r *Runner) Advance(ms uint32) {
	for n := ms / r.cfg.SamplePeriod; n > 0; n-- {
		r.Step()
	}
}

// Clock returns the milliseconds since start. Safe from any goroutine.
func (r *Runner) Clock() uint32 {
	return r.published.Load()
}

// Run drives the contexts in real time until ctx is cancelled. Do not mix with Step.
func (r *Runner) Run(ctx context.Context) error {
	if r.clock != 0 {
		return errors.New("runner: already stepped")
	}
	r.Start()
	start := time.Now()
	now := func() uint32 { return uint32(time.Since(start).Milliseconds()) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		every(ctx, r.cfg.SamplePeriod, func() { r.sample(r.cfg.SamplePeriod) })
	}()
	go func() {
		defer wg.Done()
		var last uint32
		every(ctx, r.cfg.ControlPeriod, func() {
			elapsed := now()
			r.published.Store(elapsed)
			r.tick(elapsed, elapsed-last)
			last = elapsed
		})
	}()

	every(ctx, r.cfg.SamplePeriod, r.pump)
	wg.Wait()
	r.log.Info("run stopped", "elapsed_ms", now())
	return nil
}

func every(ctx context.Context, ms uint32, fn func()) {
	t := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (r *Runner) sample(dt uint32) {
	for _, s := range r.samplers {
		s.Sample(dt)
	}
}

func (r *Runner) tick(elapsed, delta uint32) {
	for _, d := range r.devices {
		d.Tick(elapsed, delta)
	}
	if r.ccu != nil {
		r.ccu.Tick(elapsed, delta)
	}
}

func (r *Runner) pump() {
	r.bus.Pump()
	if len(r.gateways) == 0 {
		return
	}
	for _, g := range r.gateways {
		g.Process()
	}
	r.bus.Pump()
}
