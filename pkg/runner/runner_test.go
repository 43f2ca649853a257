package runner

import (
	"context"
	"testing"
	"time"

	"github.com/evert-power/evertctl/pkg/config"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/mppt"
	"github.com/evert-power/evertctl/pkg/node"
	"github.com/evert-power/evertctl/pkg/sensor"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickRecord struct {
	elapsed, delta uint32
}

type fakeDevice struct {
	h     *evertlink.Handler
	inits int
	ticks []tickRecord
}

func (d *fakeDevice) Init()                       { d.inits++ }
func (d *fakeDevice) Tick(elapsed, delta uint32)  { d.ticks = append(d.ticks, tickRecord{elapsed, delta}) }
func (d *fakeDevice) Handler() *evertlink.Handler { return d.h }
func (d *fakeDevice) Snapshot() node.Snapshot     { return node.Snapshot{} }

type countingSampler struct {
	calls int
	total uint32
}

func (s *countingSampler) Sample(dt uint32) {
	s.calls++
	s.total += dt
}

func newFake(t *testing.T) *fakeDevice {
	t.Helper()
	h, err := evertlink.NewHandler(evertlink.HandlerConfig{Address: evertlink.DeviceBoostConverter1})
	require.NoError(t, err)
	return &fakeDevice{h: h}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{SamplePeriod: 3, ControlPeriod: 10})
	assert.Error(t, err)

	r, err := New(Config{})
	require.NoError(t, err)
	assert.NotEmpty(t, r.RunID())

	r2, err := New(Config{RunID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", r2.RunID())
}

func TestStepContexts(t *testing.T) {
	r, err := New(Config{SamplePeriod: 2, ControlPeriod: 10})
	require.NoError(t, err)

	d := newFake(t)
	s := &countingSampler{}
	r.AddDevice(d, s)

	r.Advance(100)

	assert.Equal(t, 1, d.inits)
	assert.Equal(t, 50, s.calls)
	assert.Equal(t, uint32(100), s.total)
	require.Len(t, d.ticks, 10)
	assert.Equal(t, tickRecord{10, 10}, d.ticks[0])
	assert.Equal(t, tickRecord{100, 10}, d.ticks[9])
	assert.Equal(t, uint32(100), r.Clock())

	assert.Error(t, r.Run(context.Background()), "stepped runners cannot switch to real time")
}

func TestRunRealTime(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	d := newFake(t)
	s := &countingSampler{}
	r.AddDevice(d, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, 1, d.inits)
	assert.NotEmpty(t, d.ticks)
	assert.Greater(t, s.calls, len(d.ticks))
}

func boot(t *testing.T, cfg config.Config) *Simulation {
	t.Helper()
	sim, err := Build(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })
	sim.Advance(4000)
	return sim
}

func TestSimulationBootsToOperational(t *testing.T) {
	sim := boot(t, config.Default())

	require.Len(t, sim.Devices(), 2)
	for _, d := range sim.Devices() {
		snap := d.Snapshot()
		assert.Equal(t, device.Operational, snap.State.Result, "%s", snap.Address)
		assert.Equal(t, device.Operational, snap.State.Propagated, "%s", snap.Address)
		assert.Zero(t, snap.Alarms)
		assert.Zero(t, snap.KindAlarms)
	}

	peers := sim.CCU().Peers()
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.True(t, p.Acknowledged)
		assert.Equal(t, sim.RunID(), p.RunID)
		assert.Equal(t, device.Operational, p.Propagated)
	}

	assert.Equal(t, mppt.Running, sim.Boosts[0].Device.Status().MPPT.Status)
	st := sim.Inverter.Device.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, float32(1), st.Limit)
}

func TestSimulationTracksMaximumPower(t *testing.T) {
	sim := boot(t, config.Default())
	sim.Advance(120000)

	unit := sim.Boosts[0]
	_, mpp := unit.Model.Panel().MaximumPowerPoint(1)
	power := unit.Sampler.Bank().Cell(signal.PowerIn).Load()
	assert.Greater(t, power, 0.9*mpp)
	assert.InDelta(t, 0.5, unit.Model.DutyCycle(), 0.1)

	peer, ok := sim.CCU().Peer(evertlink.DeviceBoostConverter1)
	require.True(t, ok)
	require.NotNil(t, peer.Boost)
	assert.InDelta(t, power, peer.Boost.PowerIn, 0.1*mpp)

	// the inverter exports what the converter harvests
	inv, ok := sim.CCU().Peer(evertlink.DeviceInverter)
	require.True(t, ok)
	require.NotNil(t, inv.Inverter)
	assert.Greater(t, inv.Inverter.GridCurrent, float32(0.3))
}

func TestInverterEmergencyShutsDownConverter(t *testing.T) {
	sim := boot(t, config.Default())
	invSampler, ok := sim.Sampler(evertlink.DeviceInverter)
	require.True(t, ok)

	require.NoError(t, invSampler.Override(signal.BusVoltage, 900))
	sim.Advance(1000)

	assert.Equal(t, device.EmergencyShutdown, sim.Inverter.Device.Snapshot().State.Internal)
	assert.True(t, sim.CCU().Interlocked())

	conv := sim.Boosts[0].Device.Snapshot().State
	assert.Equal(t, device.Operational, conv.Internal)
	assert.Equal(t, device.EmergencyShutdown, conv.Result)
	assert.Zero(t, sim.Boosts[0].Model.DutyCycle())
	assert.False(t, sim.Inverter.Device.Status().Enabled)

	invSampler.Release(signal.BusVoltage)
	sim.Advance(1000)

	assert.False(t, sim.CCU().Interlocked())
	assert.Equal(t, device.Operational, sim.Boosts[0].Device.Snapshot().State.Result)
	assert.Equal(t, device.Operational, sim.Inverter.Device.Snapshot().State.Result)
}

func TestTwoConvertersWithoutInverter(t *testing.T) {
	cfg := config.Default()
	cfg.Boost.Count = 2
	cfg.Inverter.Enabled = false
	sim := boot(t, cfg)

	require.Len(t, sim.Boosts, 2)
	assert.Nil(t, sim.Inverter)
	_, ok := sim.Boost(evertlink.DeviceBoostConverter2)
	assert.True(t, ok)
	_, ok = sim.Sampler(evertlink.DeviceInverter)
	assert.False(t, ok)
	assert.Len(t, sim.CCU().Peers(), 2)
}

func TestExternalCCU(t *testing.T) {
	sim, err := Build(config.Default(), Options{ExternalCCU: true})
	require.NoError(t, err)
	assert.Nil(t, sim.CCU())

	sim.Advance(4000)
	assert.Equal(t, device.HandshakeAnnouncing, sim.Boosts[0].Device.Snapshot().State.Result,
		"nobody acknowledges the announcement")
}

type fixedRegisters struct{}

func (fixedRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return []byte{0x01, 0x2C}, nil // 300
}

func (fixedRegisters) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return []byte{0x00, 0x32}, nil // 50
}

func TestModbusSourceReplacesPlant(t *testing.T) {
	cfg := config.Default()
	cfg.Modbus.Enabled = true
	cfg.Modbus.Mode = "tcp"
	cfg.Modbus.Endpoint = "127.0.0.1:502"
	cfg.Modbus.Points = []sensor.Point{
		{Signal: signal.VoltageIn, Table: sensor.TableHolding, Address: 1, Scale: 0.1},
		{Signal: signal.CurrentIn, Table: sensor.TableInput, Address: 2, Scale: 0.1},
	}

	sim, err := Build(cfg, Options{Modbus: fixedRegisters{}})
	require.NoError(t, err)
	assert.Nil(t, sim.Boosts[0].Model)
	assert.NotNil(t, sim.Inverter.Model)

	sim.Advance(200)
	bank := sim.Boosts[0].Sampler.Bank()
	assert.InDelta(t, 30, bank.Cell(signal.VoltageIn).Load(), 1e-3)
	assert.InDelta(t, 5, bank.Cell(signal.CurrentIn).Load(), 1e-3)
	assert.InDelta(t, 150, bank.Cell(signal.PowerIn).Load(), 1e-2)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Boost.Mode = "turbo"
	_, err := Build(cfg, Options{})
	assert.Error(t, err)
}
