package ccu

import (
	"strings"
	"testing"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 10

// fakeDevice is a bare handler standing in for a node.
type fakeDevice struct {
	h   *evertlink.Handler
	got []*evertlink.Packet
}

func (d *fakeDevice) received(id evertlink.MessageID) []*evertlink.Packet {
	var out []*evertlink.Packet
	for _, p := range d.got {
		if p.Type() == id {
			out = append(out, p)
		}
	}
	return out
}

func (d *fakeDevice) propagated(t *testing.T) []device.State {
	t.Helper()
	var out []device.State
	for _, p := range d.received(evertlink.MsgSetPropagatedState) {
		m, err := evertlink.Decode[evertlink.SetPropagatedState](p)
		require.NoError(t, err)
		out = append(out, device.State(m.State))
	}
	return out
}

type harness struct {
	t       *testing.T
	ccu     *CCU
	bus     *evertlink.Bus
	devices map[evertlink.DeviceID]*fakeDevice
	elapsed uint32
}

func newHarness(t *testing.T, cfg Config, addrs ...evertlink.DeviceID) *harness {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)

	h := &harness{t: t, ccu: c, bus: evertlink.NewBus(), devices: map[evertlink.DeviceID]*fakeDevice{}}
	h.bus.Attach(c.Handler())
	for _, a := range addrs {
		dh, err := evertlink.NewHandler(evertlink.HandlerConfig{Address: a})
		require.NoError(t, err)
		d := &fakeDevice{h: dh}
		dh.SubscribeAll(func(p *evertlink.Packet) { d.got = append(d.got, p) })
		h.bus.Attach(dh)
		h.devices[a] = d
	}
	return h
}

func (h *harness) run(ticks int) {
	for i := 0; i < ticks; i++ {
		h.elapsed += tick
		h.bus.Pump()
		h.ccu.Tick(h.elapsed, tick)
		h.bus.Pump()
		for _, d := range h.devices {
			d.h.Process()
		}
	}
}

func (h *harness) from(addr evertlink.DeviceID, msg evertlink.Message) {
	h.t.Helper()
	require.NoError(h.t, h.devices[addr].h.Send(evertlink.DeviceCCU, msg))
}

func status(result, internal, propagated device.State) *evertlink.DeviceStatus {
	return &evertlink.DeviceStatus{Result: uint8(result), Internal: uint8(internal), Propagated: uint8(propagated)}
}

// handshake announces addr and reports it Operational under a propagated Operational.
func (h *harness) handshake(addr evertlink.DeviceID, kind evertlink.DeviceKind) {
	h.from(addr, &evertlink.Announcement{Kind: kind, Major: 1, Minor: 4})
	h.run(1)
	h.from(addr, status(device.Operational, device.Operational, device.Unknown))
	h.run(1)
	h.from(addr, status(device.Operational, device.Operational, device.Operational))
	h.run(1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{PingInterval: 1000, PeerTimeout: 1000})
	assert.Error(t, err)

	c, err := New(Config{})
	require.NoError(t, err)
	assert.Empty(t, c.Peers())
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)
	d := h.devices[evertlink.DeviceBoostConverter1]

	h.from(evertlink.DeviceBoostConverter1, &evertlink.Announcement{Kind: evertlink.KindBoostConverter, Major: 1, Minor: 4, RunID: "r1"})
	h.run(1)

	require.Len(t, d.received(evertlink.MsgHandshakeAck), 1)
	assert.Empty(t, d.received(evertlink.MsgSetPropagatedState), "nothing propagated before the first status")

	p, ok := h.ccu.Peer(evertlink.DeviceBoostConverter1)
	require.True(t, ok)
	assert.True(t, p.Acknowledged)
	assert.True(t, p.Online)
	assert.Equal(t, evertlink.KindBoostConverter, p.Kind)
	assert.Equal(t, "1.4.0", p.Version)
	assert.Equal(t, "r1", p.RunID)
}

func TestPropagatesOperationalOnce(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)
	d := h.devices[evertlink.DeviceBoostConverter1]

	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)
	h.run(10)
	assert.Equal(t, []device.State{device.Operational}, d.propagated(t))

	// the device reports it never got the command
	h.from(evertlink.DeviceBoostConverter1, status(device.Operational, device.Operational, device.Unknown))
	h.run(1)
	assert.Equal(t, []device.State{device.Operational, device.Operational}, d.propagated(t))

	p, _ := h.ccu.Peer(evertlink.DeviceBoostConverter1)
	assert.Equal(t, device.Operational, p.Propagated)
	assert.Equal(t, device.Operational, p.Result())
}

func TestEmergencyInterlock(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1, evertlink.DeviceInverter)
	boostDev := h.devices[evertlink.DeviceBoostConverter1]
	invDev := h.devices[evertlink.DeviceInverter]

	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)
	h.handshake(evertlink.DeviceInverter, evertlink.KindInverter)
	require.False(t, h.ccu.Interlocked())

	h.from(evertlink.DeviceInverter, status(device.EmergencyShutdown, device.EmergencyShutdown, device.Operational))
	h.run(1)

	assert.True(t, h.ccu.Interlocked())
	assert.Equal(t, []device.State{device.Operational, device.EmergencyShutdown}, boostDev.propagated(t))
	assert.Equal(t, []device.State{device.Operational}, invDev.propagated(t), "the source keeps Operational")

	// the boost converter now follows the propagated emergency; that alone must not latch
	h.from(evertlink.DeviceBoostConverter1, status(device.EmergencyShutdown, device.Operational, device.EmergencyShutdown))
	h.from(evertlink.DeviceInverter, status(device.Operational, device.Operational, device.Operational))
	h.run(1)

	assert.False(t, h.ccu.Interlocked())
	assert.Equal(t, []device.State{device.Operational, device.EmergencyShutdown, device.Operational}, boostDev.propagated(t))
	assert.Equal(t, []device.State{device.Operational}, invDev.propagated(t))
}

func TestInterlockDisabled(t *testing.T) {
	h := newHarness(t, Config{DisableInterlock: true}, evertlink.DeviceBoostConverter1, evertlink.DeviceInverter)
	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)
	h.handshake(evertlink.DeviceInverter, evertlink.KindInverter)

	h.from(evertlink.DeviceInverter, status(device.EmergencyShutdown, device.EmergencyShutdown, device.Operational))
	h.run(1)

	assert.False(t, h.ccu.Interlocked())
	assert.Equal(t, []device.State{device.Operational}, h.devices[evertlink.DeviceBoostConverter1].propagated(t))
}

func TestPin(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)
	d := h.devices[evertlink.DeviceBoostConverter1]
	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)

	require.NoError(t, h.ccu.Pin(evertlink.DeviceBoostConverter1, device.NonOperational))
	h.run(1)
	p, _ := h.ccu.Peer(evertlink.DeviceBoostConverter1)
	assert.True(t, p.Pinned)

	require.NoError(t, h.ccu.Unpin(evertlink.DeviceBoostConverter1))
	h.run(1)

	assert.Equal(t, []device.State{device.Operational, device.NonOperational, device.Operational}, d.propagated(t))
	assert.Error(t, h.ccu.Pin(evertlink.DeviceBoostConverter1, device.State(99)))
}

func TestBroadcastPing(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1, evertlink.DeviceInverter)

	h.run(99)
	assert.Empty(t, h.devices[evertlink.DeviceInverter].received(evertlink.MsgPing))

	h.run(1)
	for _, d := range h.devices {
		pings := d.received(evertlink.MsgPing)
		require.Len(t, pings, 1)
		assert.True(t, pings[0].IsBroadcast())
		m, err := evertlink.Decode[evertlink.Ping](pings[0])
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), m.UptimeMs)
	}
}

func TestPeerTimeout(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)
	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)

	h.run(290)
	p, _ := h.ccu.Peer(evertlink.DeviceBoostConverter1)
	assert.True(t, p.Online)

	h.run(20)
	p, _ = h.ccu.Peer(evertlink.DeviceBoostConverter1)
	assert.False(t, p.Online)
	assert.False(t, p.Acknowledged)
	assert.Equal(t, device.Unknown, p.Propagated)

	// a status brings it back and the propagated state is sent again
	h.from(evertlink.DeviceBoostConverter1, status(device.Operational, device.Operational, device.Operational))
	h.run(1)
	p, _ = h.ccu.Peer(evertlink.DeviceBoostConverter1)
	assert.True(t, p.Online)
	assert.Equal(t, device.Operational, p.Propagated)
	assert.Len(t, h.devices[evertlink.DeviceBoostConverter1].propagated(t), 2)
}

func TestRestartResetsPropagation(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)
	d := h.devices[evertlink.DeviceBoostConverter1]
	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)
	h.handshake(evertlink.DeviceBoostConverter1, evertlink.KindBoostConverter)

	assert.Len(t, d.received(evertlink.MsgHandshakeAck), 2)
	assert.Equal(t, []device.State{device.Operational, device.Operational}, d.propagated(t))
}

func TestMeasurementsAndErrors(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)

	h.from(evertlink.DeviceBoostConverter1, &evertlink.BoostMeasurements{VoltageIn: 31.5})
	h.from(evertlink.DeviceBoostConverter1, &evertlink.BoostMppt{DutyCycle: 0.4})
	h.from(evertlink.DeviceBoostConverter1, &evertlink.CommsMeasurements{RxPackets: 7})
	h.from(evertlink.DeviceBoostConverter1, &evertlink.Error{Code: evertlink.ErrorStateRejected, Command: evertlink.MsgSetDutyCycle})
	h.run(1)

	p, ok := h.ccu.Peer(evertlink.DeviceBoostConverter1)
	require.True(t, ok)
	require.NotNil(t, p.Boost)
	assert.InDelta(t, 31.5, p.Boost.VoltageIn, 1e-3)
	require.NotNil(t, p.Mppt)
	assert.InDelta(t, 0.4, p.Mppt.DutyCycle, 1e-3)
	require.NotNil(t, p.Comms)
	assert.Equal(t, uint32(7), p.Comms.RxPackets)
	assert.Equal(t, uint32(1), p.Errors)
	require.NotNil(t, p.LastError)
	assert.Equal(t, evertlink.MsgSetDutyCycle, p.LastError.Command)
	assert.False(t, p.Acknowledged)
}

func TestSendQueued(t *testing.T) {
	h := newHarness(t, Config{}, evertlink.DeviceBoostConverter1)

	require.NoError(t, h.ccu.Send(evertlink.DeviceBoostConverter1, &evertlink.SetDutyCycle{DutyCycle: 0.3}))
	assert.Empty(t, h.devices[evertlink.DeviceBoostConverter1].got, "queued until the next tick")

	h.run(1)
	assert.Len(t, h.devices[evertlink.DeviceBoostConverter1].received(evertlink.MsgSetDutyCycle), 1)

	for i := 0; i < queueDepth; i++ {
		require.NoError(t, h.ccu.Unpin(evertlink.DeviceInverter))
	}
	assert.ErrorIs(t, h.ccu.Unpin(evertlink.DeviceInverter), ErrQueueFull)
}

func TestFormatterNamesKindAlarms(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	pkt, err := evertlink.NewMessagePacket(evertlink.DeviceBoostConverter1, evertlink.DeviceCCU,
		&evertlink.DeviceStatus{Result: uint8(device.Operational), KindAlarms: 1})
	require.NoError(t, err)

	out := c.Formatter().Format(pkt)
	assert.True(t, strings.Contains(out, boost.AlarmName(0)), out)

	assert.Nil(t, AlarmNamer(evertlink.KindUnknown))
	assert.Equal(t, evertlink.KindInverter, KindOf(evertlink.DeviceInverter))
}
