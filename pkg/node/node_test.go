package node

import (
	"errors"
	"testing"

	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
	"github.com/evert-power/evertctl/pkg/signal"
	"github.com/evert-power/evertctl/pkg/statusreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindAlarm uint8

var kindMatrix = device.Matrix[kindAlarm]{
	Emergency:      []kindAlarm{0},
	NonOperational: []kindAlarm{1},
	Warning:        []kindAlarm{2},
}

type fakeKind struct {
	reg      statusreg.Register[kindAlarm]
	entered  []device.State
	controls int
	result   device.State
}

func (k *fakeKind) OnEnter(state, _ device.State) { k.entered = append(k.entered, state) }
func (k *fakeKind) Evaluate(uint32)               {}

func (k *fakeKind) Control(result device.State, _ uint32) {
	k.controls++
	k.result = result
}

func (k *fakeKind) Telemetry(send Sender) {
	send(&evertlink.BoostMeasurements{VoltageIn: 42})
}

func (k *fakeKind) Alarms() uint32 { return k.reg.Word() }

func (k *fakeKind) InjectFault(index uint8, set bool) error {
	if index > 2 {
		return errors.New("no such alarm")
	}
	if set {
		k.reg.SetBit(kindAlarm(index))
	} else {
		k.reg.ClearBit(kindAlarm(index))
	}
	return nil
}

func (k *fakeKind) classification() device.Classification[kindAlarm] {
	return device.Classification[kindAlarm]{Register: &k.reg, Matrix: kindMatrix}
}

const tick = 10

// harness wires one node and a CCU handler onto an in-memory bus.
type harness struct {
	t       *testing.T
	node    *Node
	kind    *fakeKind
	bus     *evertlink.Bus
	ccu     *evertlink.Handler
	got     []*evertlink.Packet
	elapsed uint32

	cpuTemp signal.Cell
	vref    signal.Cell
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, kind: &fakeKind{}, bus: evertlink.NewBus()}
	h.cpuTemp.Store(25)
	h.vref.Store(1210)

	n, err := New(Config{
		Address: evertlink.DeviceBoostConverter1,
		Kind:    evertlink.KindBoostConverter,
		RunID:   "run-1",
		CPUTemp: &h.cpuTemp,
		Vref:    &h.vref,
	})
	require.NoError(t, err)
	n.Attach(h.kind, h.kind.classification())
	h.node = n

	h.ccu, err = evertlink.NewHandler(evertlink.HandlerConfig{Address: evertlink.DeviceCCU, RxCapacity: 256})
	require.NoError(t, err)
	h.ccu.SubscribeAll(func(p *evertlink.Packet) { h.got = append(h.got, p) })

	h.bus.Attach(n.Handler())
	h.bus.Attach(h.ccu)
	n.Init()
	return h
}

func (h *harness) run(ticks int) {
	for i := 0; i < ticks; i++ {
		h.elapsed += tick
		h.bus.Pump()
		h.node.Tick(h.elapsed, tick)
		h.bus.Pump()
		h.ccu.Process()
	}
}

func (h *harness) send(target evertlink.DeviceID, msg evertlink.Message) {
	h.t.Helper()
	require.NoError(h.t, h.ccu.Send(target, msg))
}

func (h *harness) received(id evertlink.MessageID) []*evertlink.Packet {
	var out []*evertlink.Packet
	for _, p := range h.got {
		if p.Type() == id {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) errors() []evertlink.Error {
	var out []evertlink.Error
	for _, p := range h.received(evertlink.MsgError) {
		m, err := evertlink.Decode[evertlink.Error](p)
		require.NoError(h.t, err)
		out = append(out, m)
	}
	return out
}

// boot runs until the node announces, acknowledges it and checks the node is running.
func (h *harness) boot() {
	h.t.Helper()
	for i := 0; i < 400 && len(h.received(evertlink.MsgAnnouncement)) == 0; i++ {
		h.run(1)
	}
	require.NotEmpty(h.t, h.received(evertlink.MsgAnnouncement), "node never announced")
	require.Equal(h.t, device.HandshakeAnnouncing, h.node.Machine().Result())

	h.send(h.node.Address(), &evertlink.HandshakeAck{})
	h.run(1)
	require.Equal(h.t, device.Operational, h.node.Machine().Result())
}

func TestNewRequiresInputs(t *testing.T) {
	_, err := New(Config{Address: evertlink.DeviceBoostConverter1})
	assert.Error(t, err)

	_, err = New(Config{
		Address:   evertlink.DeviceBoostConverter1,
		CPUTemp:   signal.Const(25),
		Vref:      signal.Const(1210),
		Intervals: device.Intervals{Announcement: 1000},
	})
	assert.Error(t, err, "zero task interval")
}

func TestBootHandshakeOperational(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, device.BootingSensors, h.node.Machine().Result())

	h.boot()

	ann, err := evertlink.Decode[evertlink.Announcement](h.received(evertlink.MsgAnnouncement)[0])
	require.NoError(t, err)
	assert.Equal(t, evertlink.KindBoostConverter, ann.Kind)
	assert.Equal(t, uint8(VersionMajor), ann.Major)
	assert.Equal(t, "run-1", ann.RunID)

	assert.Equal(t, []device.State{
		device.BootingSensors,
		device.BootingComms,
		device.BootingDone,
		device.HandshakeAnnouncing,
		device.HandshakeAcknowledged,
		device.NonOperational,
		device.Operational,
	}, h.kind.entered)
	assert.Equal(t, device.Operational, h.kind.result)

	announcements := len(h.received(evertlink.MsgAnnouncement))
	h.run(100)
	assert.Len(t, h.received(evertlink.MsgAnnouncement), announcements, "announcing stops after the ack")
	assert.NotEmpty(t, h.received(evertlink.MsgBoostMeasurements))
	assert.NotEmpty(t, h.received(evertlink.MsgPing))
	assert.NotEmpty(t, h.received(evertlink.MsgCommsMeasurements))
	assert.Empty(t, h.errors())
}

func TestHandshakeAckOnlyFromCCU(t *testing.T) {
	h := newHarness(t)
	other, err := evertlink.NewHandler(evertlink.HandlerConfig{Address: evertlink.DeviceBoostConverter2})
	require.NoError(t, err)
	h.bus.Attach(other)

	for i := 0; i < 400 && h.node.Machine().Result() != device.HandshakeAnnouncing; i++ {
		h.run(1)
	}
	require.Equal(t, device.HandshakeAnnouncing, h.node.Machine().Result())

	require.NoError(t, other.Send(h.node.Address(), &evertlink.HandshakeAck{}))
	h.run(1)
	assert.Equal(t, device.HandshakeAnnouncing, h.node.Machine().Result())
}

func TestStatusCache(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.run(10)
	require.Len(t, h.received(evertlink.MsgDeviceStatus), 1)

	// nine unchanged fires are absorbed by the cache
	h.run(90)
	assert.Len(t, h.received(evertlink.MsgDeviceStatus), 1)
	assert.Equal(t, uint32(9), h.node.Snapshot().CacheSaves)

	// the tenth goes out regardless
	h.run(10)
	assert.Len(t, h.received(evertlink.MsgDeviceStatus), 2)

	// a change goes out on the next fire
	h.send(h.node.Address(), &evertlink.InjectFault{Register: FaultRegisterKind, Index: 2, Set: true})
	h.run(10)
	statuses := h.received(evertlink.MsgDeviceStatus)
	require.Len(t, statuses, 3)
	last, err := evertlink.Decode[evertlink.DeviceStatus](statuses[2])
	require.NoError(t, err)
	assert.Equal(t, uint8(device.OperationalWarning), last.Result)
	assert.Equal(t, uint32(1<<2), last.KindAlarms)
}

func TestSetPropagatedState(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.send(h.node.Address(), &evertlink.SetPropagatedState{State: uint8(device.NonOperational)})
	h.run(1)
	g := h.node.Machine().Snapshot()
	assert.Equal(t, device.NonOperational, g.Result)
	assert.Equal(t, device.Operational, g.Internal)
	assert.Equal(t, device.NonOperational, h.kind.result)

	h.send(h.node.Address(), &evertlink.SetPropagatedState{State: uint8(device.Operational)})
	h.run(1)
	assert.Equal(t, device.Operational, h.node.Machine().Result())

	h.send(h.node.Address(), &evertlink.SetPropagatedState{State: 200})
	h.run(1)
	require.Len(t, h.errors(), 1)
	assert.Equal(t, evertlink.ErrorStateRejected, h.errors()[0].Code)
	assert.Equal(t, evertlink.MsgSetPropagatedState, h.errors()[0].Command)
}

func TestInjectFault(t *testing.T) {
	tests := []struct {
		name  string
		fault evertlink.InjectFault
		want  device.State
	}{
		{"device hal fault", evertlink.InjectFault{Register: FaultRegisterDevice, Index: uint8(device.AlarmBootSelftest), Set: true}, device.NonOperational},
		{"device comms fault", evertlink.InjectFault{Register: FaultRegisterDevice, Index: uint8(device.AlarmCriticalComms), Set: true}, device.EmergencyShutdown},
		{"kind emergency", evertlink.InjectFault{Register: FaultRegisterKind, Index: 0, Set: true}, device.EmergencyShutdown},
		{"kind warning", evertlink.InjectFault{Register: FaultRegisterKind, Index: 2, Set: true}, device.OperationalWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.boot()

			h.send(h.node.Address(), &tt.fault)
			h.run(1)
			assert.Equal(t, tt.want, h.node.Machine().Result())

			cleared := tt.fault
			cleared.Set = false
			h.send(h.node.Address(), &cleared)
			h.run(1)
			assert.Equal(t, device.Operational, h.node.Machine().Result())
			assert.Empty(t, h.errors())
		})
	}
}

func TestInjectFaultRejected(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.send(h.node.Address(), &evertlink.InjectFault{Register: 9, Index: 0, Set: true})
	h.send(h.node.Address(), &evertlink.InjectFault{Register: FaultRegisterKind, Index: 7, Set: true})
	h.send(h.node.Address(), &evertlink.InjectFault{Register: FaultRegisterDevice, Index: 40, Set: true})
	h.run(1)

	errs := h.errors()
	require.Len(t, errs, 3)
	for _, e := range errs {
		assert.Equal(t, evertlink.ErrorInvalidPayload, e.Code)
	}
	assert.Equal(t, device.Operational, h.node.Machine().Result())
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.send(h.node.Address(), &evertlink.SetMode{Mode: evertlink.ModeManual})
	h.send(evertlink.DeviceBroadcast, &evertlink.SetMode{Mode: evertlink.ModeManual})
	h.run(1)

	errs := h.errors()
	require.Len(t, errs, 1, "broadcasts are never answered")
	assert.Equal(t, evertlink.ErrorUnknownCommand, errs[0].Code)
	assert.Equal(t, evertlink.MsgSetMode, errs[0].Command)
}

func TestPingWatchdog(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.send(evertlink.DeviceBroadcast, &evertlink.Ping{})
	h.run(100)
	assert.Equal(t, device.Operational, h.node.Machine().Result())

	h.run(30)
	assert.Equal(t, device.EmergencyShutdown, h.node.Machine().Result())
	assert.True(t, h.node.DeviceAlarms().Register().IsSet(device.AlarmCriticalComms))
	assert.Equal(t, 100*device.DefaultIntervals().Data, h.node.Machine().Scheduler().Interval(device.TaskData))

	h.send(evertlink.DeviceBroadcast, &evertlink.Ping{})
	h.run(1)
	assert.Equal(t, device.Operational, h.node.Machine().Result())
	assert.Equal(t, device.DefaultIntervals().Data, h.node.Machine().Scheduler().Interval(device.TaskData))
}

func TestCPUTemperatureWarning(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.cpuTemp.Store(75)
	h.run(1)
	assert.Equal(t, device.OperationalWarning, h.node.Machine().Result())

	h.cpuTemp.Store(90)
	h.run(1)
	assert.Equal(t, device.EmergencyShutdown, h.node.Machine().Result())

	h.cpuTemp.Store(25)
	h.run(1)
	assert.Equal(t, device.Operational, h.node.Machine().Result())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.send(h.node.Address(), &evertlink.InjectFault{Register: FaultRegisterKind, Index: 2, Set: true})
	h.run(20)

	s := h.node.Snapshot()
	assert.Equal(t, evertlink.DeviceBoostConverter1, s.Address)
	assert.Equal(t, evertlink.KindBoostConverter, s.Kind)
	assert.Equal(t, device.OperationalWarning, s.State.Result)
	assert.Equal(t, uint32(1<<2), s.KindAlarms)
	assert.Equal(t, h.elapsed, s.UptimeMs)
	assert.NotZero(t, s.Link.TxPackets)
	assert.NotZero(t, s.Link.RxPackets)
}
