package evertlink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

// ============================================================
// FIFO Tests
// ============================================================

func TestFIFO_Order(t *testing.T) {
	f, err := NewFIFO[int](4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		if err := f.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := f.Push(5); !errors.Is(err, ErrFIFOFull) {
		t.Errorf("expected ErrFIFOFull, got %v", err)
	}
	for i := 1; i <= 4; i++ {
		v, err := f.Pop()
		if err != nil || v != i {
			t.Fatalf("pop: got %d, %v; want %d", v, err, i)
		}
	}
	if _, err := f.Pop(); !errors.Is(err, ErrFIFOEmpty) {
		t.Errorf("expected ErrFIFOEmpty, got %v", err)
	}
}

func TestFIFO_CapacityRoundsUp(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{1, 1}, {2, 2}, {3, 4}, {32, 32}, {33, 64},
	}
	for _, tt := range tests {
		f, err := NewFIFO[byte](tt.in)
		if err != nil {
			t.Fatalf("NewFIFO(%d): %v", tt.in, err)
		}
		if f.Cap() != tt.want {
			t.Errorf("NewFIFO(%d).Cap() = %d, want %d", tt.in, f.Cap(), tt.want)
		}
	}

	for _, bad := range []int{0, -1, MaxFIFOCapacity + 1} {
		if _, err := NewFIFO[byte](bad); err == nil {
			t.Errorf("NewFIFO(%d): expected error", bad)
		}
	}
}

func TestFIFO_Wraparound(t *testing.T) {
	f, _ := NewFIFO[int](2)
	for i := 0; i < 100; i++ {
		if err := f.Push(i); err != nil {
			t.Fatal(err)
		}
		if f.Len() != 1 {
			t.Fatalf("len %d", f.Len())
		}
		v, err := f.Pop()
		if err != nil || v != i {
			t.Fatalf("pop: got %d, %v; want %d", v, err, i)
		}
	}
}

func TestFIFO_ReadableEdge(t *testing.T) {
	f, _ := NewFIFO[int](4)
	_ = f.Push(1)
	_ = f.Push(2)

	select {
	case <-f.Readable():
	default:
		t.Fatal("no signal on empty -> non-empty")
	}
	select {
	case <-f.Readable():
		t.Fatal("second push must not signal again")
	default:
	}
}

func TestFIFO_ConcurrentSPSC(t *testing.T) {
	const n = 10000
	f, _ := NewFIFO[int](16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if f.Push(i) == nil {
				i++
			}
		}
	}()

	for want := 0; want < n; {
		v, err := f.Pop()
		if err != nil {
			continue
		}
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
	wg.Wait()
}

// ============================================================
// Handler Tests
// ============================================================

func newTestHandler(t *testing.T, addr DeviceID, promiscuous bool) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{Address: addr, Promiscuous: promiscuous})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHandler_FiltersByTarget(t *testing.T) {
	h := newTestHandler(t, DeviceBoostConverter1, false)

	var got []MessageID
	h.SubscribeAll(func(p *Packet) { got = append(got, p.Type()) })

	for _, target := range []DeviceID{DeviceBoostConverter1, DeviceBoostConverter2, DeviceBroadcast} {
		p, _ := NewMessagePacket(DeviceCCU, target, &Ping{})
		if err := h.Receive(p); err != nil {
			t.Fatal(err)
		}
	}

	if s := h.Process(); s != StatusOK {
		t.Errorf("status %s", s)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 delivered packets, got %d", len(got))
	}
	if h.Stats().RxFiltered != 1 || h.Stats().RxPackets != 3 {
		t.Errorf("stats %+v", h.Stats())
	}
	if s := h.Process(); s != StatusIdle {
		t.Errorf("empty queue: status %s", s)
	}
}

func TestHandler_Promiscuous(t *testing.T) {
	h := newTestHandler(t, DeviceCCU, true)
	n := 0
	h.SubscribeAll(func(*Packet) { n++ })

	p, _ := NewMessagePacket(DeviceBoostConverter1, DeviceInverter, &Ping{})
	_ = h.Receive(p)
	h.Process()
	if n != 1 {
		t.Errorf("promiscuous handler must see every packet, saw %d", n)
	}
}

func TestHandler_SubscribeRoutesByMessage(t *testing.T) {
	h := newTestHandler(t, DeviceInverter, false)

	var pings, fallback int
	h.Subscribe(MsgPing, func(*Packet) { pings++ })
	h.SubscribeAll(func(*Packet) { fallback++ })

	ping, _ := NewMessagePacket(DeviceCCU, DeviceInverter, &Ping{})
	ack, _ := NewMessagePacket(DeviceCCU, DeviceInverter, &HandshakeAck{})
	_ = h.Receive(ping)
	_ = h.Receive(ack)
	h.Process()

	if pings != 1 || fallback != 1 {
		t.Errorf("pings=%d fallback=%d", pings, fallback)
	}
}

func TestHandler_MaxPerProcess(t *testing.T) {
	h, _ := NewHandler(HandlerConfig{Address: DeviceInverter, MaxPerProcess: 2})
	for i := 0; i < 5; i++ {
		p, _ := NewMessagePacket(DeviceCCU, DeviceInverter, &Ping{UptimeMs: uint32(i)})
		_ = h.Receive(p)
	}

	if s := h.Process(); s != StatusProcessingReceivedData {
		t.Errorf("status %s", s)
	}
	h.Process()
	if s := h.Process(); s != StatusOK {
		t.Errorf("status %s", s)
	}
}

func TestHandler_WaitsForTxSpace(t *testing.T) {
	h, _ := NewHandler(HandlerConfig{Address: DeviceInverter, TxCapacity: 1})
	h.SubscribeAll(func(*Packet) {})

	_ = h.Send(DeviceCCU, &Ping{})
	in, _ := NewMessagePacket(DeviceCCU, DeviceInverter, &Ping{})
	_ = h.Receive(in)

	if s := h.Process(); s != StatusWaitingForInternalBuffer {
		t.Errorf("status %s", s)
	}
	if _, err := h.NextOutgoing(); err != nil {
		t.Fatal(err)
	}
	if s := h.Process(); s != StatusOK {
		t.Errorf("status %s", s)
	}
}

func TestHandler_DropsCounted(t *testing.T) {
	h, _ := NewHandler(HandlerConfig{Address: DeviceInverter, RxCapacity: 1, TxCapacity: 1})
	p, _ := NewMessagePacket(DeviceCCU, DeviceInverter, &Ping{})

	_ = h.Receive(p)
	if err := h.Receive(p); !errors.Is(err, ErrFIFOFull) {
		t.Errorf("expected ErrFIFOFull, got %v", err)
	}
	_ = h.Send(DeviceCCU, &Ping{})
	if err := h.Send(DeviceCCU, &Ping{}); !errors.Is(err, ErrFIFOFull) {
		t.Errorf("expected ErrFIFOFull, got %v", err)
	}

	s := h.Stats()
	if s.RxDropped != 1 || s.TxDropped != 1 {
		t.Errorf("stats %+v", s)
	}
}

func TestHandler_SendUsesAddress(t *testing.T) {
	h := newTestHandler(t, DeviceBroadcast, false)
	h.SetAddress(DeviceBoostConverter2)

	if err := h.Send(DeviceCCU, &Ping{UptimeMs: 9}); err != nil {
		t.Fatal(err)
	}
	p, err := h.NextOutgoing()
	if err != nil {
		t.Fatal(err)
	}
	if p.Source() != DeviceBoostConverter2 || p.Target() != DeviceCCU {
		t.Errorf("addressing %s->%s", p.Source(), p.Target())
	}
	if h.Stats().TxPackets != 1 {
		t.Errorf("stats %+v", h.Stats())
	}
}

// ============================================================
// Bus Tests
// ============================================================

func TestBus_DeliversToOtherNodes(t *testing.T) {
	bus := NewBus()
	ccu := newTestHandler(t, DeviceCCU, true)
	boost := newTestHandler(t, DeviceBoostConverter1, false)
	inverter := newTestHandler(t, DeviceInverter, false)
	for _, h := range []*Handler{ccu, boost, inverter} {
		bus.Attach(h)
	}

	var tapped, atBoost, atInverter, atCCU int
	bus.Tap(func(*Packet) { tapped++ })
	boost.SubscribeAll(func(*Packet) { atBoost++ })
	inverter.SubscribeAll(func(*Packet) { atInverter++ })
	ccu.SubscribeAll(func(*Packet) { atCCU++ })

	_ = ccu.Send(DeviceBoostConverter1, &HandshakeAck{})
	_ = boost.Send(DeviceCCU, &Ping{})

	if n := bus.Pump(); n != 2 {
		t.Errorf("pumped %d packets, want 2", n)
	}
	for _, h := range []*Handler{ccu, boost, inverter} {
		h.Process()
	}

	if tapped != 2 {
		t.Errorf("tap saw %d packets", tapped)
	}
	if atBoost != 1 || atInverter != 0 || atCCU != 1 {
		t.Errorf("boost=%d inverter=%d ccu=%d", atBoost, atInverter, atCCU)
	}
	if inverter.Stats().RxFiltered != 2 {
		t.Errorf("inverter filtered %d", inverter.Stats().RxFiltered)
	}
}

// ============================================================
// Stream Tests
// ============================================================

type loopback struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestStream_ReadAndFlush(t *testing.T) {
	h := newTestHandler(t, DeviceBoostConverter1, false)
	rw := &loopback{}
	stats := NewStatistics()
	s := NewStream(h, rw, stats, nil)

	rw.in.Write(mustEncode(t, DeviceCCU, DeviceBoostConverter1, &SetDutyCycle{DutyCycle: 0.25}))
	rw.in.Write([]byte{StartByte, 0x01, EndByte}) // truncated frame
	rw.in.Write(mustEncode(t, DeviceCCU, DeviceBoostConverter1, &SetDutyCycle{DutyCycle: 1.5}))

	if _, err := s.ReadOnce(); err != nil {
		t.Fatal(err)
	}

	var duties []float32
	h.Subscribe(MsgSetDutyCycle, func(p *Packet) {
		m, _ := Decode[SetDutyCycle](p)
		duties = append(duties, m.DutyCycle)
	})
	h.Process()
	if len(duties) != 2 || duties[0] != 0.25 {
		t.Errorf("duties %v", duties)
	}

	if stats.TotalPackets != 3 || stats.ValidPackets != 1 || stats.DecodeErrors != 1 || stats.InvalidDuty != 1 {
		t.Errorf("stats %+v", stats)
	}

	_ = h.Send(DeviceCCU, &Ping{UptimeMs: 5})
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	packets, errs := decodeAll(rw.out.Bytes())
	if len(errs) != 0 || len(packets) != 1 || packets[0].Type() != MsgPing {
		t.Errorf("flushed %d packets, errors %v", len(packets), errs)
	}
}

// ============================================================
// Gateway Tests
// ============================================================

func TestGateway_ForwardsBothWays(t *testing.T) {
	bus := NewBus()
	boost := newTestHandler(t, DeviceBoostConverter1, false)
	gw, err := NewGateway(HandlerConfig{Address: DeviceCCU})
	if err != nil {
		t.Fatal(err)
	}
	bus.Attach(boost)
	bus.Attach(gw.BusSide())

	var atBoost []MessageID
	boost.SubscribeAll(func(p *Packet) { atBoost = append(atBoost, p.Type()) })

	// device -> link
	_ = boost.Send(DeviceCCU, &Ping{UptimeMs: 10})
	bus.Pump()
	gw.Process()

	p, err := gw.LinkSide().NextOutgoing()
	if err != nil {
		t.Fatalf("nothing forwarded to the link: %v", err)
	}
	if p.Type() != MsgPing || p.Source() != DeviceBoostConverter1 {
		t.Errorf("forwarded %s from %s", p.Type(), p.Source())
	}

	// link -> device
	ack, err := NewMessagePacket(DeviceCCU, DeviceBoostConverter1, &HandshakeAck{})
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.LinkSide().Receive(ack); err != nil {
		t.Fatal(err)
	}
	gw.Process()
	bus.Pump()
	boost.Process()

	if len(atBoost) != 1 || atBoost[0] != MsgHandshakeAck {
		t.Errorf("boost received %v", atBoost)
	}
}
