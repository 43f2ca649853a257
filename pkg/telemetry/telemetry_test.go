package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/evert-power/evertctl/pkg/boost"
	"github.com/evert-power/evertctl/pkg/ccu"
	"github.com/evert-power/evertctl/pkg/device"
	"github.com/evert-power/evertctl/pkg/evertlink"
)

type token struct {
	done bool
	err  error
}

func (t token) Wait() bool                     { return t.done }
func (t token) WaitTimeout(time.Duration) bool { return t.done }
func (t token) Error() error                   { return t.err }
func (t token) Done() <-chan struct{} {
	c := make(chan struct{})
	if t.done {
		close(c)
	}
	return c
}

var acked = token{done: true}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqtt.Token)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func boostPeer() ccu.Peer {
	return ccu.Peer{
		Address:      evertlink.DeviceBoostConverter1,
		Kind:         evertlink.KindBoostConverter,
		Version:      "1.2.3",
		RunID:        "run",
		Acknowledged: true,
		Online:       true,
		HaveStatus:   true,
		Status: evertlink.DeviceStatus{
			Result:     uint8(device.OperationalWarning),
			Internal:   uint8(device.OperationalWarning),
			Propagated: uint8(device.Operational),
			Alarms1:    1 << 2,
			KindAlarms: 1 << 0,
		},
		Propagated: device.Operational,
		Boost:      &evertlink.BoostMeasurements{VoltageIn: 40, CurrentIn: 9.5, PowerIn: 380, DutyCycle: 0.5},
	}
}

func payloadOf(t *testing.T, c *mockClient, topic string) []byte {
	t.Helper()
	for _, call := range c.Calls {
		if call.Method == "Publish" && call.Arguments.String(0) == topic {
			switch p := call.Arguments.Get(3).(type) {
			case []byte:
				return p
			case string:
				return []byte(p)
			}
		}
	}
	t.Fatalf("nothing published to %s", topic)
	return nil
}

func TestPublishPeer(t *testing.T) {
	c := &mockClient{}
	c.On("Publish", "evert/boost1/state", byte(0), true, mock.Anything).Return(acked).Once()
	c.On("Publish", "evert/boost1/alarms", byte(0), true, mock.Anything).Return(acked).Once()
	c.On("Publish", "evert/boost1/measurements", byte(0), false, mock.Anything).Return(acked).Once()

	p := New(c, Config{})
	require.NoError(t, p.PublishPeer(boostPeer()))
	c.AssertExpectations(t)
	assert.Equal(t, uint64(3), p.Published())

	var st State
	require.NoError(t, json.Unmarshal(payloadOf(t, c, "evert/boost1/state"), &st))
	assert.Equal(t, "boost", st.Kind)
	assert.Equal(t, "OperationalWarning", st.Result)
	assert.Equal(t, "Operational", st.Propagated)
	assert.Equal(t, "Operational", st.Commanded)
	assert.True(t, st.Online)

	var al Alarms
	require.NoError(t, json.Unmarshal(payloadOf(t, c, "evert/boost1/alarms"), &al))
	assert.Equal(t, uint32(4), al.Device)
	assert.Equal(t, []string{device.AlarmIndex(2).String(), boost.AlarmName(0)}, al.Active)

	var m map[string]float64
	require.NoError(t, json.Unmarshal(payloadOf(t, c, "evert/boost1/measurements"), &m))
	assert.InDelta(t, 380, m["power_in"], 1e-3)
	assert.InDelta(t, 0.5, m["duty_cycle"], 1e-3)
}

func TestPeerWithoutData(t *testing.T) {
	c := &mockClient{}
	c.On("Publish", mock.Anything, byte(1), true, mock.Anything).Return(acked).Twice()

	p := New(c, Config{Prefix: "site", QoS: 1})
	require.NoError(t, p.PublishPeer(ccu.Peer{Address: evertlink.DeviceInverter}))
	c.AssertExpectations(t)
	c.AssertNotCalled(t, "Publish", "site/inverter/measurements", mock.Anything, mock.Anything, mock.Anything)

	var st State
	require.NoError(t, json.Unmarshal(payloadOf(t, c, "site/inverter/state"), &st))
	assert.Equal(t, "Unknown", st.Result)

	assert.JSONEq(t, `{"device":0,"kind":0,"active":[]}`, string(payloadOf(t, c, "site/inverter/alarms")))
}

func TestDiscoveryPublishedOnce(t *testing.T) {
	isDiscovery := mock.MatchedBy(func(topic string) bool { return strings.HasPrefix(topic, "homeassistant/") })
	c := &mockClient{}
	c.On("Publish", isDiscovery, byte(0), true, mock.Anything).Return(acked)
	c.On("Publish", mock.Anything, byte(0), mock.Anything, mock.Anything).Return(acked)

	p := New(c, Config{Discovery: true})
	peer := boostPeer()
	require.NoError(t, p.Publish([]ccu.Peer{peer}))
	require.NoError(t, p.Publish([]ccu.Peer{peer}))

	discovery := 0
	for _, call := range c.Calls {
		if strings.HasPrefix(call.Arguments.String(0), "homeassistant/") {
			discovery++
		}
	}
	assert.Equal(t, 2+len(boostEntities), discovery)

	var cfg HassConfig
	require.NoError(t, json.Unmarshal(payloadOf(t, c, "homeassistant/sensor/evert_boost1/power_in/config"), &cfg))
	assert.Equal(t, "evert/boost1/measurements", cfg.StateTopic)
	assert.Equal(t, "{{ value_json.power_in }}", cfg.ValueTemplate)
	assert.Equal(t, "evert/status", cfg.AvailabilityTopic)
	assert.Equal(t, "W", cfg.UnitOfMeasurement)
	assert.Equal(t, "measurement", cfg.StateClass)
	assert.Equal(t, "evert_boost1", cfg.Device.IDs)
	assert.Equal(t, "1.2.3", cfg.Device.SWVersion)
}

func TestDiscoverySkipsUnknownKind(t *testing.T) {
	c := &mockClient{}
	c.On("Publish", mock.Anything, byte(0), true, mock.Anything).Return(acked)

	p := New(c, Config{Discovery: true})
	require.NoError(t, p.PublishPeer(ccu.Peer{Address: evertlink.DeviceBoostConverter2}))
	assert.Len(t, c.Calls, 2)
}

func TestDiscoveryConfigsInverter(t *testing.T) {
	p := New(&mockClient{}, Config{})
	configs := p.DiscoveryConfigs(ccu.Peer{Address: evertlink.DeviceInverter, Kind: evertlink.KindInverter})
	assert.Len(t, configs, 2+len(inverterEntities))

	state, found := configs["homeassistant/sensor/evert_inverter/state/config"]
	require.True(t, found)
	assert.Equal(t, "evert/inverter/state", state.StateTopic)
	assert.Empty(t, state.StateClass)
}

func TestOnlineAndClose(t *testing.T) {
	c := &mockClient{}
	c.On("Publish", "evert/status", byte(0), true, "online").Return(acked).Once()
	c.On("Publish", "evert/status", byte(0), true, "offline").Return(acked).Once()
	c.On("Disconnect", uint(250)).Once()

	p := New(c, Config{})
	require.NoError(t, p.Online(true))
	require.NoError(t, p.Close())
	c.AssertExpectations(t)
}

func TestPublishFailures(t *testing.T) {
	tests := []struct {
		name string
		tok  token
		want error
	}{
		{"timeout", token{}, ErrTimeout},
		{"broker error", token{done: true, err: errors.New("not authorised")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockClient{}
			c.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tt.tok)

			p := New(c, Config{Timeout: time.Millisecond})
			err := p.Publish([]ccu.Peer{boostPeer(), {Address: evertlink.DeviceInverter}})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Contains(t, err.Error(), "evert/boost1/state")
			assert.Contains(t, err.Error(), "evert/inverter/state")
			assert.Zero(t, p.Published())
		})
	}
}

func TestClientOptions(t *testing.T) {
	opts := ClientOptions(Config{
		Broker:   "tcp://localhost:1883",
		Username: "solar",
		Password: "secret",
		Prefix:   "site",
		QoS:      1,
	}, nil)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.True(t, strings.HasPrefix(opts.ClientID, "evertctl-"))
	assert.Equal(t, "solar", opts.Username)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "site/status", opts.WillTopic)
	assert.Equal(t, "offline", string(opts.WillPayload))
	assert.Equal(t, byte(1), opts.WillQos)
	assert.True(t, opts.WillRetained)
}
