package tele

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/dsmr2mqtt/log2"
)

func TestBrokerURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		c      MqttConfig
		expect string
		err    string
	}{
		{MqttConfig{Broker: "localhost"}, "tcp://localhost:1883", ""},
		{MqttConfig{Broker: "mq.lan", Port: 8883, UseTLS: true}, "ssl://mq.lan:8883", ""},
		{MqttConfig{Broker: "mq.lan:1884", Port: 9999}, "tcp://mq.lan:1884", ""},
		{MqttConfig{Broker: "mq.lan", Port: 80, Transport: "websockets", WsPath: "mqtt"}, "ws://mq.lan:80/mqtt", ""},
		{MqttConfig{Broker: "mq.lan", Port: 443, Transport: "websockets", UseTLS: true, WsPath: "/mqtt"}, "wss://mq.lan:443/mqtt", ""},
		{MqttConfig{Broker: "tls://mq.lan:8883"}, "tls://mq.lan:8883", ""},
		{MqttConfig{Broker: ""}, "", "broker=empty"},
		{MqttConfig{Broker: "mq.lan", Transport: "quic"}, "", "transport=quic"},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("%s/%s", c.c.Broker, c.c.Transport), func(t *testing.T) {
			url, err := BrokerURL(c.c)
			if c.err != "" {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err))
				assert.Contains(t, err.Error(), c.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, url)
		})
	}
}

func newTestMqttBroker(t testing.TB, c MqttConfig) (*MqttBroker, *MqttMock) {
	mock := NewMqttMock()
	b, err := newMqttBroker(c, log2.NewTest(t, log2.LDebug), mock.MockNew)
	require.NoError(t, err)
	return b, mock
}

func TestMqttBrokerOptions(t *testing.T) {
	t.Parallel()

	b, mock := newTestMqttBroker(t, MqttConfig{
		Broker:    "mq.lan",
		ClientID:  "dsmr-test",
		Username:  "user",
		Password:  "secret",
		WillTopic: "dsmr/status",
		WillQoS:   1,
	})
	assert.Equal(t, "tcp://mq.lan:1883", b.URL())
	require.NotNil(t, mock.Opt)
	assert.Equal(t, "dsmr-test", mock.Opt.ClientID)
	assert.Equal(t, "user", mock.Opt.Username)
	assert.True(t, mock.Opt.WillEnabled)
	assert.Equal(t, "dsmr/status", mock.Opt.WillTopic)
	assert.Equal(t, []byte(StatusOffline), mock.Opt.WillPayload)
	assert.True(t, mock.Opt.WillRetained)
	assert.Equal(t, byte(1), mock.Opt.WillQos)
	assert.True(t, mock.Opt.AutoReconnect)
}

func TestMqttBrokerClientID(t *testing.T) {
	t.Parallel()

	_, err := newMqttBroker(MqttConfig{Broker: "mq.lan"}, log2.NewTest(t, log2.LDebug), NewMqttMock().MockNew)
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
}

func TestMqttBrokerPublish(t *testing.T) {
	t.Parallel()

	b, mock := newTestMqttBroker(t, MqttConfig{Broker: "mq.lan", ClientID: "dsmr-test"})
	ctx := context.Background()

	err := b.Publish(ctx, "dsmr/reading", []byte("{}"), 1, false)
	require.Error(t, err)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))
	assert.False(t, b.Connected())

	b.Start()
	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mock.Connects())

	require.NoError(t, b.Publish(ctx, "dsmr/reading", []byte("{}"), 1, false))
	pubs := mock.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, MockMsg{T: "dsmr/reading", P: []byte("{}"), Q: 1, R: false}, pubs[0])

	mock.SetPublishError(errors.Timeoutf("test"))
	err = b.Publish(ctx, "dsmr/reading", []byte("{}"), 1, false)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))

	mock.SetPublishError(errors.New("broker rejected"))
	err = b.Publish(ctx, "dsmr/reading", []byte("{}"), 1, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker rejected")

	b.Close(0)
	assert.False(t, b.Connected())
}

func TestMqttBrokerExpiredContext(t *testing.T) {
	t.Parallel()

	b, mock := newTestMqttBroker(t, MqttConfig{Broker: "mq.lan", ClientID: "dsmr-test"})
	mock.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	err := b.Publish(ctx, "dsmr/reading", []byte("{}"), 0, false)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}
