package watch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/dsmr2mqtt/state"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		modify func(*state.Config)
		url    string
		tls    bool
		topics []string
	}
	cases := []Case{
		{name: "default", modify: func(*state.Config) {},
			url: "tcp://192.168.1.1:1883", topics: []string{"dsmr/#", "homeassistant/sensor/mqtt_dsmr/#"}},
		{name: "tls", modify: func(c *state.Config) {
			c.Mqtt.UseTLS = true
			c.Mqtt.Port = 8883
			c.Discovery.Enabled = false
		}, url: "tls://192.168.1.1:8883", tls: true, topics: []string{"dsmr/#"}},
		{name: "wss", modify: func(c *state.Config) {
			c.Mqtt.Broker = "mq.lan"
			c.Mqtt.Transport = "websockets"
			c.Mqtt.WsPath = "mqtt"
			c.Mqtt.UseTLS = true
			c.Mqtt.TopicPrefix = "meter"
			c.Discovery.NodeID = "house"
		}, url: "wss://mq.lan:1883/mqtt", tls: true, topics: []string{"meter/#", "homeassistant/sensor/house/#"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg := state.NewConfig()
			c.modify(cfg)
			opt, err := Options(cfg, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, c.url, opt.BrokerURL)
			assert.Equal(t, c.tls, opt.TLS != nil)
			assert.Equal(t, c.topics, opt.Topics)
			assert.True(t, strings.HasPrefix(opt.ClientID, "dsmr-watch-"), opt.ClientID)
			assert.Equal(t, uint16(600), opt.KeepaliveSec)
			assert.Equal(t, packet.QOS(1), opt.QOS)
		})
	}
}

func TestOptionsPrint(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	opt, err := Options(state.NewConfig(), &out)
	require.NoError(t, err)
	require.NoError(t, opt.OnMessage(&packet.Message{Topic: "dsmr/status", Payload: []byte("online"), Retain: true}))
	assert.Contains(t, out.String(), `Topic="dsmr/status" QOS=0 Retain=true Payload="online"`)
}

func TestOptionsInvalid(t *testing.T) {
	t.Parallel()

	cfg := state.NewConfig()
	cfg.Mqtt.Transport = "quic"
	_, err := Options(cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport=quic")
}
