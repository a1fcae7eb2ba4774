package tele

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	DefaultNetworkTimeout = 10 * time.Second
	defaultKeepalive      = 60 * time.Second
	defaultPort           = 1883
)

var ErrNotConnected = errors.New("MQTT not connected")

type MqttConfig struct {
	// Host, host:port or full URL like tcp://host:1883.
	Broker string
	Port   int
	// "tcp" or "websockets".
	Transport string
	UseTLS    bool
	WsPath    string

	ClientID string
	Username string
	Password string

	Keepalive      time.Duration
	NetworkTimeout time.Duration

	// Last will, retained StatusOffline.
	WillTopic string
	WillQoS   byte
	LogDebug  bool
}

// BrokerURL builds paho server URL from config parts.
func BrokerURL(c MqttConfig) (string, error) {
	if c.Broker == "" {
		return "", errors.NotValidf("mqtt broker=empty")
	}
	if strings.Contains(c.Broker, "://") {
		return c.Broker, nil
	}
	host := c.Broker
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := c.Port
		if port == 0 {
			port = defaultPort
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	var scheme string
	switch strings.ToLower(c.Transport) {
	case "", "tcp":
		scheme = "tcp"
		if c.UseTLS {
			scheme = "ssl"
		}
	case "websockets", "ws":
		scheme = "ws"
		if c.UseTLS {
			scheme = "wss"
		}
		path := c.WsPath
		if path != "" && !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return scheme + "://" + host + path, nil
	default:
		return "", errors.NotValidf("mqtt transport=%s", c.Transport)
	}
	return scheme + "://" + host, nil
}

// MqttBroker is Broker on paho client.
// - NewMqttBroker returns only configuration errors
// - Start connects in background with unlimited attempts until Close
// - after first connect, paho reconnects automatically
type MqttBroker struct {
	log   *log2.Log
	m     mqtt.Client
	mopt  *mqtt.ClientOptions
	alive *alive.Alive
	url   string

	timeout time.Duration
	backoff helpers.Backoff
	once    sync.Once
}

var _ Broker = (*MqttBroker)(nil)

var mqttLogOnce sync.Once

func NewMqttBroker(c MqttConfig, log *log2.Log) (*MqttBroker, error) {
	mqttLogOnce.Do(func() {
		mqttLog := log.With("component", "paho")
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if c.LogDebug {
			mqtt.DEBUG = mqttLog.Clone(log2.LAll)
		}
	})
	return newMqttBroker(c, log, mqtt.NewClient)
}

// test code supplies newClient
func newMqttBroker(c MqttConfig, log *log2.Log, newClient func(*mqtt.ClientOptions) mqtt.Client) (*MqttBroker, error) {
	url, err := BrokerURL(c)
	if err != nil {
		return nil, err
	}
	if c.ClientID == "" {
		return nil, errors.NotValidf("mqtt client_id=empty")
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.Keepalive <= 0 {
		c.Keepalive = defaultKeepalive
	}
	b := &MqttBroker{
		log:     log,
		alive:   alive.NewAlive(),
		url:     url,
		timeout: c.NetworkTimeout,
		backoff: helpers.Backoff{Min: 1 * time.Second, Max: 60 * time.Second, K: 2},
	}

	b.mopt = mqtt.NewClientOptions().
		AddBroker(url).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(c.ClientID).
		SetConnectTimeout(c.NetworkTimeout * 3).
		SetKeepAlive(c.Keepalive).
		SetMaxReconnectInterval(c.NetworkTimeout * 3).
		SetPingTimeout(c.NetworkTimeout).
		SetWriteTimeout(c.NetworkTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)
	if c.Username != "" {
		b.mopt.SetUsername(c.Username).SetPassword(c.Password)
	}
	if c.WillTopic != "" {
		b.mopt.SetWill(c.WillTopic, StatusOffline, c.WillQoS, true)
	}
	if c.UseTLS {
		b.mopt.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	b.m = newClient(b.mopt)
	return b, nil
}

func (b *MqttBroker) URL() string { return b.url }

// Start connects in background. Safe to call more than once.
func (b *MqttBroker) Start() {
	b.once.Do(func() {
		if b.alive.Add(1) {
			go b.online()
		}
	})
}

// Close disconnects after waiting at most quiesce for in-flight work.
func (b *MqttBroker) Close(quiesce time.Duration) {
	b.alive.Stop()
	b.alive.Wait()
	if b.m.IsConnected() {
		b.m.Disconnect(uint(quiesce / time.Millisecond))
	}
}

func (b *MqttBroker) Connected() bool { return b.m.IsConnected() }

func (b *MqttBroker) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !b.m.IsConnected() {
		return errors.Annotatef(ErrNotConnected, "publish topic=%s", topic)
	}
	t := b.m.Publish(topic, qos, retain, payload)
	return b.tokenWait(ctx, t, "publish topic="+topic)
}

func (b *MqttBroker) online() {
	defer b.alive.Done()
	for b.alive.IsRunning() {
		b.log.Debugf("tele connect broker=%s", b.url)
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout*3)
		err := b.tokenWait(ctx, b.m.Connect(), "connect")
		cancel()
		if err == nil {
			b.backoff.Reset()
			return // success path
		}
		b.backoff.Failure()
		b.log.Event(log2.LError, "broker_connect_failed").
			Str("broker", b.url).
			Dur("retry", b.backoff.Current()).
			Err(err).Send()
		if !helpers.AliveSleep(b.alive, b.backoff.Current()) {
			return
		}
	}
}

func (b *MqttBroker) onConnect(mqtt.Client) {
	b.log.Event(log2.LInfo, "broker_connected").Str("broker", b.url).Send()
}

func (b *MqttBroker) onConnectionLost(_ mqtt.Client, err error) {
	b.log.Event(log2.LError, "broker_connection_lost").Str("broker", b.url).Err(err).Send()
}

func (b *MqttBroker) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	timeout := b.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 || !t.WaitTimeout(timeout) {
		return errors.Timeoutf("MQTT %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "MQTT %s", tag)
	}
	return nil
}
