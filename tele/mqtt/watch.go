// Package mqtt is a minimal read-only MQTT client on gomqtt for `dsmr2mqtt watch`.
// It subscribes to bridge topics and prints what the broker delivers,
// independent of the paho client used for publishing.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/dsmr2mqtt/log2"
)

const DefaultNetworkTimeout = 10 * time.Second
const DefaultKeepaliveSec = 30

type WatchOptions struct {
	// tcp://, tls://, ws:// or wss://
	BrokerURL      string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Topics         []string
	QOS            packet.QOS
	OnMessage      func(*packet.Message) error
	Log            *log2.Log
}

// Watcher contract:
// - one connection per Run, clean session
// - subscribe once right after CONNACK
// - PUBACK after OnMessage returns nil
// - Run returns nil when ctx is done, otherwise the reason connection ended
type Watcher struct {
	opt    WatchOptions
	dialer *transport.Dialer
	conpkt *packet.Connect
	lastID uint32
}

func NewWatcher(opt WatchOptions) (*Watcher, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error WatchOptions.OnMessage=nil")
	}
	if len(opt.Topics) == 0 {
		return nil, errors.NotValidf("watch topics=empty")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.KeepaliveSec == 0 {
		opt.KeepaliveSec = DefaultKeepaliveSec
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error watch BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	w := &Watcher{
		opt:    opt,
		lastID: uint32(time.Now().UnixNano()),
	}
	w.conpkt = packet.NewConnect()
	w.conpkt.ClientID = opt.ClientID
	w.conpkt.KeepAlive = opt.KeepaliveSec
	w.conpkt.CleanSession = true
	w.conpkt.Username = opt.Username
	w.conpkt.Password = opt.Password
	w.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})
	return w, nil
}

func (w *Watcher) nextID() packet.ID {
	u32 := atomic.AddUint32(&w.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

// Run dials, subscribes and dispatches messages until ctx is done or connection fails.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := w.dialer.Dial(w.opt.BrokerURL)
	if err != nil {
		return errors.Annotatef(err, "watch dial broker=%s", w.opt.BrokerURL)
	}
	s := &watchSession{w: w, conn: conn, done: make(chan struct{})}
	defer s.close()
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	err = s.run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type watchSession struct {
	w      *Watcher
	conn   transport.Conn
	pingat atomic_clock.Clock // last outgoing packet
	closed uint32
	done   chan struct{}
	subID  packet.ID
}

func (s *watchSession) close() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.done)
		_ = s.conn.Close()
	}
}

func (s *watchSession) send(p packet.Generic) error {
	if err := s.conn.Send(p, false); err != nil {
		return errors.Annotatef(err, "send %s", p.Type().String())
	}
	s.pingat.SetNow()
	s.w.opt.Log.Debugf("watch sent %s", PacketString(p))
	return nil
}

func (s *watchSession) run() error {
	opt := &s.w.opt
	if err := s.send(s.w.conpkt); err != nil {
		return err
	}

	s.conn.SetReadTimeout(opt.NetworkTimeout)
	pkt, err := s.conn.Receive()
	if err != nil {
		return errors.Annotate(err, "watch expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "watch server error pkt=%s", PacketString(pkt))
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	opt.Log.Debugf("watch CONNACK=%s", connack.String())

	subs := make([]packet.Subscription, len(opt.Topics))
	for i, t := range opt.Topics {
		subs[i] = packet.Subscription{Topic: t, QOS: opt.QOS}
	}
	s.subID = s.w.nextID()
	if err = s.send(&packet.Subscribe{ID: s.subID, Subscriptions: subs}); err != nil {
		return err
	}

	go s.pinger()
	// [MQTT-3.1.2-24] server answers PINGREQ, silence longer than keepalive*1.5 is dead link
	s.conn.SetReadTimeout(keepaliveAndHalf(opt.KeepaliveSec))
	for {
		pkt, err := s.conn.Receive()
		switch {
		case err == nil:
		case errors.Cause(err) == io.EOF:
			return errors.Errorf("watch server closed connection")
		default:
			return errors.Annotate(err, "watch receive")
		}
		opt.Log.Debugf("watch received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Suback:
			if err = s.onSuback(pt); err != nil {
				return err
			}
		case *packet.Publish:
			if err = s.onPublish(pt); err != nil {
				return err
			}
		case *packet.Pingresp:
		case *packet.Connack:
			return errors.Errorf("watch server error duplicate CONNACK")
		default:
			opt.Log.Debugf("watch unexpected packet %s", PacketString(pkt))
		}
	}
}

func (s *watchSession) onSuback(suback *packet.Suback) error {
	if suback.ID != s.subID {
		return errors.Annotatef(client.ErrFailedSubscription, "SUBACK.id=%d != SUBSCRIBE.id=%d", suback.ID, s.subID)
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			return client.ErrFailedSubscription
		}
	}
	s.w.opt.Log.Infof("watch subscribed topics=%v", s.w.opt.Topics)
	return nil
}

func (s *watchSession) onPublish(publish *packet.Publish) error {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		return errors.NotSupportedf("watch qos=2")
	}
	if err := s.w.opt.OnMessage(&publish.Message); err != nil {
		return errors.Annotatef(err, "watch OnMessage topic=%s", publish.Message.Topic)
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		return s.send(puback)
	}
	return nil
}

// Sends PINGREQ when nothing else was sent for keepalive-NetworkTimeout.
func (s *watchSession) pinger() {
	opt := &s.w.opt
	interval := time.Duration(opt.KeepaliveSec)*time.Second - opt.NetworkTimeout
	if interval <= 0 {
		interval = time.Duration(opt.KeepaliveSec) * time.Second / 2
	}
	for {
		wait := interval - atomic_clock.Since(&s.pingat)
		if wait <= 0 {
			if err := s.send(packet.NewPingreq()); err != nil {
				s.close()
				return
			}
			wait = interval
		}
		select {
		case <-time.After(wait):
		case <-s.done:
			return
		}
	}
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}

// PacketString prints PUBLISH payload as text, no duplicate "Message=<Message".
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
