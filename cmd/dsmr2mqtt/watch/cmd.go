// Subscribe to bridge topics and print every message, for debugging a live setup.
package watch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/cmd/dsmr2mqtt/subcmd"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/state"
	"github.com/temoto/dsmr2mqtt/tele"
	"github.com/temoto/dsmr2mqtt/tele/mqtt"
)

var Mod = subcmd.Mod{Name: "watch", Desc: "print messages published under topic prefix", Main: Main}

func Main(ctx context.Context, config *state.Config, log *log2.Log) error {
	opt, err := Options(config, os.Stdout)
	if err != nil {
		return err
	}
	opt.Log = log
	w, err := mqtt.NewWatcher(opt)
	if err != nil {
		return err
	}
	log.Infof("watch broker=%s topics=%s", opt.BrokerURL, strings.Join(opt.Topics, ","))

	backoff := helpers.Backoff{Min: time.Second, Max: 30 * time.Second, K: 2}
	for {
		err = w.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		backoff.Failure()
		log.Event(log2.LError, "watch_disconnected").Dur("retry", backoff.Current()).Err(err).Send()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff.DelayBefore()):
		}
	}
}

// Options subscribes to state topics and Home Assistant configs of this node.
func Options(config *state.Config, out io.Writer) (mqtt.WatchOptions, error) {
	mc := config.MqttBroker()
	url, err := tele.BrokerURL(mc)
	if err != nil {
		return mqtt.WatchOptions{}, errors.Annotate(err, "watch")
	}
	// paho and gomqtt name TLS over TCP differently
	url = strings.Replace(url, "ssl://", "tls://", 1)
	opt := mqtt.WatchOptions{
		BrokerURL:      url,
		NetworkTimeout: mc.NetworkTimeout,
		ClientID:       "dsmr-watch-" + uuid.NewString(),
		Username:       mc.Username,
		Password:       mc.Password,
		Topics:         []string{config.Mqtt.TopicPrefix + "/#"},
		QOS:            packet.QOS(config.Mqtt.QoS),
		OnMessage: func(m *packet.Message) error {
			_, err := fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.RFC3339), mqtt.MessageString(m))
			return err
		},
	}
	if ka := config.Mqtt.KeepaliveSec; ka > 0 && ka <= 0xffff {
		opt.KeepaliveSec = uint16(ka)
	}
	if strings.HasPrefix(url, "tls://") || strings.HasPrefix(url, "wss://") {
		opt.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if hd := config.HomeAssistant(""); hd.Enabled {
		opt.Topics = append(opt.Topics, hd.Prefix+"/sensor/"+hd.NodeID+"/#")
	}
	return opt, nil
}
