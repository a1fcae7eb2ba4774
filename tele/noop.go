package tele

import (
	"context"

	"github.com/temoto/dsmr2mqtt/log2"
)

// Noop broker logs and discards messages. Used with mqtt disabled,
// e.g. to check meter wiring without broker.
type Noop struct{ Log *log2.Log }

var _ Broker = Noop{} // compile-time interface test

func (n Noop) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	n.Log.Debugf("tele noop publish topic=%s retain=%t payload=%s", topic, retain, payload)
	return nil
}

func (Noop) Connected() bool { return true }
