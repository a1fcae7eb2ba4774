package tele

import (
	"context"

	"github.com/temoto/dsmr2mqtt/queue"
)

// Broker hands one message to MQTT server.
// Publish must return within ctx deadline.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Connected() bool
}

// Queue is durable FIFO used by Scheduler, see queue.Queue.
type Queue interface {
	Enqueue(queue.Message) (uint64, error)
	PeekOldest() (queue.Message, bool)
	Remove(id uint64) error
	Len() int
}

var _ Queue = (*queue.Queue)(nil)
