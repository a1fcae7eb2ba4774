package tele

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/p1"
	"github.com/temoto/dsmr2mqtt/queue"
)

const (
	DefaultMaxRatePerHour = 60
	DefaultPublishTimeout = 10 * time.Second
	defaultRetryMin       = 1 * time.Second
	defaultRetryMax       = 60 * time.Second
)

var ErrDelivery = errors.New("delivery failure")

type SchedulerConfig struct {
	TopicPrefix string
	QoS         byte
	// Accepted reading sets per hour, <=0 disables limit.
	MaxRatePerHour int
	// Also publish each field to <prefix>/reading/<field>.
	PerFieldTopics bool
	PublishTimeout time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration
}

// Scheduler contract:
// - Offer/Send block at most for queue disk write, never for network
// - messages are delivered at least once, in enqueue order
// - Run returns after current delivery attempt when alive is stopped
type Scheduler struct {
	cfg         SchedulerConfig
	log         *log2.Log
	q           Queue
	broker      Broker
	stats       *Stats
	minInterval time.Duration
	notify      chan struct{}
	backoff     helpers.Backoff

	// test code sets clock
	clock func() time.Time

	mu           sync.Mutex
	lastAccepted time.Time
}

func NewScheduler(cfg SchedulerConfig, q Queue, b Broker, log *log2.Log, stats *Stats) *Scheduler {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = defaultRetryMin
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Scheduler{
		cfg:         cfg,
		log:         log,
		q:           q,
		broker:      b,
		stats:       stats,
		minInterval: helpers.IntervalPerHour(cfg.MaxRatePerHour),
		notify:      make(chan struct{}, 1),
		backoff:     helpers.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax, K: 2, Res: 100 * time.Millisecond},
		clock:       time.Now,
	}
}

func (s *Scheduler) Topic(suffix string) string { return s.cfg.TopicPrefix + "/" + suffix }

// Offer applies rate limit and enqueues accepted reading set.
// Returns false without error when set was skipped by rate limit.
func (s *Scheduler) Offer(rs *p1.ReadingSet) (bool, error) {
	if rs == nil || len(rs.Readings) == 0 {
		return false, nil
	}
	now := s.clock()
	s.mu.Lock()
	if !s.lastAccepted.IsZero() && now.Sub(s.lastAccepted) < s.minInterval {
		s.mu.Unlock()
		s.stats.ReadingsRateLimited.Add(1)
		return false, nil
	}
	s.lastAccepted = now
	s.mu.Unlock()

	payload, err := MarshalReadingSet(rs, now)
	if err != nil {
		return true, errors.Annotate(err, "tele Offer")
	}
	if err = s.enqueue(s.Topic("reading"), payload, false); err != nil {
		return true, err
	}
	if s.cfg.PerFieldTopics {
		for _, r := range rs.Readings {
			if err = s.enqueue(s.Topic("reading/"+r.Name), []byte(FieldPayload(r.Value)), false); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// Send enqueues ancillary message (status, discovery) without rate limit.
func (s *Scheduler) Send(topic string, payload []byte, retain bool) error {
	return s.enqueue(topic, payload, retain)
}

func (s *Scheduler) enqueue(topic string, payload []byte, retain bool) error {
	_, err := s.q.Enqueue(queue.Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      s.cfg.QoS,
		Retain:   retain,
		QueuedAt: s.clock(),
	})
	if err != nil {
		s.stats.CountError(err)
		return errors.Annotatef(err, "tele enqueue topic=%s", topic)
	}
	s.stats.MessagesEnqueued.Add(1)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run is delivery loop. Blocks until a is stopped.
func (s *Scheduler) Run(a *alive.Alive) {
	for a.IsRunning() {
		m, ok := s.q.PeekOldest()
		if !ok {
			select {
			case <-s.notify:
			case <-a.StopChan():
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.deliver(ctx, m)
		cancel()
		if err == nil {
			s.backoff.Reset()
			continue
		}
		s.backoff.Failure()
		delay := s.backoff.Current()
		s.log.Event(log2.LError, "delivery_failure").
			Str("kind", "delivery_failure").
			Str("topic", m.Topic).
			Uint64("id", m.ID).
			Dur("retry", delay).
			Err(err).Send()
		if !helpers.AliveSleep(a, delay) {
			return
		}
	}
}

// Flush tries to deliver everything queued. Stops at first failure or ctx done.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "tele Flush queued=%d", s.q.Len())
		}
		m, ok := s.q.PeekOldest()
		if !ok {
			return nil
		}
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
		err := s.deliver(attemptCtx, m)
		cancel()
		if err != nil {
			return errors.Annotatef(err, "tele Flush queued=%d", s.q.Len())
		}
	}
}

func (s *Scheduler) deliver(ctx context.Context, m queue.Message) error {
	tbegin := time.Now()
	err := s.broker.Publish(ctx, m.Topic, m.Payload, m.QoS, m.Retain)
	s.stats.ObservePublish(time.Since(tbegin))
	if err != nil {
		s.stats.DeliveryFailures.Add(1)
		return errors.Annotatef(ErrDelivery, "topic=%s id=%d: %v", m.Topic, m.ID, err)
	}
	s.stats.MessagesDelivered.Add(1)
	if err := s.q.Remove(m.ID); err != nil {
		// message stays queued and will be delivered again
		return errors.Annotatef(err, "tele remove id=%d", m.ID)
	}
	s.log.Debugf("tele delivered topic=%s id=%d", m.Topic, m.ID)
	return nil
}

// MarshalReadingSet builds aggregate JSON object.
// Keys follow reading order, "timestamp" is unix seconds of meter clock or now.
func MarshalReadingSet(rs *p1.ReadingSet, now time.Time) ([]byte, error) {
	ts := now.Unix()
	if v, ok := rs.Get("timestamp"); ok && v.Kind == p1.KindTime {
		ts = v.Time.Unix()
	}
	var buf bytes.Buffer
	buf.Grow(32 * len(rs.Readings))
	buf.WriteString(`{"timestamp":`)
	buf.WriteString(strconv.FormatInt(ts, 10))
	for _, r := range rs.Readings {
		if r.Name == "timestamp" {
			continue
		}
		key, err := json.Marshal(r.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.Value.Interface())
		if err != nil {
			return nil, errors.Annotatef(err, "field=%s", r.Name)
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FieldPayload is plain text value for per-field topic.
func FieldPayload(v p1.Value) string {
	switch v.Kind {
	case p1.KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case p1.KindTime:
		return strconv.FormatInt(v.Time.Unix(), 10)
	}
	return v.Text
}
