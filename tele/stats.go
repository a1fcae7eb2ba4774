package tele

import (
	"expvar"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/p1"
	"github.com/temoto/dsmr2mqtt/queue"
)

const metricsNamespace = "dsmr"

// Stats counts pipeline events. Zero value is not usable, see NewStats.
// Counters are expvar.Int, safe for concurrent use without locks.
type Stats struct {
	SerialBytes         expvar.Int
	TelegramsReceived   expvar.Int
	TelegramsDropped    expvar.Int
	FramingDesync       expvar.Int
	ChecksumMismatch    expvar.Int
	LinesUnparseable    expvar.Int
	MissingRequired     expvar.Int
	ZeroRegression      expvar.Int
	ReadingsBuilt       expvar.Int
	ReadingsRateLimited expvar.Int
	MessagesEnqueued    expvar.Int
	MessagesDelivered   expvar.Int
	DeliveryFailures    expvar.Int
	QueueFull           expvar.Int

	queueLen func() int
	publish  prometheus.Histogram
	registry *prometheus.Registry
}

func NewStats() *Stats {
	s := &Stats{registry: prometheus.NewRegistry()}
	s.publish = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "publish_duration_seconds",
		Help:      "Broker publish attempt duration, including failures.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	s.registry.MustRegister(s.publish)
	for _, c := range s.counters() {
		v := c.v
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      c.name + "_total",
			Help:      c.help,
		}, func() float64 { return float64(v.Value()) }))
	}
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_length",
		Help:      "Messages waiting for delivery in durable queue.",
	}, func() float64 { return float64(s.QueueLen()) }))
	return s
}

type statCounter struct {
	name string
	help string
	v    *expvar.Int
}

func (s *Stats) counters() []statCounter {
	return []statCounter{
		{"serial_bytes", "Bytes read from meter transport.", &s.SerialBytes},
		{"telegrams_received", "Complete telegrams framed.", &s.TelegramsReceived},
		{"telegrams_dropped", "Telegrams which produced no readings.", &s.TelegramsDropped},
		{"framing_desync", "Partial telegrams discarded by framing.", &s.FramingDesync},
		{"checksum_mismatch", "Telegrams with invalid checksum.", &s.ChecksumMismatch},
		{"lines_unparseable", "Data lines skipped by decoder.", &s.LinesUnparseable},
		{"missing_required", "Telegrams without some required field.", &s.MissingRequired},
		{"zero_regression", "Fields dropped to zero after non-zero value.", &s.ZeroRegression},
		{"readings_built", "Reading sets built from telegrams.", &s.ReadingsBuilt},
		{"readings_rate_limited", "Reading sets skipped by publish rate limit.", &s.ReadingsRateLimited},
		{"messages_enqueued", "Messages added to durable queue.", &s.MessagesEnqueued},
		{"messages_delivered", "Messages accepted by broker.", &s.MessagesDelivered},
		{"delivery_failures", "Failed broker publish attempts.", &s.DeliveryFailures},
		{"queue_full", "Messages rejected because queue is full.", &s.QueueFull},
	}
}

func (s *Stats) SetQueueLen(f func() int) { s.queueLen = f }

func (s *Stats) QueueLen() int {
	if s.queueLen == nil {
		return 0
	}
	return s.queueLen()
}

// Gatherer for /metrics handler.
func (s *Stats) Gatherer() prometheus.Gatherer { return s.registry }

func (s *Stats) ObservePublish(d time.Duration) { s.publish.Observe(d.Seconds()) }

// CountError increments counter matching error kind.
func (s *Stats) CountError(err error) {
	if err == nil {
		return
	}
	switch p1.Kind(err) {
	case "framing_desync":
		s.FramingDesync.Add(1)
	case "checksum_mismatch":
		s.ChecksumMismatch.Add(1)
	case "line_unparseable":
		s.LinesUnparseable.Add(1)
	case "missing_required_field":
		s.MissingRequired.Add(1)
	case "zero_regression":
		s.ZeroRegression.Add(1)
	default:
		if queue.IsFull(err) {
			s.QueueFull.Add(1)
		}
	}
}

// Snapshot returns counter values by metric name, for logs and tests.
func (s *Stats) Snapshot() map[string]int64 {
	cs := s.counters()
	m := make(map[string]int64, len(cs)+1)
	for _, c := range cs {
		m[c.name] = c.v.Value()
	}
	m["queue_length"] = int64(s.QueueLen())
	return m
}

// LogLoop writes snapshot every interval until a is stopped.
func (s *Stats) LogLoop(a *alive.Alive, interval time.Duration, log *log2.Log) {
	if interval <= 0 {
		return
	}
	for helpers.AliveSleep(a, interval) {
		s.Log(log)
	}
}

func (s *Stats) Log(log *log2.Log) {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	ev := log.Event(log2.LInfo, "stats")
	for _, name := range names {
		ev = ev.Int64(name, snap[name])
	}
	ev.Send()
}
