// Package bridge connects meter telegram stream to durable MQTT delivery.
package bridge

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/p1"
	"github.com/temoto/dsmr2mqtt/tele"
)

// Sink accepts reading sets, see tele.Scheduler.Offer.
type Sink interface {
	Offer(*p1.ReadingSet) (bool, error)
}

// Observer is notified with every accepted reading set and meter header.
type Observer interface {
	Observe(rs *p1.ReadingSet, model string) error
}

type IngestOptions struct {
	Table            *p1.Table
	Checksum         p1.ChecksumMode
	ZeroPolicy       p1.ZeroPolicy
	MaxTelegramBytes int
}

// Ingest turns raw telegrams into reading sets.
// Processing is strictly sequential, one telegram at a time.
type Ingest struct {
	opt     IngestOptions
	log     *log2.Log
	stats   *tele.Stats
	sink    Sink
	observe Observer
	builder *p1.Builder

	last  int64 // unix nano of last framed telegram, atomic
	mu    sync.Mutex
	model string
}

func NewIngest(opt IngestOptions, sink Sink, observe Observer, log *log2.Log, stats *tele.Stats) *Ingest {
	if opt.Table == nil {
		opt.Table = p1.DefaultTable()
	}
	return &Ingest{
		opt:     opt,
		log:     log,
		stats:   stats,
		sink:    sink,
		observe: observe,
		builder: p1.NewBuilder(opt.Table, opt.ZeroPolicy),
	}
}

// LastTelegram is zero until first telegram is framed.
func (in *Ingest) LastTelegram() time.Time {
	ns := atomic.LoadInt64(&in.last)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Model is header of the last valid telegram.
func (in *Ingest) Model() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.model
}

// Run reads src until end of stream, transport fault or a is stopped.
// End of stream and stop return nil.
func (in *Ingest) Run(a *alive.Alive, src io.Reader) error {
	frames := p1.NewFrameAssembler(src, p1.FrameOptions{MaxBytes: in.opt.MaxTelegramBytes})
	for a.IsRunning() {
		t, err := frames.Next()
		if err != nil {
			if !p1.IsFatal(err) {
				in.event(err)
				continue
			}
			if errors.Cause(err) == io.EOF {
				in.log.Event(log2.LInfo, "meter_end_of_stream").Send()
				return nil
			}
			if !a.IsRunning() {
				// source closed to interrupt blocking read
				return nil
			}
			return errors.Annotate(err, "meter read")
		}
		in.Process(t)
	}
	return nil
}

// Process validates, decodes and builds one telegram, then offers result to sink.
// Returns accepted reading set or nil.
func (in *Ingest) Process(t *p1.RawTelegram) *p1.ReadingSet {
	atomic.StoreInt64(&in.last, time.Now().UnixNano())
	in.stats.TelegramsReceived.Add(1)

	if err := p1.ValidateChecksum(t, in.opt.Checksum); err != nil {
		in.event(err)
		in.drop("checksum")
		return nil
	}

	lines, errs := p1.DecodeLines(t.DataLines())
	for _, err := range errs {
		in.event(err)
	}
	rs, errs := in.builder.Build(lines)
	for _, err := range errs {
		in.event(err)
	}
	if rs == nil {
		in.drop("no_readings")
		return nil
	}
	in.stats.ReadingsBuilt.Add(1)

	model := t.Header()
	in.mu.Lock()
	in.model = model
	in.mu.Unlock()

	accepted, err := in.sink.Offer(rs)
	if err != nil {
		in.stats.CountError(err)
		in.log.Event(log2.LError, "reading_enqueue_failed").Err(err).Send()
		return nil
	}
	if !accepted {
		in.log.Debugf("ingest reading skipped by rate limit")
		return nil
	}
	if in.observe != nil {
		if err := in.observe.Observe(rs, model); err != nil {
			in.log.Event(log2.LError, "discovery_failed").Err(err).Send()
		}
	}
	in.log.Debugf("ingest accepted fields=%d", len(rs.Readings))
	return rs
}

func (in *Ingest) drop(reason string) {
	in.stats.TelegramsDropped.Add(1)
	in.log.Debugf("ingest telegram dropped reason=%s", reason)
}

func (in *Ingest) event(err error) {
	in.stats.CountError(err)
	level := log2.Level(log2.LError)
	if errors.Cause(err) == p1.ErrLineUnparseable {
		level = log2.LInfo
	}
	kind := p1.Kind(err)
	in.log.Event(level, kind).Str("kind", kind).Err(err).Send()
}
