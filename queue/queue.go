// Package queue is a durable FIFO of outbound messages.
//
// Storage is an append-only log file `queue.log` of records
// [8 id][4 length][4 crc32][json message] plus a removed marker
// (extremofile, main and backup copies) which tells which ids were delivered.
// Dead records are dropped by compaction: live records are rewritten
// into a new log which replaces the old one atomically.
package queue

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/extremofile"
)

const (
	DefaultMaxEntries   = 10000
	DefaultCompactEvery = 256

	logName          = "queue.log"
	markerPrefix     = "queue-removed."
	recordHeaderSize = 16
	maxRecordSize    = 1 << 20
)

var (
	ErrFull    = errors.New("queue full")
	ErrCorrupt = errors.New("queue storage corrupt")
	ErrClosed  = errors.New("queue closed")
)

func IsFull(err error) bool    { return errors.Cause(err) == ErrFull }
func IsCorrupt(err error) bool { return errors.Cause(err) == ErrCorrupt }

type Message struct {
	ID       uint64    `json:"-"`
	Topic    string    `json:"topic"`
	Payload  []byte    `json:"payload"`
	QoS      byte      `json:"qos"`
	Retain   bool      `json:"retain"`
	QueuedAt time.Time `json:"queued_at"`
}

type Options struct {
	MaxEntries int
	// Compact log after this many removals.
	CompactEvery int
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persisted removal state. Everything <= Upto is removed,
// Ids lists removals above Upto (out of order delivery).
type marker struct {
	Upto uint64   `json:"upto"`
	Ids  []uint64 `json:"ids,omitempty"`
}

type Queue struct {
	mu      sync.Mutex
	log     *log2.Log
	opt     Options
	path    string
	file    *os.File
	marker  storage
	entries []Message
	upto    uint64
	removed map[uint64]struct{}
	dead    int
	nextID  uint64
	closed  bool
}

func Open(dir string, opt Options, log *log2.Log) (*Queue, error) {
	if opt.MaxEntries <= 0 {
		opt.MaxEntries = DefaultMaxEntries
	}
	if opt.CompactEvery <= 0 {
		opt.CompactEvery = DefaultCompactEvery
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotate(err, "queue Open")
	}
	q := &Queue{
		log:  log,
		opt:  opt,
		path: filepath.Join(dir, logName),
		marker: extremofile.New(extremofile.Config{
			Dir:        dir,
			FilePrefix: markerPrefix,
			DirPerm:    0755,
			FilePerm:   0644,
		}),
		removed: make(map[uint64]struct{}),
	}
	if err := q.loadMarker(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotate(err, "queue Open")
	}
	q.file = f
	if err := q.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if q.dead != 0 {
		if err := q.compact(); err != nil {
			_ = q.file.Close()
			return nil, err
		}
	}
	q.log.Debugf("queue open path=%s live=%d next_id=%d", q.path, len(q.entries), q.nextID)
	return q, nil
}

func (q *Queue) loadMarker() error {
	b, err := q.marker.Read()
	if extremofile.IsCritical(err) {
		if extremofile.IsCorrupt(err) {
			return errors.Annotatef(ErrCorrupt, "removed marker: %v", err)
		}
		return errors.Annotate(err, "queue removed marker")
	}
	if err != nil {
		q.log.Errorf("queue ignore non-critical removed marker err=%v", err)
	}
	if b == nil {
		return nil
	}
	var m marker
	if err := json.Unmarshal(b, &m); err != nil {
		return errors.Annotatef(ErrCorrupt, "removed marker: %v", err)
	}
	q.upto = m.Upto
	for _, id := range m.Ids {
		if id > q.upto {
			q.removed[id] = struct{}{}
		}
	}
	return nil
}

func (q *Queue) scan() error {
	r := bufio.NewReader(q.file)
	var offset int64
	var lastID uint64
	for {
		var hdr [recordHeaderSize]byte
		n, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			q.log.Event(log2.LError, "queue_torn_tail").Int64("offset", offset).Int("bytes", n).Msg("truncate incomplete record")
			break
		}
		if err != nil {
			return errors.Annotate(err, "queue scan")
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])
		sum := binary.BigEndian.Uint32(hdr[12:16])
		if length > maxRecordSize {
			return errors.Annotatef(ErrCorrupt, "offset=%d id=%d length=%d", offset, id, length)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				q.log.Event(log2.LError, "queue_torn_tail").Int64("offset", offset).Uint64("id", id).Msg("truncate incomplete record")
				break
			}
			return errors.Annotate(err, "queue scan")
		}
		if crc32.ChecksumIEEE(body) != sum {
			return errors.Annotatef(ErrCorrupt, "offset=%d id=%d crc mismatch", offset, id)
		}
		if id <= lastID {
			return errors.Annotatef(ErrCorrupt, "offset=%d id=%d after id=%d", offset, id, lastID)
		}
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			return errors.Annotatef(ErrCorrupt, "offset=%d id=%d: %v", offset, id, err)
		}
		m.ID = id
		lastID = id
		offset += recordHeaderSize + int64(length)
		if q.isRemoved(id) {
			q.dead++
		} else {
			q.entries = append(q.entries, m)
		}
	}
	if err := q.file.Truncate(offset); err != nil {
		return errors.Annotate(err, "queue truncate")
	}
	if _, err := q.file.Seek(offset, io.SeekStart); err != nil {
		return errors.Annotate(err, "queue seek")
	}

	q.nextID = lastID
	if q.upto > q.nextID {
		q.nextID = q.upto
	}
	for id := range q.removed {
		if id > q.nextID {
			q.nextID = id
		}
	}
	q.nextID++
	return nil
}

func (q *Queue) isRemoved(id uint64) bool {
	if id <= q.upto {
		return true
	}
	_, ok := q.removed[id]
	return ok
}

// Enqueue appends message and returns after fsync.
// Message ID is assigned by queue, QueuedAt defaults to now.
func (q *Queue) Enqueue(m Message) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	if len(q.entries) >= q.opt.MaxEntries {
		return 0, errors.Annotatef(ErrFull, "max_entries=%d topic=%s", q.opt.MaxEntries, m.Topic)
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now()
	}
	m.ID = q.nextID
	record, err := encodeRecord(m)
	if err != nil {
		return 0, errors.Annotate(err, "queue Enqueue")
	}
	offset, err := q.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errors.Annotate(err, "queue Enqueue")
	}
	if _, err = q.file.Write(record); err == nil {
		err = q.file.Sync()
	}
	if err != nil {
		// partial record would be a torn tail, cut it now
		_ = q.file.Truncate(offset)
		_, _ = q.file.Seek(offset, io.SeekStart)
		return 0, errors.Annotate(err, "queue Enqueue")
	}
	q.nextID++
	q.entries = append(q.entries, m)
	return m.ID, nil
}

func encodeRecord(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > maxRecordSize {
		return nil, errors.NotValidf("message size=%d", len(body))
	}
	b := make([]byte, recordHeaderSize, recordHeaderSize+len(body))
	binary.BigEndian.PutUint64(b[0:8], m.ID)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(b[12:16], crc32.ChecksumIEEE(body))
	return append(b, body...), nil
}

func (q *Queue) PeekOldest() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Message{}, false
	}
	return q.entries[0], true
}

// Remove marks message delivered. Unknown id is not an error.
func (q *Queue) Remove(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	idx := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].ID >= id })
	if idx == len(q.entries) || q.entries[idx].ID != id {
		return nil
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.removed[id] = struct{}{}
	q.dead++
	if err := q.storeMarker(); err != nil {
		return errors.Annotatef(err, "queue Remove id=%d", id)
	}
	if q.dead >= q.opt.CompactEvery {
		if err := q.compact(); err != nil {
			q.log.Errorf("queue compact err=%v", err)
		}
	}
	return nil
}

func (q *Queue) storeMarker() error {
	if len(q.entries) == 0 {
		q.upto = q.nextID - 1
	} else {
		q.upto = q.entries[0].ID - 1
	}
	m := marker{Upto: q.upto}
	for id := range q.removed {
		if id <= q.upto {
			delete(q.removed, id)
		} else {
			m.Ids = append(m.Ids, id)
		}
	}
	sort.Slice(m.Ids, func(i, j int) bool { return m.Ids[i] < m.Ids[j] })
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = q.marker.Write(b)
	if err != nil && !extremofile.IsCritical(err) {
		q.log.Errorf("queue removed marker non-critical write err=%v", err)
		err = nil
	}
	return err
}

// compact rewrites live records to a new log. Caller holds lock or owns queue.
func (q *Queue) compact() error {
	tmpPath := q.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Annotate(err, "queue compact")
	}
	w := bufio.NewWriter(tmp)
	for _, m := range q.entries {
		record, err := encodeRecord(m)
		if err == nil {
			_, err = w.Write(record)
		}
		if err != nil {
			_ = tmp.Close()
			return errors.Annotate(err, "queue compact")
		}
	}
	if err = w.Flush(); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, q.path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Annotate(err, "queue compact")
	}
	syncDir(filepath.Dir(q.path))

	f, err := os.OpenFile(q.path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotate(err, "queue compact reopen")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return errors.Annotate(err, "queue compact reopen")
	}
	_ = q.file.Close()
	q.file = f
	dead := q.dead
	q.dead = 0
	// removed ids are not in the log anymore
	for id := range q.removed {
		delete(q.removed, id)
	}
	if err := q.storeMarker(); err != nil {
		return errors.Annotate(err, "queue compact marker")
	}
	q.log.Debugf("queue compact dropped=%d live=%d", dead, len(q.entries))
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

// Recover returns all not removed messages, oldest first.
func (q *Queue) Recover() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Message, len(q.entries))
	copy(result, q.entries)
	return result
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return errors.Annotate(q.file.Close(), "queue Close")
}
