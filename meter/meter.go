// Package meter provides P1 byte stream sources: serial port and capture file replay.
package meter

import (
	"expvar"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
)

const (
	DefaultDevice      = "/dev/ttyUSB0"
	DefaultBaud        = 115200
	DefaultFormat      = "7E1"
	DefaultReadTimeout = 20 * time.Second
	DefaultReplayDelay = 1 * time.Second
)

// Source yields raw telegram bytes. Read returns io.EOF at end of stream.
type Source interface {
	io.Reader
	io.Closer
}

type Config struct {
	Device      string
	Baud        int
	Format      string
	ReadTimeout time.Duration
	// Non-empty selects replay of capture file instead of serial device.
	ReplayFile  string
	ReplayDelay time.Duration
}

// Open selects replay or serial source. stat counts bytes read, may be nil.
func Open(c Config, stat *expvar.Int, log *log2.Log) (Source, error) {
	var src Source
	var err error
	if c.ReplayFile != "" {
		log.Infof("meter replay file=%s delay=%v", c.ReplayFile, c.ReplayDelay)
		src, err = OpenReplay(c.ReplayFile, c.ReplayDelay)
	} else {
		log.Infof("meter serial device=%s baud=%d format=%s", c.Device, c.Baud, c.Format)
		src, err = OpenSerial(c)
	}
	if err != nil {
		return nil, err
	}
	if stat == nil {
		return src, nil
	}
	return statSource{Reader: helpers.NewStatReader(src, stat, 0), Closer: src}, nil
}

type statSource struct {
	io.Reader
	io.Closer
}

// LineFormat is character framing like "7E1" or "8N1".
type LineFormat struct {
	DataBits int
	Parity   byte // 'N', 'E', 'O'
	StopBits int
}

func ParseLineFormat(s string) (LineFormat, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		s = DefaultFormat
	}
	if len(s) != 3 {
		return LineFormat{}, errors.NotValidf("serial format=%s", s)
	}
	f := LineFormat{Parity: s[1]}
	var err error
	if f.DataBits, err = strconv.Atoi(s[:1]); err != nil || f.DataBits < 5 || f.DataBits > 8 {
		return LineFormat{}, errors.NotValidf("serial format=%s data bits", s)
	}
	switch f.Parity {
	case 'N', 'E', 'O':
	default:
		return LineFormat{}, errors.NotValidf("serial format=%s parity", s)
	}
	if f.StopBits, err = strconv.Atoi(s[2:]); err != nil || f.StopBits < 1 || f.StopBits > 2 {
		return LineFormat{}, errors.NotValidf("serial format=%s stop bits", s)
	}
	return f, nil
}
