package meter

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
)

var eofMarker = []byte("EOF")

// replay feeds capture file line by line, pausing after each telegram end line.
// Line "EOF" ends the stream like end of file.
type replay struct {
	f       io.Closer
	r       *bufio.Reader
	delay   time.Duration
	pending []byte
	pause   bool
	stop    chan struct{}
	once    sync.Once
}

func OpenReplay(path string, delay time.Duration) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "meter replay")
	}
	return NewReplay(f, delay), nil
}

// NewReplay wraps any capture stream, useful for tests.
func NewReplay(rc io.ReadCloser, delay time.Duration) Source {
	return &replay{
		f:     rc,
		r:     bufio.NewReader(rc),
		delay: delay,
		stop:  make(chan struct{}),
	}
}

func (self *replay) Read(p []byte) (int, error) {
	if len(self.pending) == 0 {
		if self.pause {
			self.pause = false
			if !self.sleep() {
				return 0, io.EOF
			}
		}
		select {
		case <-self.stop:
			return 0, io.EOF
		default:
		}
		line, err := self.r.ReadBytes('\n')
		if bytes.Equal(bytes.TrimSpace(line), eofMarker) {
			return 0, io.EOF
		}
		if len(line) == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		self.pending = line
		self.pause = line[0] == '!' && self.delay > 0
	}
	n := copy(p, self.pending)
	self.pending = self.pending[n:]
	return n, nil
}

func (self *replay) sleep() bool {
	t := time.NewTimer(self.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-self.stop:
		return false
	}
}

// Close interrupts pending delay.
func (self *replay) Close() error {
	var err error
	self.once.Do(func() {
		close(self.stop)
		err = self.f.Close()
	})
	return err
}
