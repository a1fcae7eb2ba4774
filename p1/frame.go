package p1

import (
	"bufio"
	"io"
	"strings"

	"github.com/juju/errors"
)

const DefaultMaxTelegramBytes = 16 << 10

// RawTelegram is one complete frame as received, start line through checksum line.
type RawTelegram struct {
	// Exact lines including line terminators. First is header, last starts with '!'.
	Lines []string
	// Bytes covered by checksum: from '/' through '!' inclusive.
	Span []byte
	// Text after '!' without line terminator, may be empty.
	Checksum string
}

// Header returns meter identification without leading '/'.
func (t *RawTelegram) Header() string {
	if len(t.Lines) == 0 {
		return ""
	}
	return strings.TrimRight(t.Lines[0][1:], "\r\n")
}

// DataLines returns lines between header and end marker, without line terminators.
// Empty lines are skipped.
func (t *RawTelegram) DataLines() []string {
	if len(t.Lines) < 2 {
		return nil
	}
	inner := t.Lines[1 : len(t.Lines)-1]
	result := make([]string, 0, len(inner))
	for _, line := range inner {
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}

type FrameOptions struct {
	// Telegram larger than this without end marker is dropped. Default 16KiB.
	MaxBytes int
}

// FrameAssembler cuts byte stream into telegrams.
// Next() returns either telegram or error; errors with cause ErrFramingDesync
// mean a dropped partial telegram and the stream may continue.
// io.EOF marks end of stream. Other errors come from the reader.
type FrameAssembler struct {
	r          *bufio.Reader
	opt        FrameOptions
	collecting bool
	buf        []string
	size       int
	eof        bool
}

func NewFrameAssembler(r io.Reader, opt FrameOptions) *FrameAssembler {
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxTelegramBytes
	}
	return &FrameAssembler{
		r:   bufio.NewReaderSize(r, 4096),
		opt: opt,
		buf: make([]string, 0, 32),
	}
}

// Collecting reports whether a telegram is started but not complete.
func (self *FrameAssembler) Collecting() bool { return self.collecting }

func (self *FrameAssembler) Next() (*RawTelegram, error) {
	for {
		if self.eof {
			if self.collecting {
				dropped := len(self.buf)
				self.reset()
				return nil, errors.Annotatef(ErrFramingDesync, "end of stream inside telegram, dropped %d lines", dropped)
			}
			return nil, io.EOF
		}
		line, overflow, err := self.readLine()
		if overflow && self.collecting {
			dropped := len(self.buf)
			self.reset()
			return nil, errors.Annotatef(ErrFramingDesync, "line longer than %d bytes, dropped %d lines", self.opt.MaxBytes, dropped)
		}
		if line != "" {
			t, ferr := self.feed(line)
			if t != nil || ferr != nil {
				if err == io.EOF {
					self.eof = true
				}
				return t, ferr
			}
		}
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			self.eof = true
		}
	}
}

func (self *FrameAssembler) readLine() (string, bool, error) {
	var acc []byte
	overflow := false
	for {
		chunk, err := self.r.ReadSlice('\n')
		if !overflow {
			acc = append(acc, chunk...)
			if len(acc) > self.opt.MaxBytes {
				overflow, acc = true, nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(acc), overflow, err
	}
}

func (self *FrameAssembler) feed(line string) (*RawTelegram, error) {
	switch {
	case line[0] == '/':
		var err error
		if self.collecting {
			err = errors.Annotatef(ErrFramingDesync, "start marker inside telegram, dropped %d lines", len(self.buf))
		}
		self.reset()
		self.collecting = true
		self.append(line)
		return nil, err

	case !self.collecting:
		return nil, nil

	case line[0] == '!':
		self.append(line)
		t := self.complete()
		self.reset()
		return t, nil
	}

	self.append(line)
	if self.size > self.opt.MaxBytes {
		dropped := len(self.buf)
		self.reset()
		return nil, errors.Annotatef(ErrFramingDesync, "telegram exceeds %d bytes without end marker, dropped %d lines", self.opt.MaxBytes, dropped)
	}
	return nil, nil
}

func (self *FrameAssembler) append(line string) {
	self.buf = append(self.buf, line)
	self.size += len(line)
}

func (self *FrameAssembler) reset() {
	self.collecting = false
	self.buf = self.buf[:0]
	self.size = 0
}

func (self *FrameAssembler) complete() *RawTelegram {
	t := &RawTelegram{Lines: make([]string, len(self.buf))}
	copy(t.Lines, self.buf)
	span := make([]byte, 0, self.size)
	for _, line := range t.Lines[:len(t.Lines)-1] {
		span = append(span, line...)
	}
	span = append(span, '!')
	t.Span = span
	last := t.Lines[len(t.Lines)-1]
	t.Checksum = strings.TrimSpace(strings.TrimRight(last[1:], "\r\n"))
	return t
}
