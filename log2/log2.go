// Package log2 solves these issues:
// - log level filtering, e.g. show debug messages in internal tests only
// - safe concurrent change of log level
// - structured events (JSON lines in production, readable text in terminal)
//
// Printf style API is kept for the bulk of messages. Event() exposes
// zerolog for messages that carry machine readable fields.
package log2

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

type Level int32

const (
	LError = iota
	LInfo
	LDebug
	LAll = math.MaxInt32
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

type Log struct {
	z      zerolog.Logger
	level  Level
	w      io.Writer
	format Format
	fields map[string]string
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	return NewFormat(w, level, FormatJSON)
}

func NewFormat(w io.Writer, level Level, format Format) *Log {
	if w == io.Discard {
		return nil
	}
	self := &Log{
		level:  level,
		w:      w,
		format: format,
	}
	self.z = self.build(nil)
	return self
}

type Func func(format string, args ...interface{})
type FuncWriter struct{ Func }

func NewFunc(f Func, level Level) *Log { return NewFormat(FuncWriter{f}, level, FormatText) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.Func("%s", strings.TrimRight(string(b), "\n"))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.fatalf = t.Fatalf
	return self
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LDebug, nil
	case "", "INFO":
		return LInfo, nil
	case "WARNING", "WARN", "ERROR", "CRITICAL":
		return LError, nil
	case "ALL":
		return LAll, nil
	}
	return LInfo, errors.NotValidf("log level=%s", s)
}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	}
	return FormatJSON, errors.NotValidf("log format=%s", s)
}

func (self *Log) build(fields map[string]string) zerolog.Logger {
	var out io.Writer = self.w
	_, isTest := self.w.(FuncWriter)
	if self.format == FormatText {
		cw := zerolog.ConsoleWriter{Out: self.w, NoColor: true, TimeFormat: "15:04:05.000000"}
		if isTest {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).With()
	if !isTest {
		ctx = ctx.Timestamp()
	}
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}

func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := &Log{level: level, w: self.w, format: self.format, fields: self.fields, fatalf: self.fatalf}
	l.z = l.build(l.fields)
	return l
}

// With returns child logger which adds key=value to every message.
func (self *Log) With(key, value string) *Log {
	if self == nil {
		return nil
	}
	fields := make(map[string]string, len(self.fields)+1)
	for k, v := range self.fields {
		fields[k] = v
	}
	fields[key] = value
	l := &Log{level: self.getLevel(), w: self.w, format: self.format, fields: fields, fatalf: self.fatalf}
	l.z = l.build(fields)
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) getLevel() Level { return Level(atomic.LoadInt32((*int32)(&self.level))) }

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return self.getLevel() >= level
}

func zlevel(level Level) zerolog.Level {
	switch {
	case level <= LError:
		return zerolog.ErrorLevel
	case level == LInfo:
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}

// Event starts structured message `name` with fields added by caller.
// Returns nil (safe no-op zerolog event) when level is filtered out.
// Usage: log.Event(log2.LInfo, "telegram_dropped").Str("reason", r).Send()
func (self *Log) Event(level Level, name string) *zerolog.Event {
	if !self.Enabled(level) {
		return nil
	}
	return self.z.WithLevel(zlevel(level)).Str("event", name)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		self.z.WithLevel(zlevel(level)).Msg(s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		self.z.WithLevel(zlevel(level)).Msg(fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, fmt.Sprint(args...))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, format, args...)
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, format, args...)
}

// Println and Printf satisfy paho mqtt.Logger.
func (self *Log) Println(args ...interface{}) {
	self.Log(LError, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}
func (self *Log) Printf(format string, args ...interface{}) {
	self.Logf(LError, format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Log(LError, "fatal: "+s)
	exit(1)
}

var exit = func(code int) {
	// let stderr pipe drain under systemd
	time.Sleep(10 * time.Millisecond)
	os.Exit(code)
}
