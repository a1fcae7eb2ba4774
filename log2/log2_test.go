package log2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t testing.TB, s string) []map[string]interface{} {
	t.Helper()
	result := make([]map[string]interface{}, 0)
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line == "" {
			continue
		}
		m := make(map[string]interface{})
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line=%s", line)
		result = append(result, m)
	}
	return result
}

func TestLog2(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		level  Level
		fun    func(l *Log)
		expect []map[string]interface{}
	}{
		{"debug", LAll, func(l *Log) { l.Debugf("low level var=%d", 42) },
			[]map[string]interface{}{{"level": "debug", "message": "low level var=42"}}},
		{"info", LAll, func(l *Log) { l.Infof("regular state=%s", "ok") },
			[]map[string]interface{}{{"level": "info", "message": "regular state=ok"}}},
		{"error", LAll, func(l *Log) { l.Error(fmt.Errorf("problem")) },
			[]map[string]interface{}{{"level": "error", "message": "problem"}}},
		{"filter-debug", LInfo, func(l *Log) { l.Debugf("hidden"); l.Infof("shown") },
			[]map[string]interface{}{{"level": "info", "message": "shown"}}},
		{"filter-all", LError, func(l *Log) { l.Debugf("hidden"); l.Infof("hidden") },
			[]map[string]interface{}{}},
		{"event", LInfo, func(l *Log) { l.Event(LInfo, "telegram_dropped").Str("reason", "checksum").Int("n", 3).Send() },
			[]map[string]interface{}{{"level": "info", "event": "telegram_dropped", "reason": "checksum", "n": float64(3)}}},
		{"event-filtered", LError, func(l *Log) { l.Event(LDebug, "noise").Str("k", "v").Send() },
			[]map[string]interface{}{}},
		{"with", LInfo, func(l *Log) { l.With("component", "queue").Infof("open") },
			[]map[string]interface{}{{"level": "info", "message": "open", "component": "queue"}}},
		{"paho-printf", LError, func(l *Log) { l.Printf("[client] %s", "lost") },
			[]map[string]interface{}{{"level": "error", "message": "[client] lost"}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			c.fun(nil)
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, c.level)
			c.fun(l)
			lines := decodeLines(t, buf.String())
			require.Len(t, lines, len(c.expect))
			for i, expect := range c.expect {
				for k, v := range expect {
					assert.Equal(t, v, lines[i][k], "line=%d key=%s", i, k)
				}
				assert.Contains(t, lines[i], "time")
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError)
	l.Infof("before")
	l.SetLevel(LInfo)
	l.Infof("after")
	assert.True(t, l.Enabled(LInfo))
	assert.False(t, l.Enabled(LDebug))
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "after", lines[0]["message"])
}

func TestClone(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LError).With("component", "tele")
	c := l.Clone(LDebug)
	c.Debugf("cloned")
	l.Debugf("original")
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "cloned", lines[0]["message"])
	assert.Equal(t, "tele", lines[0]["component"])
}

func TestTextFormat(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	l := NewFormat(buf, LInfo, FormatText)
	l.Infof("hello port=%s", "/dev/ttyUSB0")
	s := buf.String()
	assert.Contains(t, s, "INF")
	assert.Contains(t, s, "hello port=/dev/ttyUSB0")
}

func TestFuncWriter(t *testing.T) {
	t.Parallel()
	got := make([]string, 0)
	l := NewFunc(func(format string, args ...interface{}) {
		got = append(got, fmt.Sprintf(format, args...))
	}, LDebug)
	l.Infof("percent %d%%", 100)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "percent 100%")
	assert.False(t, strings.HasSuffix(got[0], "\n"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for input, expect := range map[string]Level{
		"DEBUG": LDebug, "debug": LDebug, "INFO": LInfo, "": LInfo,
		"WARNING": LError, "ERROR": LError, "CRITICAL": LError,
	} {
		l, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, expect, l, input)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)

	f, err := ParseFormat("TEXT")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func BenchmarkLog2(b *testing.B) {
	for _, level := range []Level{LError, LInfo} {
		buf := bytes.NewBuffer(nil)
		l := NewWriter(buf, level)
		b.Run(fmt.Sprintf("level=%d", level), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				l.Infof("example log with arg1=%s and arg2=%d", "example-arg", 12345678)
				buf.Reset()
			}
		})
	}
}
