package p1

import (
	"fmt"
	"strconv"
	"time"
)

type ValueKind uint8

const (
	KindText ValueKind = iota
	KindNumber
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one parenthesized group of a data line.
type Value struct {
	Kind   ValueKind
	Number float64
	Unit   string
	Time   time.Time
	DST    bool
	Text   string
}

func NumberValue(v float64, unit string) Value { return Value{Kind: KindNumber, Number: v, Unit: unit} }
func TextValue(s string) Value                 { return Value{Kind: KindText, Text: s} }
func TimeValue(t time.Time, dst bool) Value    { return Value{Kind: KindTime, Time: t, DST: dst} }

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		if v.Unit == "" {
			return strconv.FormatFloat(v.Number, 'f', -1, 64)
		}
		return FormatNumber(v.Number, v.Unit)
	case KindTime:
		return FormatTimestamp(v.Time, v.DST)
	}
	return v.Text
}

// Interface returns JSON friendly representation:
// float64 for numbers, unix seconds for time, string for text.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindTime:
		return v.Time.Unix()
	}
	return v.Text
}

// FormatNumber is the inverse of number group decoding: "<decimal>*<unit>".
func FormatNumber(v float64, unit string) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "*" + unit
}

// Meter local time. DSMR meters print CET/CEST wall clock with DST flag.
var (
	zoneWinter = time.FixedZone("CET", 1*60*60)
	zoneSummer = time.FixedZone("CEST", 2*60*60)
)

// FormatTimestamp prints YYMMDDhhmmssX where X is S (DST) or W.
func FormatTimestamp(t time.Time, dst bool) string {
	zone, suffix := zoneWinter, "W"
	if dst {
		zone, suffix = zoneSummer, "S"
	}
	return t.In(zone).Format("060102150405") + suffix
}
