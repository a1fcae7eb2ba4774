package p1

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// DataLine is one decoded telegram line: OBIS code and value groups in line order.
type DataLine struct {
	Code   ObisCode
	Values []Value
}

// DecodeLine parses `<code>(<v1>)(<v2>)...`.
// Error cause is ErrLineUnparseable.
func DecodeLine(line string) (DataLine, error) {
	line = strings.TrimRight(line, "\r\n")
	open := strings.IndexByte(line, '(')
	if open <= 0 {
		return DataLine{}, errors.Annotatef(ErrLineUnparseable, "no value group line=%q", line)
	}
	code, err := ParseObis(line[:open])
	if err != nil {
		return DataLine{}, errors.Annotatef(ErrLineUnparseable, "line=%q code: %v", line, err)
	}

	dl := DataLine{Code: code, Values: make([]Value, 0, 2)}
	rest := line[open:]
	for rest != "" {
		if rest[0] != '(' {
			return DataLine{}, errors.Annotatef(ErrLineUnparseable, "garbage between groups line=%q", line)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return DataLine{}, errors.Annotatef(ErrLineUnparseable, "unbalanced group line=%q", line)
		}
		group := rest[1:end]
		if strings.IndexByte(group, '(') >= 0 {
			return DataLine{}, errors.Annotatef(ErrLineUnparseable, "nested group line=%q", line)
		}
		dl.Values = append(dl.Values, decodeGroup(group))
		rest = rest[end+1:]
	}
	return dl, nil
}

func decodeGroup(s string) Value {
	if star := strings.IndexByte(s, '*'); star > 0 && star < len(s)-1 {
		if isDecimal(s[:star]) {
			if f, err := strconv.ParseFloat(s[:star], 64); err == nil {
				return NumberValue(f, s[star+1:])
			}
		}
	}
	if t, dst, ok := parseTimestamp(s); ok {
		return TimeValue(t, dst)
	}
	return TextValue(s)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

func parseTimestamp(s string) (time.Time, bool, bool) {
	if len(s) != 13 {
		return time.Time{}, false, false
	}
	for i := 0; i < 12; i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, false, false
		}
	}
	var zone *time.Location
	var dst bool
	switch s[12] {
	case 'S':
		zone, dst = zoneSummer, true
	case 'W':
		zone = zoneWinter
	default:
		return time.Time{}, false, false
	}
	t, err := time.ParseInLocation("060102150405", s[:12], zone)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, dst, true
}

// DecodeLines decodes data lines of a validated telegram.
// Unparseable lines are skipped and reported.
func DecodeLines(lines []string) ([]DataLine, []error) {
	result := make([]DataLine, 0, len(lines))
	var errs []error
	for _, line := range lines {
		dl, err := DecodeLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result = append(result, dl)
	}
	return result, errs
}
