package p1

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ObisCode is an OBIS reduced identifier as printed by the meter,
// e.g. "1-0:1.8.1" or "0-1:24.2.1". Compared by exact string match.
type ObisCode string

// ParseObis checks A-B:C.D.E structure with optional trailing .F or *F group.
func ParseObis(s string) (ObisCode, error) {
	if _, err := obisGroups(s); err != nil {
		return "", err
	}
	return ObisCode(s), nil
}

func MustParseObis(s string) ObisCode {
	c, err := ParseObis(s)
	if err != nil {
		panic("code error " + err.Error())
	}
	return c
}

func (c ObisCode) String() string { return string(c) }

// Groups returns numeric value groups. Invalid code returns nil.
func (c ObisCode) Groups() []int {
	gs, _ := obisGroups(string(c))
	return gs
}

func obisGroups(s string) ([]int, error) {
	dash := strings.IndexByte(s, '-')
	colon := strings.IndexByte(s, ':')
	if dash <= 0 || colon <= dash+1 {
		return nil, errors.NotValidf("obis code=%q", s)
	}
	parts := make([]string, 0, 6)
	parts = append(parts, s[:dash], s[dash+1:colon])
	rest := strings.Replace(s[colon+1:], "*", ".", 1)
	tail := strings.Split(rest, ".")
	if len(tail) < 3 || len(tail) > 4 {
		return nil, errors.NotValidf("obis code=%q", s)
	}
	parts = append(parts, tail...)
	gs := make([]int, len(parts))
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return nil, errors.NotValidf("obis code=%q", s)
		}
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, errors.NotValidf("obis code=%q", s)
		}
		gs[i] = int(n)
	}
	return gs, nil
}
