package p1

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type ZeroPolicy uint8

const (
	// Whole reading set is discarded.
	ZeroDrop ZeroPolicy = iota
	// Reading set is emitted, flag is reported as warning.
	ZeroWarn
)

func ParseZeroPolicy(s string) (ZeroPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return ZeroDrop, nil
	case "warn":
		return ZeroWarn, nil
	}
	return ZeroDrop, errors.NotValidf("zero policy=%s", s)
}

func (p ZeroPolicy) String() string {
	if p == ZeroWarn {
		return "warn"
	}
	return "drop"
}

type Reading struct {
	Name  string
	Code  ObisCode
	Value Value
}

// ReadingSet is one resolved snapshot of fields from a single telegram.
// Readings are in interest table order.
type ReadingSet struct {
	Readings []Reading
}

func (rs *ReadingSet) Get(name string) (Value, bool) {
	for _, r := range rs.Readings {
		if r.Name == name {
			return r.Value, true
		}
	}
	return Value{}, false
}

func (rs *ReadingSet) Names() []string {
	names := make([]string, len(rs.Readings))
	for i, r := range rs.Readings {
		names[i] = r.Name
	}
	return names
}

// Builder turns decoded lines of one telegram into ReadingSet.
// Not safe for concurrent use; the only state is zero regression memory.
type Builder struct {
	table       *Table
	policy      ZeroPolicy
	seenNonZero map[string]bool
}

func NewBuilder(table *Table, policy ZeroPolicy) *Builder {
	return &Builder{
		table:       table,
		policy:      policy,
		seenNonZero: make(map[string]bool),
	}
}

// Build returns nil set when telegram does not produce readings.
// Returned errors are non-fatal events: ErrMissingRequiredField, ErrZeroRegression.
func (self *Builder) Build(lines []DataLine) (*ReadingSet, []error) {
	resolved := make(map[string]Value, len(self.table.fields)+len(self.table.derived))
	for _, line := range lines {
		for _, idx := range self.table.byCode[line.Code] {
			f := &self.table.fields[idx]
			if _, ok := resolved[f.Name]; ok {
				continue // first occurrence wins
			}
			if f.Index >= len(line.Values) {
				continue
			}
			v := line.Values[f.Index]
			if f.AsNumber && v.Kind == KindText {
				if n, err := strconv.ParseFloat(v.Text, 64); err == nil {
					v = NumberValue(n, "")
				}
			}
			resolved[f.Name] = v
		}
	}

	for _, d := range self.table.derived {
		inputs := make([]float64, 0, len(d.Inputs))
		unit := ""
		for i, in := range d.Inputs {
			v, ok := resolved[in]
			if !ok || v.Kind != KindNumber {
				break
			}
			if i == 0 {
				unit = v.Unit
			}
			inputs = append(inputs, v.Number)
		}
		if len(inputs) != len(d.Inputs) {
			continue
		}
		result := deriveOps[d.Op].f(inputs)
		resolved[d.Name] = NumberValue(round(result, d.Precision), unit)
	}

	requiredTotal, missing := 0, make([]string, 0)
	for _, f := range self.table.fields {
		if f.Required {
			requiredTotal++
			if _, ok := resolved[f.Name]; !ok {
				missing = append(missing, f.Name)
			}
		}
	}
	for _, d := range self.table.derived {
		if d.Required {
			requiredTotal++
			if _, ok := resolved[d.Name]; !ok {
				missing = append(missing, d.Name)
			}
		}
	}
	switch {
	case len(resolved) == 0:
		return nil, nil
	case requiredTotal != 0 && len(missing) == requiredTotal:
		// unsupported meter variant, not an error
		return nil, nil
	case len(missing) != 0:
		return nil, []error{errors.Annotatef(ErrMissingRequiredField, "%s", strings.Join(missing, ","))}
	}

	var warnings []error
	flagged := false
	check := func(name string, enabled bool) {
		if !enabled {
			return
		}
		v, ok := resolved[name]
		if !ok || v.Kind != KindNumber {
			return
		}
		if v.Number == 0 && self.seenNonZero[name] {
			flagged = true
			warnings = append(warnings, errors.Annotatef(ErrZeroRegression, "field=%s policy=%s", name, self.policy))
		}
	}
	for _, f := range self.table.fields {
		check(f.Name, f.ZeroCheck)
	}
	for _, d := range self.table.derived {
		check(d.Name, d.ZeroCheck)
	}
	if flagged && self.policy == ZeroDrop {
		return nil, warnings
	}

	rs := &ReadingSet{Readings: make([]Reading, 0, len(resolved))}
	for _, f := range self.table.fields {
		if v, ok := resolved[f.Name]; ok {
			rs.Readings = append(rs.Readings, Reading{Name: f.Name, Code: f.Code, Value: v})
			self.observe(f.Name, v)
		}
	}
	for _, d := range self.table.derived {
		if v, ok := resolved[d.Name]; ok {
			rs.Readings = append(rs.Readings, Reading{Name: d.Name, Code: d.Code, Value: v})
			self.observe(d.Name, v)
		}
	}
	return rs, warnings
}

func (self *Builder) observe(name string, v Value) {
	if v.Kind == KindNumber && v.Number != 0 {
		self.seenNonZero[name] = true
	}
}

func round(x float64, precision int) float64 {
	if precision < 0 {
		return x
	}
	k := math.Pow(10, float64(precision))
	return math.Round(x*k) / k
}
