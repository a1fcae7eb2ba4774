package p1

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// FieldDef maps one OBIS code value group to a named field.
type FieldDef struct {
	Name string
	Code ObisCode
	// Value group index within the line, default 0.
	Index    int
	Required bool
	// Convert bare numeric text like "00004" to number.
	AsNumber bool
	// Flag value that drops to exactly zero after being non-zero.
	ZeroCheck bool
}

// DerivedDef computes a field from already resolved numeric fields.
type DerivedDef struct {
	Name string
	// Optional virtual code for display, e.g. 1-0:1.8.3.
	Code      ObisCode
	Op        string
	Inputs    []string
	Required  bool
	ZeroCheck bool
	// Decimal places of result, negative disables rounding.
	Precision int
}

type DeriveFunc func(inputs []float64) float64

var deriveOps = map[string]struct {
	f         DeriveFunc
	minInputs int
	maxInputs int
}{
	"sum": {f: func(xs []float64) float64 {
		s := 0.0
		for _, x := range xs {
			s += x
		}
		return s
	}, minInputs: 1},
	"diff": {f: func(xs []float64) float64 { return xs[0] - xs[1] }, minInputs: 2, maxInputs: 2},
}

// DeriveOps returns names of supported derivation operations.
func DeriveOps() []string {
	names := make([]string, 0, len(deriveOps))
	for name := range deriveOps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table is validated read-only interest table.
// Derived fields are stored in dependency order.
type Table struct {
	fields  []FieldDef
	derived []DerivedDef
	byCode  map[ObisCode][]int
}

func NewTable(fields []FieldDef, derived []DerivedDef) (*Table, error) {
	t := &Table{
		fields: append([]FieldDef(nil), fields...),
		byCode: make(map[ObisCode][]int, len(fields)),
	}
	names := make(map[string]bool, len(fields)+len(derived))
	errs := make([]string, 0)
	for i, f := range t.fields {
		if f.Name == "" {
			errs = append(errs, fmt.Sprintf("field #%d without name", i+1))
			continue
		}
		if names[f.Name] {
			errs = append(errs, fmt.Sprintf("duplicate name=%s", f.Name))
		}
		names[f.Name] = true
		if _, err := ParseObis(string(f.Code)); err != nil {
			errs = append(errs, fmt.Sprintf("field=%s %v", f.Name, err))
		}
		if f.Index < 0 {
			errs = append(errs, fmt.Sprintf("field=%s index=%d", f.Name, f.Index))
		}
		t.byCode[f.Code] = append(t.byCode[f.Code], i)
	}

	byName := make(map[string]int, len(derived))
	for i, d := range derived {
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("derived #%d without name", i+1))
			continue
		}
		if names[d.Name] {
			errs = append(errs, fmt.Sprintf("duplicate name=%s", d.Name))
		}
		names[d.Name] = true
		byName[d.Name] = i
		op, ok := deriveOps[d.Op]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("derived=%s unknown op=%s (supported: %s)", d.Name, d.Op, strings.Join(DeriveOps(), ",")))
		case len(d.Inputs) < op.minInputs || (op.maxInputs != 0 && len(d.Inputs) > op.maxInputs):
			errs = append(errs, fmt.Sprintf("derived=%s op=%s invalid number of inputs=%d", d.Name, d.Op, len(d.Inputs)))
		}
		if d.Code != "" {
			if _, err := ParseObis(string(d.Code)); err != nil {
				errs = append(errs, fmt.Sprintf("derived=%s %v", d.Name, err))
			}
		}
	}
	for _, d := range derived {
		for _, in := range d.Inputs {
			if !names[in] {
				errs = append(errs, fmt.Sprintf("derived=%s unknown input=%s", d.Name, in))
			}
		}
	}
	if len(errs) != 0 {
		return nil, errors.NotValidf("interest table: %s", strings.Join(errs, "; "))
	}

	sorted, err := sortDerived(derived, byName)
	if err != nil {
		return nil, err
	}
	t.derived = sorted
	return t, nil
}

// Kahn's algorithm, ties broken by declaration order.
func sortDerived(derived []DerivedDef, byName map[string]int) ([]DerivedDef, error) {
	indegree := make([]int, len(derived))
	dependents := make([][]int, len(derived))
	for i, d := range derived {
		for _, in := range d.Inputs {
			if j, ok := byName[in]; ok {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}
	ready := make([]int, 0, len(derived))
	for i := range derived {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	result := make([]DerivedDef, 0, len(derived))
	for len(ready) != 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		d := derived[i]
		d.Inputs = append([]string(nil), d.Inputs...)
		result = append(result, d)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(result) != len(derived) {
		stuck := make([]string, 0)
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, derived[i].Name)
			}
		}
		return nil, errors.Annotatef(ErrDerivationCycle, "derived fields: %s", strings.Join(stuck, ","))
	}
	return result, nil
}

func (t *Table) Fields() []FieldDef    { return append([]FieldDef(nil), t.fields...) }
func (t *Table) Derived() []DerivedDef { return append([]DerivedDef(nil), t.derived...) }

func (t *Table) Lookup(code ObisCode) []FieldDef {
	idxs := t.byCode[code]
	result := make([]FieldDef, len(idxs))
	for i, idx := range idxs {
		result[i] = t.fields[idx]
	}
	return result
}

// Names returns all field names in ReadingSet order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.fields)+len(t.derived))
	for _, f := range t.fields {
		names = append(names, f.Name)
	}
	for _, d := range t.derived {
		names = append(names, d.Name)
	}
	return names
}
