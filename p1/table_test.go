package p1

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableError(t *testing.T) {
	t.Parallel()

	base := []FieldDef{
		{Name: "t1", Code: "1-0:1.8.1"},
		{Name: "t2", Code: "1-0:1.8.2"},
	}
	cases := []struct {
		name    string
		fields  []FieldDef
		derived []DerivedDef
		cycle   bool
	}{
		{"duplicate-field", append(base, FieldDef{Name: "t1", Code: "1-0:2.8.1"}), nil, false},
		{"bad-code", []FieldDef{{Name: "x", Code: "1.8.1"}}, nil, false},
		{"no-name", []FieldDef{{Code: "1-0:1.8.1"}}, nil, false},
		{"negative-index", []FieldDef{{Name: "x", Code: "1-0:1.8.1", Index: -1}}, nil, false},
		{"unknown-op", base, []DerivedDef{{Name: "s", Op: "avg", Inputs: []string{"t1"}}}, false},
		{"diff-arity", base, []DerivedDef{{Name: "s", Op: "diff", Inputs: []string{"t1"}}}, false},
		{"unknown-input", base, []DerivedDef{{Name: "s", Op: "sum", Inputs: []string{"t1", "t3"}}}, false},
		{"duplicate-derived", base, []DerivedDef{{Name: "t2", Op: "sum", Inputs: []string{"t1"}}}, false},
		{"cycle", base, []DerivedDef{
			{Name: "a", Op: "sum", Inputs: []string{"t1", "b"}},
			{Name: "b", Op: "sum", Inputs: []string{"a"}},
		}, true},
		{"self-cycle", base, []DerivedDef{{Name: "a", Op: "sum", Inputs: []string{"a"}}}, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			table, err := NewTable(c.fields, c.derived)
			require.Error(t, err)
			assert.Nil(t, table)
			if c.cycle {
				assert.True(t, errors.Cause(err) == ErrDerivationCycle, "err=%v", err)
				assert.Equal(t, "derivation_cycle", Kind(err))
			} else {
				assert.True(t, errors.IsNotValid(err), "err=%v", err)
			}
		})
	}
}

func TestTableDerivedOrder(t *testing.T) {
	t.Parallel()

	fields := []FieldDef{
		{Name: "t1", Code: "1-0:1.8.1"},
		{Name: "t2", Code: "1-0:1.8.2"},
	}
	derived := []DerivedDef{
		{Name: "net", Op: "diff", Inputs: []string{"total", "t2"}},
		{Name: "total", Op: "sum", Inputs: []string{"t1", "t2"}},
		{Name: "double", Op: "sum", Inputs: []string{"total", "total"}},
	}
	table, err := NewTable(fields, derived)
	require.NoError(t, err)
	names := make([]string, 0)
	for _, d := range table.Derived() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"total", "net", "double"}, names)
	assert.Equal(t, []string{"t1", "t2", "total", "net", "double"}, table.Names())
	assert.Len(t, table.Lookup("1-0:1.8.2"), 1)
	assert.Empty(t, table.Lookup("1-0:9.9.9"))
}

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	table := DefaultTable()
	assert.Len(t, table.Lookup("0-1:24.2.1"), 2)
	assert.Contains(t, table.Names(), "energy_delivered_total")
	assert.Contains(t, table.Names(), "energy_returned_total")
	assert.Equal(t, []string{"diff", "sum"}, DeriveOps())
}
