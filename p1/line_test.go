package p1

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine(t *testing.T) {
	t.Parallel()

	summer := time.Date(2020, 5, 15, 12, 0, 0, 0, zoneSummer)
	winter := time.Date(2019, 1, 2, 3, 4, 5, 0, zoneWinter)
	cases := []struct {
		input  string
		code   ObisCode
		expect []Value
	}{
		{"1-0:1.8.1(001234.567*kWh)", "1-0:1.8.1", []Value{NumberValue(1234.567, "kWh")}},
		{"1-0:1.7.0(00.512*kW)\r\n", "1-0:1.7.0", []Value{NumberValue(0.512, "kW")}},
		{"1-0:32.7.0(230.1*V)", "1-0:32.7.0", []Value{NumberValue(230.1, "V")}},
		{"0-0:1.0.0(200515120000S)", "0-0:1.0.0", []Value{TimeValue(summer, true)}},
		{"0-0:1.0.0(190102030405W)", "0-0:1.0.0", []Value{TimeValue(winter, false)}},
		{"0-0:96.14.0(0002)", "0-0:96.14.0", []Value{TextValue("0002")}},
		{"0-0:96.13.0()", "0-0:96.13.0", []Value{TextValue("")}},
		{"0-1:24.2.1(200515115500S)(01234.567*m3)", "0-1:24.2.1", []Value{
			TimeValue(time.Date(2020, 5, 15, 11, 55, 0, 0, zoneSummer), true),
			NumberValue(1234.567, "m3"),
		}},
		{"1-0:99.97.0(1)(0-0:96.7.19)(000101000006W)(2147483647*s)", "1-0:99.97.0", []Value{
			TextValue("1"),
			TextValue("0-0:96.7.19"),
			TimeValue(time.Date(2000, 1, 1, 0, 0, 6, 0, zoneWinter), false),
			NumberValue(2147483647, "s"),
		}},
		{"1-0:1.8.0*255(12*kWh)", "1-0:1.8.0*255", []Value{NumberValue(12, "kWh")}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			t.Parallel()
			dl, err := DecodeLine(c.input)
			require.NoError(t, err)
			assert.Equal(t, c.code, dl.Code)
			require.Len(t, dl.Values, len(c.expect))
			for i, v := range c.expect {
				got := dl.Values[i]
				assert.Equal(t, v.Kind, got.Kind, "group %d", i)
				assert.Equal(t, v.Number, got.Number, "group %d", i)
				assert.Equal(t, v.Unit, got.Unit, "group %d", i)
				assert.Equal(t, v.Text, got.Text, "group %d", i)
				assert.Equal(t, v.DST, got.DST, "group %d", i)
				assert.True(t, v.Time.Equal(got.Time), "group %d expected=%v actual=%v", i, v.Time, got.Time)
			}
		})
	}
}

func TestDecodeLineError(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"",
		"garbage",
		"(1234*kWh)",
		"1-0:1.8.1",
		"1-0:1.8.1(001234.567*kWh",
		"1-0:1.8.1(1)x(2)",
		"1-0:1.8.1((1))",
		"1-0:1.8.1.1.1(1)",
		"1-0:1.999.1(1)",
		"x-0:1.8.1(1)",
	} {
		input := input
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeLine(input)
			require.Error(t, err)
			assert.True(t, errors.Cause(err) == ErrLineUnparseable, "err=%v", err)
			assert.False(t, IsFatal(err))
		})
	}
}

func TestDecodeLines(t *testing.T) {
	t.Parallel()
	lines, errs := DecodeLines([]string{"1-0:1.8.1(1*kWh)", "garbage", "1-0:1.8.2(2*kWh)"})
	assert.Len(t, lines, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "line_unparseable", Kind(errs[0]))
}

// Formatted number must decode back to the same value.
func TestFormatNumberRoundTrip(t *testing.T) {
	t.Parallel()

	for _, x := range []float64{0, 1, 0.001, 1234.567, 3580.245, 999999.999, -12.5} {
		for _, unit := range []string{"kWh", "kW", "V", "A", "m3"} {
			s := FormatNumber(x, unit)
			dl, err := DecodeLine("1-0:1.8.1(" + s + ")")
			require.NoError(t, err, s)
			require.Len(t, dl.Values, 1)
			assert.Equal(t, KindNumber, dl.Values[0].Kind, s)
			assert.Equal(t, x, dl.Values[0].Number, s)
			assert.Equal(t, unit, dl.Values[0].Unit, s)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"200515120000S", "191231235959W", "000101000006W"} {
		dl, err := DecodeLine("0-0:1.0.0(" + s + ")")
		require.NoError(t, err)
		require.Equal(t, KindTime, dl.Values[0].Kind)
		assert.Equal(t, s, dl.Values[0].String())
	}
}

func TestParseObis(t *testing.T) {
	t.Parallel()

	c := MustParseObis("0-1:24.2.1")
	assert.Equal(t, []int{0, 1, 24, 2, 1}, c.Groups())
	assert.Equal(t, []int{1, 0, 1, 8, 0, 255}, ObisCode("1-0:1.8.0*255").Groups())
	_, err := ParseObis("1-0:1.8")
	assert.True(t, errors.IsNotValid(err))
	assert.Nil(t, ObisCode("bad").Groups())
}
