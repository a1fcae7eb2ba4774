package tele

import "strings"

// UnitClass is Home Assistant sensor classification of a measurement unit.
type UnitClass struct {
	DeviceClass string
	StateClass  string
	Unit        string
}

var unitClasses = map[string]UnitClass{
	"Wh":  {"energy", "total", "Wh"},
	"kWh": {"energy", "total", "kWh"},
	"MWh": {"energy", "total", "MWh"},
	"GWh": {"energy", "total", "GWh"},
	"W":   {"power", "measurement", "W"},
	"kW":  {"power", "measurement", "kW"},
	"A":   {"current", "measurement", "A"},
	"V":   {"voltage", "measurement", "V"},
	"m3":  {"gas", "total", "m³"},
	"m³":  {"gas", "total", "m³"},
	"Hz":  {"frequency", "measurement", "Hz"},
}

// ParseUnit maps meter unit to device/state class. Unknown unit returns
// empty classes and the unit as is.
func ParseUnit(unit string) UnitClass {
	if unit == "" {
		return UnitClass{}
	}
	if strings.EqualFold(unit, "watt") {
		unit = "W"
	}
	if c, ok := unitClasses[unit]; ok {
		return c
	}
	return UnitClass{Unit: unit}
}
