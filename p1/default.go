package p1

// DSMR 5.0 P1 companion standard codes.
var dsmr50Fields = []FieldDef{
	{Name: "p1_version", Code: "1-3:0.2.8"},
	{Name: "timestamp", Code: "0-0:1.0.0"},
	{Name: "equipment_id", Code: "0-0:96.1.1"},
	{Name: "energy_delivered_tariff1", Code: "1-0:1.8.1", Required: true, ZeroCheck: true},
	{Name: "energy_delivered_tariff2", Code: "1-0:1.8.2", Required: true, ZeroCheck: true},
	{Name: "energy_returned_tariff1", Code: "1-0:2.8.1", Required: true, ZeroCheck: true},
	{Name: "energy_returned_tariff2", Code: "1-0:2.8.2", Required: true, ZeroCheck: true},
	{Name: "electricity_tariff", Code: "0-0:96.14.0", AsNumber: true},
	{Name: "power_delivered", Code: "1-0:1.7.0"},
	{Name: "power_returned", Code: "1-0:2.7.0"},
	{Name: "electricity_failures", Code: "0-0:96.7.21", AsNumber: true},
	{Name: "electricity_long_failures", Code: "0-0:96.7.9", AsNumber: true},
	{Name: "electricity_sags_l1", Code: "1-0:32.32.0", AsNumber: true},
	{Name: "electricity_sags_l2", Code: "1-0:52.32.0", AsNumber: true},
	{Name: "electricity_sags_l3", Code: "1-0:72.32.0", AsNumber: true},
	{Name: "electricity_swells_l1", Code: "1-0:32.36.0", AsNumber: true},
	{Name: "electricity_swells_l2", Code: "1-0:52.36.0", AsNumber: true},
	{Name: "electricity_swells_l3", Code: "1-0:72.36.0", AsNumber: true},
	{Name: "voltage_l1", Code: "1-0:32.7.0"},
	{Name: "voltage_l2", Code: "1-0:52.7.0"},
	{Name: "voltage_l3", Code: "1-0:72.7.0"},
	{Name: "current_l1", Code: "1-0:31.7.0"},
	{Name: "current_l2", Code: "1-0:51.7.0"},
	{Name: "current_l3", Code: "1-0:71.7.0"},
	{Name: "power_delivered_l1", Code: "1-0:21.7.0"},
	{Name: "power_delivered_l2", Code: "1-0:41.7.0"},
	{Name: "power_delivered_l3", Code: "1-0:61.7.0"},
	{Name: "power_returned_l1", Code: "1-0:22.7.0"},
	{Name: "power_returned_l2", Code: "1-0:42.7.0"},
	{Name: "power_returned_l3", Code: "1-0:62.7.0"},
	{Name: "gas_device_type", Code: "0-1:24.1.0", AsNumber: true},
	{Name: "gas_equipment_id", Code: "0-1:96.1.0"},
	{Name: "gas_timestamp", Code: "0-1:24.2.1", Index: 0},
	{Name: "gas_delivered", Code: "0-1:24.2.1", Index: 1, ZeroCheck: true},
}

var dsmr50Derived = []DerivedDef{
	{Name: "energy_delivered_total", Code: "1-0:1.8.3", Op: "sum",
		Inputs: []string{"energy_delivered_tariff1", "energy_delivered_tariff2"}, ZeroCheck: true, Precision: 3},
	{Name: "energy_returned_total", Code: "1-0:2.8.3", Op: "sum",
		Inputs: []string{"energy_returned_tariff1", "energy_returned_tariff2"}, ZeroCheck: true, Precision: 3},
}

// DefaultFields and DefaultDerived return copies of DSMR 5.0 interest table definitions.
func DefaultFields() []FieldDef     { return append([]FieldDef(nil), dsmr50Fields...) }
func DefaultDerived() []DerivedDef { return append([]DerivedDef(nil), dsmr50Derived...) }

func DefaultTable() *Table {
	t, err := NewTable(dsmr50Fields, dsmr50Derived)
	if err != nil {
		panic("code error default interest table: " + err.Error())
	}
	return t
}
