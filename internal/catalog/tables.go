package catalog

// Built-in OBD-II service 01 parameters (SAE J1979).
var legacyDefs = []CommandDefinition{
	{Name: "engine_load", RequestCode: "0104", Description: "Calculated engine load", Unit: "%", Formula: "A*100/255", MinValue: 0, MaxValue: 100},
	{Name: "coolant_temp", RequestCode: "0105", Description: "Engine coolant temperature", Unit: "°C", Formula: "A-40", MinValue: -40, MaxValue: 215},
	{Name: "short_fuel_trim_1", RequestCode: "0106", Description: "Short term fuel trim, bank 1", Unit: "%", Formula: "(A-128)*100/128", MinValue: -100, MaxValue: 99.22},
	{Name: "long_fuel_trim_1", RequestCode: "0107", Description: "Long term fuel trim, bank 1", Unit: "%", Formula: "(A-128)*100/128", MinValue: -100, MaxValue: 99.22},
	{Name: "fuel_pressure", RequestCode: "010A", Description: "Fuel pressure (gauge)", Unit: "kPa", Formula: "A*3", MinValue: 0, MaxValue: 765},
	{Name: "intake_pressure", RequestCode: "010B", Description: "Intake manifold absolute pressure", Unit: "kPa", Formula: "A", MinValue: 0, MaxValue: 255},
	{Name: "rpm", RequestCode: "010C", Description: "Engine speed", Unit: "rpm", Formula: "((A*256)+B)/4", MinValue: 0, MaxValue: 16383.75},
	{Name: "speed", RequestCode: "010D", Description: "Vehicle speed", Unit: "km/h", Formula: "A", MinValue: 0, MaxValue: 255},
	{Name: "timing_advance", RequestCode: "010E", Description: "Timing advance before TDC", Unit: "°", Formula: "A/2-64", MinValue: -64, MaxValue: 63.5},
	{Name: "intake_temp", RequestCode: "010F", Description: "Intake air temperature", Unit: "°C", Formula: "A-40", MinValue: -40, MaxValue: 215},
	{Name: "maf_rate", RequestCode: "0110", Description: "Mass air flow rate", Unit: "g/s", Formula: "((A*256)+B)/100", MinValue: 0, MaxValue: 655.35},
	{Name: "throttle_position", RequestCode: "0111", Description: "Throttle position", Unit: "%", Formula: "A*100/255", MinValue: 0, MaxValue: 100},
	{Name: "run_time", RequestCode: "011F", Description: "Run time since engine start", Unit: "s", Formula: "(A*256)+B", MinValue: 0, MaxValue: 65535},
	{Name: "distance_with_mil", RequestCode: "0121", Description: "Distance traveled with MIL on", Unit: "km", Formula: "(A*256)+B", MinValue: 0, MaxValue: 65535},
	{Name: "fuel_level", RequestCode: "012F", Description: "Fuel tank level input", Unit: "%", Formula: "A*100/255", MinValue: 0, MaxValue: 100},
	{Name: "barometric_pressure", RequestCode: "0133", Description: "Absolute barometric pressure", Unit: "kPa", Formula: "A", MinValue: 0, MaxValue: 255},
	{Name: "module_voltage", RequestCode: "0142", Description: "Control module voltage", Unit: "V", Formula: "((A*256)+B)/1000", MinValue: 0, MaxValue: 65.535},
	{Name: "ambient_temp", RequestCode: "0146", Description: "Ambient air temperature", Unit: "°C", Formula: "A-40", MinValue: -40, MaxValue: 215},
	{Name: "oil_temp", RequestCode: "015C", Description: "Engine oil temperature", Unit: "°C", Formula: "A-40", MinValue: -40, MaxValue: 210},
	{Name: "fuel_rate", RequestCode: "015E", Description: "Engine fuel rate", Unit: "L/h", Formula: "((A*256)+B)/20", MinValue: 0, MaxValue: 3276.75},
}

// Built-in manufacturer ReadDataByIdentifier parameters. Identifiers differ
// per make and model; vehicle-specific ones come from an extension file
// (see catalog.example.yaml). Header is empty so requests use the default
// address.
var manufacturerDefs = []CommandDefinition{
	{Name: "transmission_temp", RequestCode: "221234", Description: "Transmission fluid temperature", Unit: "°C", Formula: "A-40", MinValue: -40, MaxValue: 215},
}

var (
	legacy       = MustNew(Legacy, legacyDefs)
	manufacturer = MustNew(Manufacturer, manufacturerDefs)
)

// LegacyCatalog returns the built-in OBD-II catalog.
func LegacyCatalog() *Catalog { return legacy }

// ManufacturerCatalog returns the built-in extended-diagnostics catalog.
func ManufacturerCatalog() *Catalog { return manufacturer }
