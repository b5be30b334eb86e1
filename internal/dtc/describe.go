package dtc

import "strings"

// Status values for codes read with the OBD-II services.
const (
	StatusStored  = "stored"
	StatusPending = "pending"
)

// Severity levels.
const (
	SeverityHigh    = "high"
	SeverityMedium  = "medium"
	SeverityLow     = "low"
	SeverityUnknown = "unknown"
)

// SystemName maps the code letter to the vehicle system.
func SystemName(code string) string {
	if code == "" {
		return ""
	}
	switch upper(code[0]) {
	case 'P':
		return "Powertrain"
	case 'C':
		return "Chassis"
	case 'B':
		return "Body"
	case 'U':
		return "Network"
	}
	return ""
}

var descriptions = map[string]string{
	"P0101": "Mass Air Flow Circuit Range/Performance",
	"P0102": "Mass Air Flow Circuit Low Input",
	"P0103": "Mass Air Flow Circuit High Input",
	"P0117": "Engine Coolant Temperature Circuit Low",
	"P0118": "Engine Coolant Temperature Circuit High",
	"P0128": "Coolant Thermostat Below Regulating Temperature",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",
	"P0217": "Engine Overtemperature Condition",
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0335": "Crankshaft Position Sensor A Circuit",
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0420": "Catalyst System Efficiency Below Threshold (Bank 1)",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0442": "Evaporative Emission Control System Leak Detected (Small)",
	"P0455": "Evaporative Emission Control System Leak Detected (Large)",
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0520": "Engine Oil Pressure Sensor/Switch Circuit",
	"P0562": "System Voltage Low",
	"P0700": "Transmission Control System Malfunction",
	"P0711": "Transmission Fluid Temperature Sensor Range/Performance",
	"P0741": "Torque Converter Clutch Circuit Performance or Stuck Off",
	"C0035": "Left Front Wheel Speed Sensor Circuit",
	"C0040": "Right Front Wheel Speed Sensor Circuit",
	"C1A00": "TPMS Control Module Malfunction",
	"C2100": "Tire Pressure Too Low - Left Front",
	"B1000": "Body Control Module Malfunction",
	"B1342": "ECU Defective",
	"U0001": "High Speed CAN Communication Bus",
	"U0100": "Lost Communication With ECM/PCM",
	"U0101": "Lost Communication With TCM",
	"U0121": "Lost Communication With ABS Module",
	"U0140": "Lost Communication With Body Control Module",
}

// Describe returns a human-readable description for code.
func Describe(code string) string {
	if d, ok := descriptions[strings.ToUpper(code)]; ok {
		return d
	}
	if len(code) == 5 && code[1] != '0' && code[1] != '2' {
		return "Manufacturer Specific Code"
	}
	return "Unknown DTC"
}

// Severity classifies how urgently a code needs attention.
func Severity(code string) string {
	code = strings.ToUpper(code)
	if len(code) != 5 {
		return SeverityUnknown
	}
	switch {
	case strings.HasPrefix(code, "P030"), // misfire
		code == "P0217", code == "P0520", code == "P0335",
		strings.HasPrefix(code, "U01"): // lost communication with a module
		return SeverityHigh
	case strings.HasPrefix(code, "P044"), strings.HasPrefix(code, "P045"), // evap
		code == "P0128":
		return SeverityLow
	}
	return SeverityMedium
}

// UDS status byte bits (ISO 14229-1 D.2).
var statusBits = []struct {
	mask byte
	name string
}{
	{0x01, "testFailed"},
	{0x02, "testFailedThisOperationCycle"},
	{0x04, "pending"},
	{0x08, "confirmed"},
	{0x10, "testNotCompletedSinceLastClear"},
	{0x20, "testFailedSinceLastClear"},
	{0x40, "testNotCompletedThisOperationCycle"},
	{0x80, "warningIndicatorRequested"},
}

// StatusString renders a UDS status byte as a comma-separated flag list.
func StatusString(status byte) string {
	var parts []string
	for _, b := range statusBits {
		if status&b.mask != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
