package ecu

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/dtc"
)

// DemoPort is the sentinel port name of the demo handler.
const DemoPort = "DEMO"

// DemoHandler generates simulated readings for development and testing.
// It implements Handler without any transport.
type DemoHandler struct {
	cat    *catalog.Catalog
	onData DataCallback
	status *statusTracker

	mu    sync.Mutex
	t     float64 // virtual time accumulator
	codes []dtc.Code
}

// NewDemoHandler creates a demo handler over cat, or the legacy catalog when
// cat is nil.
func NewDemoHandler(cat *catalog.Catalog, cb Callbacks) *DemoHandler {
	if cat == nil {
		cat = catalog.LegacyCatalog()
	}
	return &DemoHandler{
		cat:    cat,
		onData: cb.OnData,
		status: newStatusTracker("demo", cb.OnStatus),
	}
}

// DemoPorts returns the demo sentinel.
func DemoPorts() []string { return []string{DemoPort} }

func (d *DemoHandler) Name() string                  { return "Demo (Simulated)" }
func (d *DemoHandler) AvailablePorts() []string      { return DemoPorts() }
func (d *DemoHandler) State() Status                 { return d.status.get() }
func (d *DemoHandler) IsConnected() bool             { return d.status.get() == StatusConnected }
func (d *DemoHandler) SupportedParameters() []string { return d.cat.SupportedParameters() }
func (d *DemoHandler) Catalog() *catalog.Catalog     { return d.cat }

func (d *DemoHandler) Connect(ctx context.Context, port string, opts Options) error {
	d.status.set(StatusConnecting, "starting simulator")
	d.mu.Lock()
	d.t = 0
	d.codes = []dtc.Code{
		dtc.New("P0301", dtc.StatusStored),
		dtc.New("P0420", dtc.StatusStored),
		dtc.New("P0442", dtc.StatusPending),
	}
	d.mu.Unlock()
	d.status.set(StatusConnected, "simulator running")
	return nil
}

func (d *DemoHandler) Disconnect() error {
	d.status.set(StatusDisconnected, "simulator stopped")
	return nil
}

// Update advances the simulation one tick and reports every parameter.
func (d *DemoHandler) Update(ctx context.Context) ([]codec.Reading, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}
	d.mu.Lock()
	d.t += 0.05 // ~20Hz tick
	values := simulate(d.t)
	d.mu.Unlock()

	now := time.Now()
	var out []codec.Reading
	for _, name := range d.cat.SupportedParameters() {
		def, _ := d.cat.Lookup(name)
		r := synthesize(def, values, now)
		out = append(out, r)
		if d.onData != nil {
			d.onData(r.Parameter, r.Value, r.Unit)
		}
	}
	return out, nil
}

// Read returns the current simulated value of one parameter.
func (d *DemoHandler) Read(ctx context.Context, name string) (codec.Reading, error) {
	if !d.IsConnected() {
		return codec.Reading{}, ErrNotConnected
	}
	def, err := d.cat.Lookup(name)
	if err != nil {
		return codec.Reading{}, err
	}
	d.mu.Lock()
	values := simulate(d.t)
	d.mu.Unlock()
	return synthesize(def, values, time.Now()), nil
}

func (d *DemoHandler) DiagnosticCodes(ctx context.Context) ([]dtc.Code, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dtc.Code(nil), d.codes...), nil
}

func (d *DemoHandler) ClearDiagnosticCodes(ctx context.Context) (bool, error) {
	if !d.IsConnected() {
		return false, ErrNotConnected
	}
	d.mu.Lock()
	d.codes = nil
	d.mu.Unlock()
	return true, nil
}

// simulate derives a coherent engine state from virtual time t.
func simulate(t float64) map[string]float64 {
	// RPM cycling between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(t*0.3)*math.Sin(t*0.3) + rand.Float64()*50

	tps := (rpm - 850) / (8000 - 850) * 100
	tps = math.Max(0, math.Min(100, tps))
	load := 20 + tps*0.75
	speed := tps / 100 * 220
	coolant := 85.0 + rand.Float64()*5
	iat := 30.0 + rand.Float64()*8
	mapKPa := 30 + tps/100*170
	if mapKPa > 150 {
		iat = 55 + rand.Float64()*15
	}

	gear := 0.0 // N
	switch {
	case speed > 180:
		gear = 6
	case speed > 140:
		gear = 5
	case speed > 100:
		gear = 4
	case speed > 60:
		gear = 3
	case speed > 30:
		gear = 2
	case speed > 5:
		gear = 1
	}

	oilPressure := 100 + tps/100*300 // kPa
	if rpm < 500 {
		oilPressure = rpm / 500 * 100
	}

	return map[string]float64{
		"rpm":                   rpm,
		"engine_load":           load,
		"throttle_position":     tps,
		"speed":                 speed,
		"coolant_temp":          coolant,
		"intake_temp":           iat,
		"intake_pressure":       mapKPa,
		"maf_rate":              2 + rpm/8000*180,
		"timing_advance":        10 + (tps/100)*28,
		"short_fuel_trim_1":     rand.Float64()*6 - 3,
		"long_fuel_trim_1":      1.5,
		"fuel_pressure":         350,
		"fuel_level":            62 - t*0.001,
		"barometric_pressure":   101,
		"module_voltage":        13.8 + rand.Float64()*0.4,
		"ambient_temp":          22,
		"oil_temp":              coolant + 10,
		"fuel_rate":             0.8 + tps/100*25,
		"run_time":              t,
		"distance_with_mil":     0,
		"transmission_temp":     coolant - 5,
		"transmission_gear":     gear,
		"torque_converter_slip": math.Max(0, 120-speed*2),
		"oil_pressure":          oilPressure,
		"oil_life":              78,
		"battery_voltage":       12.6 + rand.Float64()*1.6,
		"odometer":              48213 + t/72,
	}
}

// synthesize turns a simulated value into a reading, falling back to a
// slow sine across the parameter's range for names the simulator does not
// model.
func synthesize(def catalog.CommandDefinition, values map[string]float64, now time.Time) codec.Reading {
	v, ok := values[def.Name]
	if !ok {
		mid := (def.MinValue + def.MaxValue) / 2
		span := (def.MaxValue - def.MinValue) / 4
		v = mid + span*math.Sin(float64(now.UnixNano())/1e9*0.2)
	}
	q := codec.QualityGood
	if v < def.MinValue {
		v, q = def.MinValue, codec.QualityClamped
	} else if v > def.MaxValue {
		v, q = def.MaxValue, codec.QualityClamped
	}
	return codec.Reading{
		Parameter: def.Name,
		Value:     math.Round(v*100) / 100,
		Unit:      def.Unit,
		Timestamp: now,
		Quality:   q,
	}
}
