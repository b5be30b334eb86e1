package ecu

import (
	"context"
	"errors"
	"testing"

	"github.com/shaunagostinho/goobd/internal/catalog"
)

func TestDemoHandler(t *testing.T) {
	rec := newRecorder()
	d := NewDemoHandler(nil, rec.callbacks())
	ctx := context.Background()

	if _, err := d.Update(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Update before Connect: %v", err)
	}
	if err := d.Connect(ctx, DemoPort, Options{}); err != nil {
		t.Fatal(err)
	}
	if got := rec.states(); len(got) != 2 || got[1] != StatusConnected {
		t.Errorf("status transitions = %v", got)
	}

	cat := catalog.LegacyCatalog()
	for i := 0; i < 50; i++ {
		readings, err := d.Update(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(readings) != cat.Len() {
			t.Fatalf("got %d readings, want %d", len(readings), cat.Len())
		}
		for _, r := range readings {
			def, _ := cat.Lookup(r.Parameter)
			if r.Value < def.MinValue || r.Value > def.MaxValue {
				t.Errorf("%s = %v outside [%v, %v]", r.Parameter, r.Value, def.MinValue, def.MaxValue)
			}
		}
	}
	if rec.dataCount() != cat.Len() {
		t.Errorf("callback saw %d parameters", rec.dataCount())
	}
	if rpm, _ := rec.value("rpm"); rpm < 850 || rpm > 4900 {
		t.Errorf("rpm = %v", rpm)
	}

	if r, err := d.Read(ctx, "coolant_temp"); err != nil || r.Unit != "°C" {
		t.Errorf("Read = %+v, %v", r, err)
	}
	if _, err := d.Read(ctx, "nope"); !errors.Is(err, catalog.ErrNotSupported) {
		t.Errorf("Read unknown: %v", err)
	}

	codes, err := d.DiagnosticCodes(ctx)
	if err != nil || len(codes) != 3 || codes[0].Code != "P0301" {
		t.Fatalf("codes = %v, %v", codes, err)
	}
	if ok, err := d.ClearDiagnosticCodes(ctx); !ok || err != nil {
		t.Errorf("clear = %v, %v", ok, err)
	}
	if codes, _ := d.DiagnosticCodes(ctx); len(codes) != 0 {
		t.Errorf("codes after clear = %v", codes)
	}

	d.Disconnect()
	if d.IsConnected() {
		t.Error("still connected")
	}
	if got := d.AvailablePorts(); len(got) != 1 || got[0] != DemoPort {
		t.Errorf("AvailablePorts = %v", got)
	}
}

func TestDemoManufacturerCatalog(t *testing.T) {
	d := NewDemoHandler(catalog.ManufacturerCatalog(), Callbacks{})
	ctx := context.Background()
	d.Connect(ctx, DemoPort, Options{})
	readings, err := d.Update(ctx)
	if err != nil || len(readings) != catalog.ManufacturerCatalog().Len() {
		t.Errorf("readings = %d, %v", len(readings), err)
	}
}
