package ecu

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/session"
)

// Supports 04, 05, 0C, 0D and announces the 0120 window, which is empty.
func legacyELM() *fakeELM {
	return newFakeELM(map[string]string{
		"0100": "41 00 18 18 00 01\r\r",
		"0120": "41 20 00 00 00 00\r\r",
		"0104": "41 04 80\r\r",
		"0105": "41 05 5A\r\r",
		"010C": "41 0C 0B 1A\r\r",
		"010D": "41 0D\r\r",
	})
}

func connectLegacy(t *testing.T, elm *fakeELM, rec *recorder) *LegacyHandler {
	t.Helper()
	h := NewLegacyHandler(nil, rec.callbacks())
	if err := h.Connect(context.Background(), "/dev/ttyUSB0", testOptions(elm)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Disconnect() })
	return h
}

func TestLegacyConnectDiscoversPIDs(t *testing.T) {
	rec := newRecorder()
	h := connectLegacy(t, legacyELM(), rec)

	if !h.IsConnected() || h.State() != StatusConnected {
		t.Fatalf("state = %s", h.State())
	}
	if got := rec.states(); len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusConnected {
		t.Errorf("status transitions = %v", got)
	}
	got := h.SupportedParameters()
	want := []string{"engine_load", "coolant_temp", "rpm", "speed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("SupportedParameters = %v, want %v", got, want)
	}
}

func TestLegacyUpdatePartialFailure(t *testing.T) {
	elm := legacyELM()
	rec := newRecorder()
	h := connectLegacy(t, elm, rec)

	readings, err := h.Update(context.Background())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	// speed answers with a short frame and is dropped; the rest still decode.
	if len(readings) != 3 {
		t.Fatalf("got %d readings: %+v", len(readings), readings)
	}
	if v, ok := rec.value("rpm"); !ok || v != 710.5 {
		t.Errorf("rpm = %v, %v", v, ok)
	}
	if v, _ := rec.value("coolant_temp"); v != 50 {
		t.Errorf("coolant_temp = %v", v)
	}
	if v, _ := rec.value("engine_load"); v != 50.2 {
		t.Errorf("engine_load = %v", v)
	}
	if _, ok := rec.value("speed"); ok {
		t.Error("speed should have been skipped")
	}
	if elm.count("010F") != 0 {
		t.Error("unsupported PID was requested")
	}
}

func TestLegacyRead(t *testing.T) {
	h := connectLegacy(t, legacyELM(), newRecorder())
	ctx := context.Background()

	r, err := h.Read(ctx, "rpm")
	if err != nil || r.Value != 710.5 || r.Unit != "rpm" {
		t.Errorf("Read(rpm) = %+v, %v", r, err)
	}
	if _, err := h.Read(ctx, "intake_temp"); !errors.Is(err, catalog.ErrNotSupported) {
		t.Errorf("Read(intake_temp) err = %v", err)
	}
	if _, err := h.Read(ctx, "warp_factor"); !errors.Is(err, catalog.ErrNotSupported) {
		t.Errorf("Read(warp_factor) err = %v", err)
	}
}

func TestLegacyNotConnected(t *testing.T) {
	h := NewLegacyHandler(nil, Callbacks{})
	ctx := context.Background()
	if _, err := h.Update(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Update err = %v", err)
	}
	if _, err := h.DiagnosticCodes(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DiagnosticCodes err = %v", err)
	}
	if ok, err := h.ClearDiagnosticCodes(ctx); ok || !errors.Is(err, ErrNotConnected) {
		t.Errorf("ClearDiagnosticCodes = %v, %v", ok, err)
	}
	if err := h.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
}

func TestLegacyConnectProbeFailure(t *testing.T) {
	elm := newFakeELM(map[string]string{"0100": "UNABLE TO CONNECT\r\r"})
	rec := newRecorder()
	h := NewLegacyHandler(nil, rec.callbacks())

	err := h.Connect(context.Background(), "/dev/ttyUSB0", testOptions(elm))
	if !errors.Is(err, session.ErrInitFailed) {
		t.Fatalf("Connect err = %v", err)
	}
	if h.State() != StatusError || h.IsConnected() {
		t.Errorf("state = %s", h.State())
	}
	if elm.isOpen() {
		t.Error("transport left open")
	}
	if got := rec.states(); len(got) != 2 || got[1] != StatusError {
		t.Errorf("status transitions = %v", got)
	}

	h.Disconnect()
	if h.State() != StatusDisconnected {
		t.Errorf("state after Disconnect = %s", h.State())
	}
}

func TestLegacyDiagnosticCodes(t *testing.T) {
	elm := legacyELM()
	// Two ECUs, CAN count byte first.
	elm.set("03", "43 01 03 00\r43 02 01 33 04 20\r\r")
	h := connectLegacy(t, elm, newRecorder())

	codes, err := h.DiagnosticCodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range codes {
		got = append(got, c.Code)
	}
	if fmt.Sprint(got) != "[P0300 P0133 P0420]" {
		t.Errorf("codes = %v", got)
	}

	elm.set("03", "NO DATA\r\r")
	if codes, err := h.DiagnosticCodes(context.Background()); err != nil || len(codes) != 0 {
		t.Errorf("no codes: %v, %v", codes, err)
	}
}

func TestLegacyDiagnosticCodesNonCAN(t *testing.T) {
	elm := legacyELM()
	elm.set("ATDPN", "A3\r\r") // ISO 9141-2, no count byte
	elm.set("03", "43 01 03 00\r\r")
	h := connectLegacy(t, elm, newRecorder())

	codes, err := h.DiagnosticCodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 || codes[0].Code != "P0103" {
		t.Errorf("codes = %+v", codes)
	}
}

func TestCANProtocolNumbers(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"A6\r\r", true},
		{"6\r\r", true},
		{"A9", true},
		{"AB", true},
		{"A3", false},
		{"5", false},
		{"A", true},
		{"?", false},
	}
	for _, tt := range tests {
		elm := legacyELM()
		elm.set("ATDPN", tt.reply)
		h := connectLegacy(t, elm, newRecorder())
		if got := h.onCAN.Load(); got != tt.want {
			t.Errorf("ATDPN %q: CAN = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestLegacyClearDiagnosticCodes(t *testing.T) {
	elm := legacyELM()
	elm.set("04", "44\r\r")
	h := connectLegacy(t, elm, newRecorder())
	ctx := context.Background()

	if ok, err := h.ClearDiagnosticCodes(ctx); !ok || err != nil {
		t.Errorf("clear = %v, %v", ok, err)
	}
	elm.set("04", "7F 04 22\r\r")
	if ok, err := h.ClearDiagnosticCodes(ctx); ok || err != nil {
		t.Errorf("refused clear = %v, %v", ok, err)
	}
}

func TestLegacyTransportFailure(t *testing.T) {
	elm := legacyELM()
	rec := newRecorder()
	h := connectLegacy(t, elm, rec)

	elm.failReads(errors.New("device unplugged"))
	if _, err := h.Update(context.Background()); !errors.Is(err, session.ErrTransport) {
		t.Fatalf("Update err = %v", err)
	}
	if h.State() != StatusError || elm.isOpen() {
		t.Errorf("state = %s open = %v", h.State(), elm.isOpen())
	}
	if _, err := h.Update(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Update after failure: %v", err)
	}
}

func TestLegacyDisconnectDuringUpdate(t *testing.T) {
	elm := legacyELM()
	delete(elm.replies, "0104") // never answers
	h := NewLegacyHandler(nil, Callbacks{})
	opts := testOptions(elm)
	opts.CommandTimeout = 10 * time.Second
	if err := h.Connect(context.Background(), "/dev/ttyUSB0", opts); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.Update(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	h.Disconnect()

	select {
	case err := <-done:
		if !errors.Is(err, session.ErrDisconnected) {
			t.Errorf("Update err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Update did not stop after Disconnect")
	}
	if h.State() != StatusDisconnected {
		t.Errorf("state = %s", h.State())
	}
}
