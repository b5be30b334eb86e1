package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Adapter.Type != AdapterDemo || cfg.Server.ListenAddr != ":8080" {
		t.Errorf("defaults = %+v", cfg.Adapter)
	}
	if cfg.PollInterval() != 200*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
adapter:
  type: uds
  port: can0
  can_tx_id: "7E0"
  poll_hz: 10
record:
  enabled: true
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nCAN_RX_ID='7E8'\nLISTEN_ADDR=:9000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAN_RX_ID", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("POLL_HZ", "20")

	cfg := LoadConfig(path)
	if cfg.Adapter.Type != AdapterUDS || cfg.Adapter.Port != "can0" || !cfg.Record.Enabled {
		t.Errorf("yaml not applied: %+v", cfg.Adapter)
	}
	// Untouched fields keep their defaults.
	if cfg.Adapter.CommandTimeoutMs != 1000 {
		t.Errorf("CommandTimeoutMs = %d", cfg.Adapter.CommandTimeoutMs)
	}
	if cfg.Adapter.PollHz != 20 || cfg.Server.ListenAddr != ":9000" || cfg.Adapter.CANRxID != "7E8" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Adapter, cfg.Server)
	}

	opts, err := cfg.HandlerOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.CAN.TxID != 0x7E0 || opts.CAN.RxID != 0x7E8 {
		t.Errorf("CAN ids = %X/%X", opts.CAN.TxID, opts.CAN.RxID)
	}
	if opts.CommandTimeout != time.Second || opts.BaudRate != 38400 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestHandlerOptionsRejectsBadID(t *testing.T) {
	for _, id := range []string{"XYZ", "800", "0x1FFFFFFF"} {
		cfg := DefaultConfig()
		cfg.Adapter.CANTxID = id
		if _, err := cfg.HandlerOptions(); err == nil {
			t.Errorf("%q accepted", id)
		}
	}
	cfg := DefaultConfig()
	cfg.Adapter.CANTxID = "0x7df"
	if opts, err := cfg.HandlerOptions(); err != nil || opts.CAN.TxID != 0x7DF {
		t.Errorf("0x7df = %X, %v", opts.CAN.TxID, err)
	}
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"adapter":{"pollHz":2},"record":{"enabled":true}}`)); err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.PollHz != 2 || cfg.Adapter.Port != "/dev/ttyUSB0" || !cfg.Record.Enabled {
		t.Errorf("merged = %+v %+v", cfg.Adapter, cfg.Record)
	}
	if err := cfg.UpdateFromJSON([]byte(`{`)); err == nil {
		t.Error("bad JSON accepted")
	}

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	var round map[string]map[string]interface{}
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatal(err)
	}
	if round["adapter"]["pollHz"] != float64(2) {
		t.Errorf("ToJSON = %s", data)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)
	cfg.Adapter.Type = AdapterOBD2
	cfg.Catalog.File = "/etc/goobd/extra.yaml"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	got := LoadConfig(path)
	if got.Adapter.Type != AdapterOBD2 || got.Catalog.File != "/etc/goobd/extra.yaml" {
		t.Errorf("reloaded = %+v %+v", got.Adapter, got.Catalog)
	}
}
