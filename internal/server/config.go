package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goobd/internal/ecu"
)

// Adapter types.
const (
	AdapterOBD2 = "obd2"
	AdapterUDS  = "uds"
	AdapterDemo = "demo"
)

// Config holds all goobd configuration.
type Config struct {
	mu sync.RWMutex

	// Diagnostic adapter
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`

	// Parameter catalog extension
	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`

	// CSV reading recorder
	Record RecordConfig `yaml:"record" json:"record"`

	// Process log output
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Type             string `yaml:"type" json:"type"`          // "obd2", "uds" or "demo"
	Port             string `yaml:"port" json:"port"`          // e.g. /dev/ttyUSB0, /dev/rfcomm0, can0
	BaudRate         int    `yaml:"baud_rate" json:"baudRate"` // serial adapters only
	PollHz           int    `yaml:"poll_hz" json:"pollHz"`     // polling passes per second
	OpenTimeoutMs    int    `yaml:"open_timeout_ms" json:"openTimeoutMs"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	CANTxID          string `yaml:"can_tx_id" json:"canTxId"`     // hex, default 7DF (functional)
	CANRxID          string `yaml:"can_rx_id" json:"canRxId"`     // hex, empty accepts 7E8-7EF
	DTCHeader        string `yaml:"dtc_header" json:"dtcHeader"` // UDS module for trouble codes
}

type CatalogConfig struct {
	File string `yaml:"file" json:"file"` // YAML with legacy:/manufacturer: definitions
}

type RecordConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between CSV rows
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // zerolog level name
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Type:             AdapterDemo,
			Port:             "/dev/ttyUSB0",
			BaudRate:         38400,
			PollHz:           5,
			OpenTimeoutMs:    5000,
			CommandTimeoutMs: 1000,
			CANTxID:          "7DF",
			DTCHeader:        "7E0",
		},
		Record: RecordConfig{
			Enabled:  false,
			Path:     "/var/log/goobd",
			Interval: 200,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ADAPTER_TYPE, ADAPTER_PORT, ADAPTER_BAUD, CAN_TX_ID, CAN_RX_ID,
// DTC_HEADER, POLL_HZ, LISTEN_ADDR, LOG_LEVEL, RECORD_ENABLED, RECORD_PATH,
// RECORD_INTERVAL_MS, CATALOG_FILE
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADAPTER_TYPE"); v != "" {
		c.Adapter.Type = strings.ToLower(v)
	}
	if v := os.Getenv("ADAPTER_PORT"); v != "" {
		c.Adapter.Port = v
	}
	if v := os.Getenv("ADAPTER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("CAN_TX_ID"); v != "" {
		c.Adapter.CANTxID = v
	}
	if v := os.Getenv("CAN_RX_ID"); v != "" {
		c.Adapter.CANRxID = v
	}
	if v := os.Getenv("DTC_HEADER"); v != "" {
		c.Adapter.DTCHeader = v
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.PollHz = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Record.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Record.Path = v
	}
	if v := os.Getenv("RECORD_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Record.Interval = n
		}
	}
	if v := os.Getenv("CATALOG_FILE"); v != "" {
		c.Catalog.File = v
	}
}

// HandlerOptions converts the adapter section into connection options.
func (c *Config) HandlerOptions() (ecu.Options, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.Adapter
	opts := ecu.Options{
		BaudRate:       a.BaudRate,
		OpenTimeout:    time.Duration(a.OpenTimeoutMs) * time.Millisecond,
		CommandTimeout: time.Duration(a.CommandTimeoutMs) * time.Millisecond,
	}
	var err error
	if opts.CAN.TxID, err = parseCANID(a.CANTxID); err != nil {
		return opts, fmt.Errorf("can_tx_id: %w", err)
	}
	if opts.CAN.RxID, err = parseCANID(a.CANRxID); err != nil {
		return opts, fmt.Errorf("can_rx_id: %w", err)
	}
	return opts, nil
}

// PollInterval is the time between polling passes.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Adapter.PollHz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.Adapter.PollHz)
}

// parseCANID parses an 11-bit identifier written in hex, with or without 0x.
func parseCANID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if n > 0x7FF {
		return 0, fmt.Errorf("%X is not an 11-bit identifier", n)
	}
	return uint32(n), nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/goobd/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
