package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialConfig holds connection settings for a serial adapter.
type SerialConfig struct {
	PortPath string        `yaml:"port_path" json:"portPath"`
	BaudRate int           `yaml:"baud_rate" json:"baudRate"`
	ReadPoll time.Duration `yaml:"read_poll" json:"readPoll"` // per-Read timeout
}

// Serial is a Transport over a serial device or Bluetooth RFCOMM node.
type Serial struct {
	cfg  SerialConfig
	mu   sync.Mutex
	port serial.Port
}

// opener is swapped in tests.
var openSerial = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// NewSerial creates a serial transport. ELM327 clones default to 38400 baud.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	if cfg.ReadPoll <= 0 {
		cfg.ReadPoll = 50 * time.Millisecond
	}
	return &Serial{cfg: cfg}
}

func (s *Serial) String() string { return s.cfg.PortPath }

// Open opens the port in 8N1 mode.
func (s *Serial) Open(timeout time.Duration) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	var port serial.Port
	err := openWithTimeout(s.cfg.PortPath, timeout, func() error {
		p, err := openSerial(s.cfg.PortPath, mode)
		if err != nil {
			return err
		}
		port = p
		return nil
	}, func() {
		if port != nil {
			port.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.cfg.PortPath, err)
	}

	if err := port.SetReadTimeout(s.cfg.ReadPoll); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	log.Info().Str("port", s.cfg.PortPath).Int("baud", s.cfg.BaudRate).Msg("serial port opened")
	return nil
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}

func (s *Serial) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// Flush drops stale input such as adapter echo or late replies.
func (s *Serial) Flush() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

// Close is idempotent.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Info().Str("port", s.cfg.PortPath).Msg("serial port closed")
	return err
}
