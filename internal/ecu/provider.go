package ecu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/dtc"
	"github.com/shaunagostinho/goobd/internal/session"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// ErrNotConnected is returned by operations that need a connected handler.
var ErrNotConnected = errors.New("ecu: not connected")

// Handler is the interface that all diagnostic backends implement.
// Legacy OBD-II, manufacturer UDS and the demo generator are independent
// implementations sharing the session and polling components.
type Handler interface {
	// Name returns the human-readable name of this backend.
	Name() string
	// Connect opens port, initializes the adapter and verifies communication.
	Connect(ctx context.Context, port string, opts Options) error
	// Disconnect closes the link. Safe to call from any goroutine; idempotent.
	Disconnect() error
	// IsConnected reports whether the handler is in the connected state.
	IsConnected() bool
	// State returns the handler status.
	State() Status

	// Update performs one polling pass over the supported parameters and
	// reports every decoded reading through the data callback.
	// Calls must not overlap.
	Update(ctx context.Context) ([]codec.Reading, error)
	// Read decodes a single parameter by name.
	Read(ctx context.Context, name string) (codec.Reading, error)
	// SupportedParameters lists the catalog names this handler polls.
	SupportedParameters() []string

	// DiagnosticCodes reads the stored trouble codes.
	DiagnosticCodes(ctx context.Context) ([]dtc.Code, error)
	// ClearDiagnosticCodes clears stored codes and reports success.
	ClearDiagnosticCodes(ctx context.Context) (bool, error)

	// AvailablePorts lists candidate ports. Advisory only.
	AvailablePorts() []string
}

// Status is the handler-level connection state reported to callers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// DataCallback receives every successfully decoded reading.
type DataCallback func(parameter string, value float64, unit string)

// StatusCallback receives every state transition.
type StatusCallback func(state Status, message string)

// Callbacks are passed to each handler at construction.
type Callbacks struct {
	OnData   DataCallback
	OnStatus StatusCallback
}

// Options configure a connection.
type Options struct {
	BaudRate       int                 `yaml:"baud_rate" json:"baudRate"`
	OpenTimeout    time.Duration       `yaml:"open_timeout" json:"openTimeout"`
	CommandTimeout time.Duration       `yaml:"command_timeout" json:"commandTimeout"`
	ReadPoll       time.Duration       `yaml:"read_poll" json:"readPoll"`
	CAN            transport.CANConfig `yaml:"can" json:"can"`
	// Session overrides the adapter init sequence and probe.
	Session *session.Config `yaml:"session,omitempty" json:"session,omitempty"`
	// Transport replaces the port-derived transport when set.
	Transport transport.Transport `yaml:"-" json:"-"`
}

// transportFor picks a SocketCAN transport for CAN interface names and a
// serial transport for everything else.
func (o Options) transportFor(port string) transport.Transport {
	if o.Transport != nil {
		return o.Transport
	}
	if transport.IsCANPort(port) {
		cfg := o.CAN
		cfg.Interface = port
		if cfg.ReadPoll == 0 {
			cfg.ReadPoll = o.ReadPoll
		}
		return transport.NewCAN(cfg)
	}
	return transport.NewSerial(transport.SerialConfig{
		PortPath: port,
		BaudRate: o.BaudRate,
		ReadPoll: o.ReadPoll,
	})
}

func (o Options) sessionConfig(port string) session.Config {
	var cfg session.Config
	if o.Session != nil {
		cfg = *o.Session
	}
	if cfg.DefaultHeader == "" && o.CAN.TxID != 0 && transport.IsCANPort(port) {
		cfg.DefaultHeader = fmt.Sprintf("%03X", o.CAN.TxID)
	}
	if o.OpenTimeout > 0 {
		cfg.OpenTimeout = o.OpenTimeout
	}
	if o.CommandTimeout > 0 {
		cfg.CommandTimeout = o.CommandTimeout
	}
	return cfg
}

// statusTracker holds the handler state and fires the status callback.
type statusTracker struct {
	name string
	cb   StatusCallback

	mu    sync.Mutex
	state Status
}

func newStatusTracker(name string, cb StatusCallback) *statusTracker {
	return &statusTracker{name: name, cb: cb, state: StatusDisconnected}
}

func (s *statusTracker) get() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// set records st and fires the callback on a change. Error reports always
// fire so each failure message reaches the caller.
func (s *statusTracker) set(st Status, msg string) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st && st != StatusError {
		return
	}

	ev := log.Info()
	if st == StatusError {
		ev = log.Warn()
	}
	ev.Str("handler", s.name).Str("state", string(st)).Msg(msg)
	if s.cb != nil {
		s.cb(st, msg)
	}
}
