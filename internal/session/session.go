// Package session drives an ELM327-style adapter over a Transport: open,
// initialize, probe, then serialized command/response exchanges.
//
// The init sequence, probe and terminator are parameters, so the legacy and
// manufacturer handlers share this state machine and differ only in catalog,
// codec and transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// State is the adapter session state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Initializing
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrNotReady is returned by exchanges attempted outside the Ready state.
	ErrNotReady = errors.New("session: not ready")
	// ErrInitFailed marks a failed init sequence or probe.
	ErrInitFailed = errors.New("session: initialization failed")
	// ErrTimeout is returned when no terminator arrives within the command timeout.
	ErrTimeout = errors.New("session: command timed out")
	// ErrDisconnected is returned when Disconnect interrupts an exchange.
	ErrDisconnected = errors.New("session: disconnected")
	// ErrTransport wraps open, write, read and flush failures.
	ErrTransport = errors.New("session: transport failure")
	// ErrRejected is returned when the adapter answers a command with "?".
	ErrRejected = errors.New("session: adapter rejected command")
)

// Step is one adapter setup command with its own timeout.
type Step struct {
	Command string        `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Config parameterizes the session.
type Config struct {
	InitSteps      []Step        `yaml:"init_steps" json:"initSteps"`
	Probe          string        `yaml:"probe" json:"probe"`
	ProbeExpect    string        `yaml:"probe_expect" json:"probeExpect"` // compared ignoring whitespace
	ProbeTimeout   time.Duration `yaml:"probe_timeout" json:"probeTimeout"`
	Terminator     byte          `yaml:"terminator" json:"terminator"`
	OpenTimeout    time.Duration `yaml:"open_timeout" json:"openTimeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"commandTimeout"`
	// DefaultHeader is the address restored when a request has no header.
	DefaultHeader string `yaml:"default_header" json:"defaultHeader"`
}

// DefaultConfig is the ELM327 sequence: reset, echo off, automatic protocol,
// headers off, spaces off, linefeeds off, then 0100 expecting 41 00.
func DefaultConfig() Config {
	return Config{
		InitSteps: []Step{
			{Command: "ATZ", Timeout: 2 * time.Second},
			{Command: "ATE0", Timeout: 500 * time.Millisecond},
			{Command: "ATSP0", Timeout: 500 * time.Millisecond},
			{Command: "ATH0", Timeout: 500 * time.Millisecond},
			{Command: "ATS0", Timeout: 500 * time.Millisecond},
			{Command: "ATL0", Timeout: 500 * time.Millisecond},
		},
		Probe:          "0100",
		ProbeExpect:    "41 00",
		ProbeTimeout:   5 * time.Second, // first request triggers protocol search
		Terminator:     '>',
		OpenTimeout:    5 * time.Second,
		CommandTimeout: 1 * time.Second,
		DefaultHeader:  "7DF",
	}
}

// Session owns one Transport exclusively. Exchanges are serialized;
// Disconnect may be called from any goroutine.
type Session struct {
	cfg Config
	tr  transport.Transport

	io        sync.Mutex // held for the duration of Connect and each exchange
	connected atomic.Bool

	mu        sync.Mutex
	state     State
	lastErr   error
	header    string
	adapter   string
	supported map[string]bool
}

// New creates a session over tr. Zero fields of cfg take DefaultConfig values.
func New(tr transport.Transport, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.InitSteps == nil {
		cfg.InitSteps = def.InitSteps
	}
	if cfg.Probe == "" {
		cfg.Probe, cfg.ProbeExpect = def.Probe, def.ProbeExpect
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Terminator == 0 {
		cfg.Terminator = def.Terminator
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.DefaultHeader == "" {
		cfg.DefaultHeader = def.DefaultHeader
	}
	cfg.DefaultHeader = strings.ToUpper(cfg.DefaultHeader)
	return &Session{cfg: cfg, tr: tr}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that moved the session into Error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Adapter returns the identification string reported on reset.
func (s *Session) Adapter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// Transport returns the underlying transport.
func (s *Session) Transport() transport.Transport { return s.tr }

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.lastErr = err
	s.mu.Unlock()
	if prev != st {
		log.Debug().Str("port", s.tr.String()).Stringer("from", prev).Stringer("to", st).Msg("session state")
	}
}

// fail tears the session down into Error. Caller holds s.io.
func (s *Session) fail(err error) error {
	s.connected.Store(false)
	if cerr := s.tr.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("port", s.tr.String()).Msg("close after failure")
	}
	s.setState(Error, err)
	if errors.Is(err, ErrDisconnected) {
		log.Info().Str("port", s.tr.String()).Msg("adapter session interrupted")
	} else {
		log.Error().Err(err).Str("port", s.tr.String()).Msg("adapter session failed")
	}
	return err
}

// Connect opens the transport, runs the init sequence and the probe. On any
// failure the transport is closed and the session is left in Error.
func (s *Session) Connect(ctx context.Context) error {
	s.io.Lock()
	defer s.io.Unlock()

	if s.State() == Ready {
		return nil
	}

	s.setState(Connecting, nil)
	if err := s.tr.Open(s.cfg.OpenTimeout); err != nil {
		return s.fail(fmt.Errorf("%w: open %s: %w", ErrTransport, s.tr, err))
	}
	s.connected.Store(true)

	s.setState(Initializing, nil)
	for _, step := range s.cfg.InitSteps {
		resp, err := s.exchange(ctx, step.Command, step.Timeout)
		if err != nil {
			return s.fail(fmt.Errorf("%w: %s: %w", ErrInitFailed, step.Command, err))
		}
		if strings.HasPrefix(strings.ToUpper(step.Command), "ATZ") || strings.EqualFold(step.Command, "ATI") {
			if id := firstLine(resp); id != "" {
				s.mu.Lock()
				s.adapter = id
				s.mu.Unlock()
				log.Info().Str("port", s.tr.String()).Str("adapter", id).Msg("adapter identified")
			}
		}
	}

	resp, err := s.exchange(ctx, s.cfg.Probe, s.cfg.ProbeTimeout)
	if err != nil {
		return s.fail(fmt.Errorf("%w: probe %s: %w", ErrInitFailed, s.cfg.Probe, err))
	}
	if !strings.Contains(codec.Normalize(resp), codec.Normalize(s.cfg.ProbeExpect)) {
		return s.fail(fmt.Errorf("%w: probe %s: expected %q, got %q", ErrInitFailed, s.cfg.Probe, s.cfg.ProbeExpect, strings.TrimSpace(resp)))
	}

	s.mu.Lock()
	s.header = ""
	s.mu.Unlock()
	s.setState(Ready, nil)
	log.Info().Str("port", s.tr.String()).Msg("adapter session ready")
	return nil
}

// Disconnect closes the transport and returns to Disconnected. It raises the
// cancellation flag before waiting for any in-flight exchange, so it returns
// promptly. Idempotent.
func (s *Session) Disconnect() error {
	s.connected.Store(false)

	s.io.Lock()
	defer s.io.Unlock()

	err := s.tr.Close()
	s.mu.Lock()
	prev := s.state
	s.header = ""
	s.supported = nil
	s.mu.Unlock()
	s.setState(Disconnected, nil)
	if prev != Disconnected {
		log.Info().Str("port", s.tr.String()).Msg("adapter session closed")
	}
	return err
}

// Exchange sends cmd and returns the raw reply up to (not including) the
// terminator. A zero timeout uses the configured command timeout. Transport
// failures move the session to Error; timeouts do not.
func (s *Session) Exchange(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	s.io.Lock()
	defer s.io.Unlock()

	if st := s.State(); st != Ready {
		return "", fmt.Errorf("%w: %s", ErrNotReady, st)
	}
	resp, err := s.exchange(ctx, cmd, timeout)
	if errors.Is(err, ErrTransport) {
		return "", s.fail(err)
	}
	return resp, err
}

// SetHeader selects the request address with ATSH, issuing the command only
// when the header actually changes. An empty header restores DefaultHeader
// once a specific address has been set.
func (s *Session) SetHeader(ctx context.Context, header string) error {
	header = strings.ToUpper(header)
	if header == s.cfg.DefaultHeader {
		header = ""
	}
	s.mu.Lock()
	same := s.header == header
	s.mu.Unlock()
	if same {
		return nil
	}

	target := header
	if target == "" {
		target = s.cfg.DefaultHeader
	}
	resp, err := s.Exchange(ctx, "ATSH"+target, 0)
	if err != nil {
		return fmt.Errorf("set header %s: %w", target, err)
	}
	if strings.Contains(resp, "?") {
		return fmt.Errorf("%w: ATSH%s", ErrRejected, target)
	}
	s.mu.Lock()
	s.header = header
	s.mu.Unlock()
	return nil
}

// Header returns the header last set with SetHeader, "" for the default.
func (s *Session) Header() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// SetSupported records which request codes the vehicle answers.
func (s *Session) SetSupported(codes []string) {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[strings.ToUpper(c)] = true
	}
	s.mu.Lock()
	s.supported = m
	s.mu.Unlock()
}

// Supports reports whether code is in the supported list. Before any list
// is recorded every code is considered supported.
func (s *Session) Supports(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.supported == nil {
		return true
	}
	return s.supported[strings.ToUpper(code)]
}

// exchange performs one flush/write/read cycle. Caller holds s.io.
func (s *Session) exchange(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	if !s.connected.Load() {
		return "", ErrDisconnected
	}
	if err := s.tr.Flush(); err != nil {
		return "", fmt.Errorf("%w: flush: %w", ErrTransport, err)
	}
	if _, err := s.tr.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrTransport, cmd, err)
	}

	deadline := time.Now().Add(timeout)
	var buf []byte
	b := make([]byte, 1)
	for {
		if !s.connected.Load() {
			return "", ErrDisconnected
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return string(buf), fmt.Errorf("%w: %s after %v", ErrTimeout, cmd, timeout)
		}
		n, err := s.tr.Read(b)
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %w", ErrTransport, cmd, err)
		}
		if n == 0 || b[0] == 0 {
			continue
		}
		if b[0] == s.cfg.Terminator {
			break
		}
		buf = append(buf, b[0])
	}

	resp := string(buf)
	log.Debug().Str("port", s.tr.String()).Str("cmd", cmd).Str("resp", strings.TrimSpace(resp)).Msg("exchange")
	return resp, nil
}

func firstLine(resp string) string {
	for _, l := range strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(strings.ToUpper(l), "AT") {
			return l
		}
	}
	return ""
}
