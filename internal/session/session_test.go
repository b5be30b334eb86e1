package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/goobd/internal/transport"
)

// scriptTransport answers each written command from a fixed script. Unknown
// commands get no reply at all, so the read loop has to time out or be
// cancelled.
type scriptTransport struct {
	mu       sync.Mutex
	replies  map[string]string
	openErr  error
	readErr  error
	open     bool
	opens    int
	closes   int
	writes   []string
	lateOnes []string // writes attempted while closed
	pending  []byte
}

func newScript(replies map[string]string) *scriptTransport {
	return &scriptTransport{replies: replies}
}

func elmScript() map[string]string {
	return map[string]string{
		"ATZ":   "\r\rELM327 v1.5\r\r",
		"ATE0":  "ATE0\rOK\r\r",
		"ATSP0": "OK\r\r",
		"ATH0":  "OK\r\r",
		"ATS0":  "OK\r\r",
		"ATL0":  "OK\r\r",
		"0100":  "SEARCHING...\r41 00 BE 3F A8 13\r\r",
	}
}

func (f *scriptTransport) Open(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *scriptTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.closes++
	}
	f.open = false
	return nil
}

func (f *scriptTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return 0, transport.ErrClosed
	}
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	if len(f.pending) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	f.mu.Unlock()
	return n, nil
}

func (f *scriptTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.TrimSuffix(string(p), "\r")
	if !f.open {
		f.lateOnes = append(f.lateOnes, cmd)
		return 0, transport.ErrClosed
	}
	f.writes = append(f.writes, cmd)
	if reply, ok := f.replies[cmd]; ok {
		f.pending = append(f.pending, reply+">"...)
	}
	return len(p), nil
}

func (f *scriptTransport) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrClosed
	}
	f.pending = nil
	return nil
}

func (f *scriptTransport) String() string { return "script" }

func (f *scriptTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	for i := range cfg.InitSteps {
		cfg.InitSteps[i].Timeout = 100 * time.Millisecond
	}
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.CommandTimeout = 100 * time.Millisecond
	return cfg
}

func TestConnectRunsInitSequence(t *testing.T) {
	tr := newScript(elmScript())
	s := New(tr, fastConfig())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state = %s", s.State())
	}
	want := []string{"ATZ", "ATE0", "ATSP0", "ATH0", "ATS0", "ATL0", "0100"}
	if got := tr.written(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("writes = %v, want %v", got, want)
	}
	if s.Adapter() != "ELM327 v1.5" {
		t.Errorf("Adapter = %q", s.Adapter())
	}

	resp, err := s.Exchange(context.Background(), "0100", 0)
	if err != nil || !strings.Contains(resp, "41 00") {
		t.Errorf("Exchange = %q, %v", resp, err)
	}

	// Connect on a ready session is a no-op.
	if err := s.Connect(context.Background()); err != nil || tr.opens != 1 {
		t.Errorf("second Connect: %v, opens=%d", err, tr.opens)
	}
}

func TestProbeMismatchLeavesTransportClosed(t *testing.T) {
	script := elmScript()
	script["0100"] = "UNABLE TO CONNECT\r\r"
	tr := newScript(script)
	s := New(tr, fastConfig())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("Connect err = %v", err)
	}
	if s.State() != Error || !errors.Is(s.LastError(), ErrInitFailed) {
		t.Errorf("state = %s, last = %v", s.State(), s.LastError())
	}
	if tr.open || tr.closes != 1 {
		t.Errorf("transport open=%v closes=%d", tr.open, tr.closes)
	}

	before := len(tr.written())
	if _, err := s.Exchange(context.Background(), "010C", 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("Exchange after failure: %v", err)
	}
	if len(tr.written()) != before || len(tr.lateOnes) != 0 {
		t.Errorf("writes after failure: %v %v", tr.written()[before:], tr.lateOnes)
	}
}

func TestProbeTimeout(t *testing.T) {
	script := elmScript()
	delete(script, "0100")
	tr := newScript(script)
	s := New(tr, fastConfig())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrInitFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect err = %v", err)
	}
	if s.State() != Error || tr.open {
		t.Errorf("state = %s open = %v", s.State(), tr.open)
	}
}

func TestOpenFailure(t *testing.T) {
	tr := newScript(elmScript())
	tr.openErr = errors.New("no such file")
	s := New(tr, fastConfig())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, tr.openErr) {
		t.Fatalf("Connect err = %v", err)
	}
	if s.State() != Error || len(tr.written()) != 0 {
		t.Errorf("state = %s writes = %v", s.State(), tr.written())
	}

	// The caller may retry.
	tr.openErr = nil
	if err := s.Connect(context.Background()); err != nil || s.State() != Ready {
		t.Errorf("retry: %v, state %s", err, s.State())
	}
}

func TestReadFailureMovesToError(t *testing.T) {
	tr := newScript(elmScript())
	s := New(tr, fastConfig())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	tr.readErr = errors.New("device unplugged")
	tr.mu.Unlock()

	if _, err := s.Exchange(context.Background(), "010C", 0); !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != Error || tr.open {
		t.Errorf("state = %s open = %v", s.State(), tr.open)
	}
}

func TestExchangeTimeoutKeepsSession(t *testing.T) {
	tr := newScript(elmScript())
	s := New(tr, fastConfig())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Exchange(context.Background(), "01A6", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != Ready {
		t.Errorf("state = %s", s.State())
	}
}

func TestDisconnectInterruptsExchange(t *testing.T) {
	tr := newScript(elmScript())
	s := New(tr, fastConfig())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Exchange(context.Background(), "01A6", 10*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("exchange err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("exchange did not stop")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Disconnect took %v", time.Since(start))
	}
	if s.State() != Disconnected || tr.open {
		t.Errorf("state = %s open = %v", s.State(), tr.open)
	}
	if err := s.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestExchangeHonoursContext(t *testing.T) {
	tr := newScript(elmScript())
	s := New(tr, fastConfig())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Exchange(ctx, "01A6", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestSetHeaderOncePerChange(t *testing.T) {
	script := elmScript()
	script["ATSH7E0"] = "OK\r\r"
	script["ATSH7E1"] = "OK\r\r"
	script["ATSH7DF"] = "OK\r\r"
	script["ATSHXYZ"] = "?\r\r"
	tr := newScript(script)
	s := New(tr, fastConfig())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, h := range []string{"", "7DF", "7E0", "7e0", "7E1", "7E1", "", "", "7E1"} {
		if err := s.SetHeader(ctx, h); err != nil {
			t.Fatalf("SetHeader(%s): %v", h, err)
		}
	}
	var sh []string
	for _, w := range tr.written() {
		if strings.HasPrefix(w, "ATSH") {
			sh = append(sh, w)
		}
	}
	if strings.Join(sh, ",") != "ATSH7E0,ATSH7E1,ATSH7DF,ATSH7E1" {
		t.Errorf("header commands = %v", sh)
	}
	if err := s.SetHeader(ctx, "XYZ"); !errors.Is(err, ErrRejected) {
		t.Errorf("bad header err = %v", err)
	}
	if s.Header() != "7E1" {
		t.Errorf("Header = %q", s.Header())
	}
	if err := s.SetHeader(ctx, ""); err != nil || s.Header() != "" {
		t.Errorf("restore default: %q, %v", s.Header(), err)
	}
}

func TestSetHeaderCustomDefault(t *testing.T) {
	script := elmScript()
	script["ATSH7E0"] = "OK\r\r"
	script["ATSH7E1"] = "OK\r\r"
	tr := newScript(script)
	cfg := fastConfig()
	cfg.DefaultHeader = "7e0"
	s := New(tr, cfg)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, h := range []string{"7E0", "7E1", ""} {
		if err := s.SetHeader(ctx, h); err != nil {
			t.Fatalf("SetHeader(%s): %v", h, err)
		}
	}
	var sh []string
	for _, w := range tr.written() {
		if strings.HasPrefix(w, "ATSH") {
			sh = append(sh, w)
		}
	}
	if strings.Join(sh, ",") != "ATSH7E1,ATSH7E0" {
		t.Errorf("header commands = %v", sh)
	}
}

func TestSupported(t *testing.T) {
	s := New(newScript(nil), Config{})
	if !s.Supports("010C") {
		t.Error("everything is supported before a list is recorded")
	}
	s.SetSupported([]string{"010c", "0105"})
	if !s.Supports("010C") || s.Supports("0110") {
		t.Error("supported list not applied")
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{Disconnected: "disconnected", Ready: "ready", Error: "error", State(9): "State(9)"} {
		if st.String() != want {
			t.Errorf("%d: %q", st, st.String())
		}
	}
}
