package ecu

import (
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/goobd/internal/session"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// fakeELM is an in-memory adapter answering commands from a script.
// Commands missing from the script get no reply.
type fakeELM struct {
	mu      sync.Mutex
	replies map[string]string
	open    bool
	readErr error
	writes  []string
	pending []byte
}

func newFakeELM(replies map[string]string) *fakeELM {
	base := map[string]string{
		"ATZ":   "\r\rELM327 v2.1\r\r",
		"ATE0":  "OK\r\r",
		"ATSP0": "OK\r\r",
		"ATH0":  "OK\r\r",
		"ATS0":  "OK\r\r",
		"ATL0":  "OK\r\r",
		"0100":  "41 00 BE 3F A8 13\r\r",
		"ATDPN": "A6\r\r",
	}
	for k, v := range replies {
		base[k] = v
	}
	return &fakeELM{replies: base}
}

func (f *fakeELM) Open(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *fakeELM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeELM) Read(p []byte) (int, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return 0, transport.ErrClosed
	}
	if f.readErr != nil {
		defer f.mu.Unlock()
		return 0, f.readErr
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

func (f *fakeELM) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, transport.ErrClosed
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	f.writes = append(f.writes, cmd)
	if strings.HasPrefix(cmd, "ATSH") {
		f.pending = append(f.pending, "OK\r\r>"...)
		return len(p), nil
	}
	if reply, ok := f.replies[cmd]; ok {
		f.pending = append(f.pending, reply+">"...)
	}
	return len(p), nil
}

func (f *fakeELM) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	return nil
}

func (f *fakeELM) String() string { return "fake" }

func (f *fakeELM) set(cmd, reply string) {
	f.mu.Lock()
	f.replies[cmd] = reply
	f.mu.Unlock()
}

func (f *fakeELM) failReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeELM) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// sent returns the commands written after the init sequence.
func (f *fakeELM) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeELM) count(cmd string) int {
	n := 0
	for _, w := range f.sent() {
		if w == cmd {
			n++
		}
	}
	return n
}

func testOptions(tr transport.Transport) Options {
	cfg := session.DefaultConfig()
	for i := range cfg.InitSteps {
		cfg.InitSteps[i].Timeout = 100 * time.Millisecond
	}
	cfg.ProbeTimeout = 100 * time.Millisecond
	return Options{
		Transport:      tr,
		CommandTimeout: 50 * time.Millisecond,
		Session:        &cfg,
	}
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	data     map[string]float64
	statuses []Status
	messages []string
}

func newRecorder() *recorder { return &recorder{data: map[string]float64{}} }

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnData: func(name string, value float64, unit string) {
			r.mu.Lock()
			r.data[name] = value
			r.mu.Unlock()
		},
		OnStatus: func(state Status, msg string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, state)
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) states() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) value(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[name]
	return v, ok
}

func (r *recorder) dataCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}
