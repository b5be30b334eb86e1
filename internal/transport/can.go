package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/rs/zerolog/log"
)

// Bus is the subset of *can.Bus the CAN transport needs.
type Bus interface {
	Subscribe(handler can.Handler)
	Publish(frame can.Frame) error
	ConnectAndPublish() error
	Disconnect() error
}

// dialBus opens a SocketCAN interface. Swapped in tests.
var dialBus = func(iface string) (Bus, error) {
	return can.NewBusForInterfaceWithName(iface)
}

// CANConfig holds settings for the SocketCAN transport.
type CANConfig struct {
	Interface       string        `yaml:"interface" json:"interface"` // e.g. can0, vcan0
	TxID            uint32        `yaml:"tx_id" json:"txId"`          // default request address, 0x7DF if zero
	RxID            uint32        `yaml:"rx_id" json:"rxId"`          // only accept replies from this ID if set
	ReadPoll        time.Duration `yaml:"read_poll" json:"readPoll"`
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"responseTimeout"` // P2 client
	PendingTimeout  time.Duration `yaml:"pending_timeout" json:"pendingTimeout"`   // P2* after NRC 0x78
	ISOTP           ISOTPConfig   `yaml:"isotp" json:"isotp"`
}

// CAN is a Transport that speaks ISO-TP on a CAN bus while presenting the
// command/prompt surface of an ELM327: requests are hex text terminated by
// CR, replies are hex text followed by a '>' prompt. AT commands are handled
// locally; ATSH selects the request address.
type CAN struct {
	cfg CANConfig

	mu     sync.Mutex
	bus    Bus
	frames chan can.Frame
	cmds   chan string
	done   chan struct{}
	ready  chan struct{}
	out    []byte
	line   []byte
	txID   uint32

	wg sync.WaitGroup
}

// NewCAN creates a CAN transport.
func NewCAN(cfg CANConfig) *CAN {
	if cfg.TxID == 0 {
		cfg.TxID = functionalID
	}
	if cfg.ReadPoll <= 0 {
		cfg.ReadPoll = 50 * time.Millisecond
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 1 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 5 * time.Second
	}
	if cfg.ISOTP == (ISOTPConfig{}) {
		cfg.ISOTP = DefaultISOTPConfig()
	}
	return &CAN{cfg: cfg}
}

func (c *CAN) String() string { return c.cfg.Interface }

// Open binds to the interface and starts the frame reader and command worker.
func (c *CAN) Open(timeout time.Duration) error {
	var bus Bus
	err := openWithTimeout(c.cfg.Interface, timeout, func() error {
		b, err := dialBus(c.cfg.Interface)
		if err != nil {
			return err
		}
		bus = b
		return nil
	}, func() {
		if bus != nil {
			bus.Disconnect()
		}
	})
	if err != nil {
		return fmt.Errorf("can: failed to open %s: %w", c.cfg.Interface, err)
	}

	frames := make(chan can.Frame, 256)
	bus.Subscribe(can.NewHandler(func(f can.Frame) {
		select {
		case frames <- f:
		default:
			log.Warn().Str("iface", c.cfg.Interface).Msg("can rx queue full, dropping frame")
		}
	}))

	c.mu.Lock()
	c.bus = bus
	c.frames = frames
	c.cmds = make(chan string, 4)
	c.done = make(chan struct{})
	c.ready = make(chan struct{}, 1)
	c.out = nil
	c.line = nil
	c.txID = c.cfg.TxID
	done, cmds := c.done, c.cmds
	c.mu.Unlock()

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			select {
			case <-done:
			default:
				log.Error().Err(err).Str("iface", c.cfg.Interface).Msg("can bus reader stopped")
			}
		}
	}()

	link := &isotpLink{cfg: c.cfg.ISOTP, rxID: c.cfg.RxID, send: bus.Publish, rx: frames}
	c.wg.Add(1)
	go c.worker(link, cmds, done)

	log.Info().Str("iface", c.cfg.Interface).Str("tx", fmt.Sprintf("%03X", c.cfg.TxID)).Msg("can transport opened")
	return nil
}

// Write buffers command text; every CR-terminated line is executed.
func (c *CAN) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.bus == nil {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.line = append(c.line, p...)
	var lines []string
	for {
		i := bytes.IndexByte(c.line, '\r')
		if i < 0 {
			break
		}
		lines = append(lines, string(c.line[:i]))
		c.line = c.line[i+1:]
	}
	cmds, done := c.cmds, c.done
	c.mu.Unlock()

	for _, l := range lines {
		select {
		case cmds <- l:
		case <-done:
			return 0, ErrClosed
		}
	}
	return len(p), nil
}

// Read returns buffered reply bytes, waiting at most one read poll interval.
func (c *CAN) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.bus == nil {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if len(c.out) > 0 {
		n := copy(p, c.out)
		c.out = c.out[n:]
		c.mu.Unlock()
		return n, nil
	}
	ready, done := c.ready, c.done
	c.mu.Unlock()

	select {
	case <-ready:
	case <-done:
		return 0, ErrClosed
	case <-time.After(c.cfg.ReadPoll):
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

// Flush drops unread reply bytes.
func (c *CAN) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return ErrClosed
	}
	c.out = nil
	return nil
}

// Close is idempotent.
func (c *CAN) Close() error {
	c.mu.Lock()
	bus := c.bus
	if bus == nil {
		c.mu.Unlock()
		return nil
	}
	c.bus = nil
	close(c.done)
	c.mu.Unlock()

	err := bus.Disconnect()
	c.wg.Wait()
	log.Info().Str("iface", c.cfg.Interface).Msg("can transport closed")
	return err
}

func (c *CAN) emit(reply string) {
	c.mu.Lock()
	c.out = append(c.out, reply...)
	c.out = append(c.out, "\r\r>"...)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *CAN) worker(link *isotpLink, cmds <-chan string, done <-chan struct{}) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	for {
		select {
		case <-done:
			return
		case line := <-cmds:
			cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
			if cmd == "" {
				continue
			}
			if strings.HasPrefix(cmd, "AT") {
				c.emit(c.atCommand(cmd[2:]))
				continue
			}
			c.emit(c.request(ctx, link, cmd))
		}
	}
}

// atCommand emulates the adapter configuration commands.
func (c *CAN) atCommand(cmd string) string {
	switch {
	case cmd == "Z" || cmd == "WS":
		c.mu.Lock()
		c.txID = c.cfg.TxID
		c.mu.Unlock()
		return "ELM327 v1.5 (CAN ISO-TP)"
	case cmd == "I":
		return "ELM327 v1.5 (CAN ISO-TP)"
	case cmd == "DPN":
		return "6"
	case cmd == "RV":
		return "?"
	case strings.HasPrefix(cmd, "SH"):
		id, err := strconv.ParseUint(cmd[2:], 16, 32)
		if err != nil || id > 0x7FF {
			return "?"
		}
		c.mu.Lock()
		c.txID = uint32(id)
		c.mu.Unlock()
		return "OK"
	}
	return "OK"
}

// request runs one ISO-TP exchange and renders the reply as adapter text.
func (c *CAN) request(ctx context.Context, link *isotpLink, cmd string) string {
	payload, err := hex.DecodeString(cmd)
	if err != nil || len(payload) == 0 {
		return "?"
	}
	c.mu.Lock()
	txID := c.txID
	c.mu.Unlock()

	link.drain()
	if err := link.Send(ctx, txID, payload); err != nil {
		log.Debug().Err(err).Str("cmd", cmd).Msg("can send failed")
		return "CAN ERROR"
	}

	timeout := c.cfg.ResponseTimeout
	for {
		id, resp, err := link.Receive(ctx, txID, timeout)
		switch {
		case errors.Is(err, ErrTimeout):
			return "NO DATA"
		case err != nil:
			log.Debug().Err(err).Str("cmd", cmd).Msg("can receive failed")
			return "CAN ERROR"
		}
		log.Debug().Str("cmd", cmd).Str("from", fmt.Sprintf("%03X", id)).Str("resp", fmt.Sprintf("% X", resp)).Msg("can reply")
		// 7F xx 78: response pending, the real answer follows.
		if len(resp) == 3 && resp[0] == 0x7F && resp[2] == 0x78 {
			timeout = c.cfg.PendingTimeout
			continue
		}
		return strings.ToUpper(hex.EncodeToString(resp))
	}
}
