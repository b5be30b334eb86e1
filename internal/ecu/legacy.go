package ecu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/dtc"
	"github.com/shaunagostinho/goobd/internal/session"
	"github.com/shaunagostinho/goobd/internal/transport"
)

// LegacyHandler speaks OBD-II service 01 through an ELM327-class adapter.
// After initialization it reads the vehicle's supported-PID bitmaps and
// polls only what the vehicle reports.
type LegacyHandler struct {
	conn   *conn
	poller *poller
	onCAN  atomic.Bool // active protocol is ISO 15765
}

// NewLegacyHandler creates a legacy handler. A nil catalog selects the
// built-in service 01 table.
func NewLegacyHandler(cat *catalog.Catalog, cb Callbacks) *LegacyHandler {
	if cat == nil {
		cat = catalog.LegacyCatalog()
	}
	return &LegacyHandler{
		conn:   newConn("obd2", cb.OnStatus),
		poller: newPoller(cat, cb.OnData),
	}
}

// LegacyPorts lists serial and RFCOMM devices an ELM327 may sit on.
func LegacyPorts() []string { return transport.SerialPorts() }

func (h *LegacyHandler) Name() string              { return "OBD-II" }
func (h *LegacyHandler) AvailablePorts() []string  { return LegacyPorts() }
func (h *LegacyHandler) IsConnected() bool         { return h.conn.connected() }
func (h *LegacyHandler) State() Status             { return h.conn.status.get() }
func (h *LegacyHandler) Disconnect() error         { return h.conn.close() }
func (h *LegacyHandler) Catalog() *catalog.Catalog { return h.poller.cat }

// Connect initializes the adapter on port and discovers supported PIDs.
func (h *LegacyHandler) Connect(ctx context.Context, port string, opts Options) error {
	h.poller.reset()
	sess, err := h.conn.open(ctx, port, opts)
	if err != nil {
		return fmt.Errorf("obd2: connect %s: %w", port, err)
	}

	n, err := discoverPIDs(ctx, sess)
	if err != nil {
		if fatal(ctx, err) {
			h.conn.check(sess, err)
			h.conn.close()
			return fmt.Errorf("obd2: pid discovery: %w", err)
		}
		log.Warn().Err(err).Msg("supported PID discovery failed, polling full catalog")
	}

	onCAN, err := canProtocol(ctx, sess)
	if err != nil && fatal(ctx, err) {
		h.conn.check(sess, err)
		h.conn.close()
		return fmt.Errorf("obd2: protocol query: %w", err)
	}
	h.onCAN.Store(onCAN)

	msg := fmt.Sprintf("connected to %s", port)
	if a := sess.Adapter(); a != "" {
		msg += " (" + a + ")"
	}
	if n > 0 {
		msg += fmt.Sprintf(", %d PIDs supported", n)
	}
	h.conn.ready(msg)
	return nil
}

// canProtocol asks the adapter which protocol it settled on. Numbers 6 to 9
// (and the user CAN slots A to C) are ISO 15765; an "A" prefix marks an
// automatically detected protocol.
func canProtocol(ctx context.Context, sess *session.Session) (bool, error) {
	resp, err := sess.Exchange(ctx, "ATDPN", 0)
	if err != nil {
		return false, err
	}
	p := strings.ToUpper(strings.TrimSpace(strings.Trim(resp, "\r\n> ")))
	if len(p) == 2 && p[0] == 'A' {
		p = p[1:]
	}
	switch p {
	case "6", "7", "8", "9", "A", "B", "C":
		return true, nil
	}
	return false, nil
}

// discoverPIDs walks the 0100, 0120, ... bitmaps while each announces the
// next one and records the result as the session's supported list.
func discoverPIDs(ctx context.Context, sess *session.Session) (int, error) {
	var codes []string
	for base := 0; base <= 0xE0; base += 0x20 {
		req := fmt.Sprintf("01%02X", base)
		raw, err := sess.Exchange(ctx, req, 0)
		if err != nil {
			if len(codes) > 0 && !fatal(ctx, err) {
				break
			}
			return 0, err
		}
		pids, more, err := codec.SupportedPIDs(raw, byte(base))
		if err != nil {
			if len(codes) > 0 {
				break
			}
			return 0, err
		}
		for _, pid := range pids {
			codes = append(codes, fmt.Sprintf("01%02X", pid))
		}
		if !more {
			break
		}
	}
	sess.SetSupported(codes)
	log.Debug().Strs("pids", codes).Msg("supported PIDs")
	return len(codes), nil
}

// Update polls every supported PID once.
func (h *LegacyHandler) Update(ctx context.Context) ([]codec.Reading, error) {
	sess, err := h.conn.session()
	if err != nil {
		return nil, err
	}
	readings, err := h.poller.poll(ctx, sess)
	return readings, h.conn.check(sess, err)
}

// Read decodes one parameter by catalog name.
func (h *LegacyHandler) Read(ctx context.Context, name string) (codec.Reading, error) {
	sess, err := h.conn.session()
	if err != nil {
		return codec.Reading{}, err
	}
	r, err := h.poller.readByName(ctx, sess, name)
	return r, h.conn.check(sess, err)
}

// SupportedParameters lists the catalog entries the vehicle answers.
func (h *LegacyHandler) SupportedParameters() []string {
	sess, _ := h.conn.session()
	return h.poller.supported(sess)
}

// DiagnosticCodes reads stored codes with service 03.
func (h *LegacyHandler) DiagnosticCodes(ctx context.Context) ([]dtc.Code, error) {
	sess, err := h.conn.session()
	if err != nil {
		return nil, err
	}
	raw, err := sess.Exchange(ctx, "03", 0)
	if err != nil {
		return nil, h.conn.check(sess, err)
	}
	frames, err := codec.Frames(raw, "03", "43", 2)
	if errors.Is(err, codec.ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("obd2: read codes: %w", err)
	}
	codes := storedCodes(frames, dtc.StatusStored, h.onCAN.Load())
	log.Info().Int("count", len(codes)).Msg("stored trouble codes read")
	return codes, nil
}

// ClearDiagnosticCodes sends service 04 and reports whether the ECU
// acknowledged with 44.
func (h *LegacyHandler) ClearDiagnosticCodes(ctx context.Context) (bool, error) {
	sess, err := h.conn.session()
	if err != nil {
		return false, err
	}
	raw, err := sess.Exchange(ctx, "04", 0)
	if err != nil {
		return false, h.conn.check(sess, err)
	}
	if _, err := codec.Frames(raw, "04", "44", 2); err != nil {
		log.Warn().Err(err).Msg("clear trouble codes refused")
		return false, nil
	}
	log.Info().Msg("trouble codes cleared")
	return true, nil
}

// storedCodes decodes one or more 43 frames, merging ECUs and dropping
// duplicates. On CAN every frame starts with a count byte.
func storedCodes(frames [][]byte, status string, countByte bool) []dtc.Code {
	seen := map[string]bool{}
	var out []dtc.Code
	for _, data := range frames {
		if countByte && len(data) > 0 {
			data = data[1:]
		}
		for _, c := range dtc.ParseStored(data, status) {
			if !seen[c.Code] {
				seen[c.Code] = true
				out = append(out, c)
			}
		}
	}
	return out
}
