package ecu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/dtc"
	"github.com/shaunagostinho/goobd/internal/transport"
)

const (
	udsReadDTC      = "1902FF"   // ReadDTCInformation, reportDTCByStatusMask, all bits
	udsReadDTCReply = "5902"     // followed by the status availability mask
	udsClearDTC     = "14FFFFFF" // ClearDiagnosticInformation, all groups
	udsClearReply   = "54"

	defaultDTCHeader = "7E0"
	dtcTimeout       = 3 * time.Second
)

// ManufacturerHandler reads UDS data identifiers (service 22) with
// per-identifier addressing. It runs over SocketCAN with ISO-TP, or over an
// ELM327 that forwards the same requests.
type ManufacturerHandler struct {
	conn      *conn
	poller    *poller
	dtcHeader string
}

// NewManufacturerHandler creates a manufacturer handler. A nil catalog
// selects the built-in identifier table.
func NewManufacturerHandler(cat *catalog.Catalog, cb Callbacks) *ManufacturerHandler {
	if cat == nil {
		cat = catalog.ManufacturerCatalog()
	}
	return &ManufacturerHandler{
		conn:      newConn("uds", cb.OnStatus),
		poller:    newPoller(cat, cb.OnData),
		dtcHeader: defaultDTCHeader,
	}
}

// ManufacturerPorts lists CAN interfaces first, then serial adapters.
func ManufacturerPorts() []string {
	return append(transport.CANInterfaces(), transport.SerialPorts()...)
}

func (h *ManufacturerHandler) Name() string              { return "Manufacturer UDS" }
func (h *ManufacturerHandler) AvailablePorts() []string  { return ManufacturerPorts() }
func (h *ManufacturerHandler) IsConnected() bool         { return h.conn.connected() }
func (h *ManufacturerHandler) State() Status             { return h.conn.status.get() }
func (h *ManufacturerHandler) Disconnect() error         { return h.conn.close() }
func (h *ManufacturerHandler) Catalog() *catalog.Catalog { return h.poller.cat }

// SetDTCHeader selects the module addressed by trouble-code requests.
func (h *ManufacturerHandler) SetDTCHeader(header string) {
	if header != "" {
		h.dtcHeader = header
	}
}

// Connect initializes the link on port.
func (h *ManufacturerHandler) Connect(ctx context.Context, port string, opts Options) error {
	h.poller.reset()
	sess, err := h.conn.open(ctx, port, opts)
	if err != nil {
		return fmt.Errorf("uds: connect %s: %w", port, err)
	}
	msg := fmt.Sprintf("connected to %s", port)
	if a := sess.Adapter(); a != "" {
		msg += " (" + a + ")"
	}
	h.conn.ready(msg)
	return nil
}

// Update reads every identifier once, switching headers as needed.
func (h *ManufacturerHandler) Update(ctx context.Context) ([]codec.Reading, error) {
	sess, err := h.conn.session()
	if err != nil {
		return nil, err
	}
	readings, err := h.poller.poll(ctx, sess)
	return readings, h.conn.check(sess, err)
}

// Read decodes one identifier by catalog name.
func (h *ManufacturerHandler) Read(ctx context.Context, name string) (codec.Reading, error) {
	sess, err := h.conn.session()
	if err != nil {
		return codec.Reading{}, err
	}
	r, err := h.poller.readByName(ctx, sess, name)
	return r, h.conn.check(sess, err)
}

// SupportedParameters lists identifiers not yet refused by the ECU.
func (h *ManufacturerHandler) SupportedParameters() []string {
	sess, _ := h.conn.session()
	return h.poller.supported(sess)
}

// DiagnosticCodes reads every DTC with a non-zero status via 19 02 FF.
func (h *ManufacturerHandler) DiagnosticCodes(ctx context.Context) ([]dtc.Code, error) {
	sess, err := h.conn.session()
	if err != nil {
		return nil, err
	}
	if err := sess.SetHeader(ctx, h.dtcHeader); err != nil {
		return nil, h.conn.check(sess, fmt.Errorf("uds: read codes: %w", err))
	}
	raw, err := sess.Exchange(ctx, udsReadDTC, dtcTimeout)
	if err != nil {
		return nil, h.conn.check(sess, err)
	}
	frames, err := codec.Frames(raw, udsReadDTC, udsReadDTCReply, len(udsReadDTCReply)+2)
	if errors.Is(err, codec.ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("uds: read codes: %w", err)
	}

	seen := map[string]bool{}
	var out []dtc.Code
	for _, data := range frames {
		// data[0] is the status availability mask
		for _, c := range dtc.ParseUDS(data[1:]) {
			if !seen[c.Code] {
				seen[c.Code] = true
				out = append(out, c)
			}
		}
	}
	log.Info().Int("count", len(out)).Str("header", h.dtcHeader).Msg("trouble codes read")
	return out, nil
}

// ClearDiagnosticCodes sends 14 FF FF FF and reports whether the ECU
// answered 54.
func (h *ManufacturerHandler) ClearDiagnosticCodes(ctx context.Context) (bool, error) {
	sess, err := h.conn.session()
	if err != nil {
		return false, err
	}
	if err := sess.SetHeader(ctx, h.dtcHeader); err != nil {
		return false, h.conn.check(sess, fmt.Errorf("uds: clear codes: %w", err))
	}
	raw, err := sess.Exchange(ctx, udsClearDTC, dtcTimeout)
	if err != nil {
		return false, h.conn.check(sess, err)
	}
	if _, err := codec.Frames(raw, udsClearDTC, udsClearReply, len(udsClearReply)); err != nil {
		log.Warn().Err(err).Str("header", h.dtcHeader).Msg("clear trouble codes refused")
		return false, nil
	}
	log.Info().Str("header", h.dtcHeader).Msg("trouble codes cleared")
	return true, nil
}
