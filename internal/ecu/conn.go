package ecu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/goobd/internal/catalog"
	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/session"
)

// conn couples an adapter session with the handler status. Both the legacy
// and the manufacturer handler are built on it.
type conn struct {
	status *statusTracker

	mu   sync.Mutex
	sess *session.Session
}

func newConn(name string, cb StatusCallback) *conn {
	return &conn{status: newStatusTracker(name, cb)}
}

// open replaces any existing session with a fresh one on port.
func (c *conn) open(ctx context.Context, port string, opts Options) (*session.Session, error) {
	c.mu.Lock()
	old := c.sess
	c.sess = nil
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	c.status.set(StatusConnecting, fmt.Sprintf("connecting to %s", port))
	sess := session.New(opts.transportFor(port), opts.sessionConfig(port))
	if err := sess.Connect(ctx); err != nil {
		c.status.set(StatusError, err.Error())
		return nil, err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return sess, nil
}

// ready marks the connection usable once handler-specific setup is done.
func (c *conn) ready(msg string) {
	c.status.set(StatusConnected, msg)
}

// close tears the session down. Idempotent.
func (c *conn) close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Disconnect()
	}
	c.status.set(StatusDisconnected, "disconnected")
	return err
}

// session returns the active session, or ErrNotConnected.
func (c *conn) session() (*session.Session, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || c.status.get() != StatusConnected || sess.State() != session.Ready {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// check surfaces a session that fell into Error during an operation.
func (c *conn) check(sess *session.Session, err error) error {
	if err != nil && sess.State() == session.Error {
		c.status.set(StatusError, err.Error())
	}
	return err
}

func (c *conn) connected() bool {
	_, err := c.session()
	return err == nil
}

// poller reads catalog parameters through a session.
type poller struct {
	cat    *catalog.Catalog
	layout codec.Layout
	onData DataCallback

	mu       sync.Mutex
	rejected map[string]bool // request codes the ECU refused as unsupported
}

func newPoller(cat *catalog.Catalog, onData DataCallback) *poller {
	return &poller{
		cat:      cat,
		layout:   codec.LayoutFor(cat.Protocol()),
		onData:   onData,
		rejected: map[string]bool{},
	}
}

func (p *poller) reset() {
	p.mu.Lock()
	p.rejected = map[string]bool{}
	p.mu.Unlock()
}

func (p *poller) skipped(sess *session.Session, code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected[code] || !sess.Supports(code)
}

// supported lists the catalog parameters the vehicle is known to answer.
func (p *poller) supported(sess *session.Session) []string {
	var out []string
	for _, name := range p.cat.SupportedParameters() {
		def, _ := p.cat.Lookup(name)
		if sess == nil || !p.skipped(sess, def.RequestCode) {
			out = append(out, name)
		}
	}
	return out
}

// poll reads every supported parameter once. A failing parameter is logged
// and skipped; only link failures end the pass early.
func (p *poller) poll(ctx context.Context, sess *session.Session) ([]codec.Reading, error) {
	var out []codec.Reading
	for _, name := range p.cat.SupportedParameters() {
		def, _ := p.cat.Lookup(name)
		if p.skipped(sess, def.RequestCode) {
			continue
		}
		r, err := p.read(ctx, sess, def)
		if err != nil {
			if fatal(ctx, err) {
				return out, err
			}
			log.Debug().Err(err).Str("param", name).Msg("parameter skipped")
			continue
		}
		out = append(out, r)
		if p.onData != nil {
			p.onData(r.Parameter, r.Value, r.Unit)
		}
	}
	return out, nil
}

// readByName decodes one parameter, refusing names outside the catalog or
// the vehicle's supported set.
func (p *poller) readByName(ctx context.Context, sess *session.Session, name string) (codec.Reading, error) {
	def, err := p.cat.Lookup(name)
	if err != nil {
		return codec.Reading{}, err
	}
	if p.skipped(sess, def.RequestCode) {
		return codec.Reading{}, fmt.Errorf("%w: %s (%s) not supported by vehicle", catalog.ErrNotSupported, name, def.RequestCode)
	}
	return p.read(ctx, sess, def)
}

func (p *poller) read(ctx context.Context, sess *session.Session, def catalog.CommandDefinition) (codec.Reading, error) {
	if err := sess.SetHeader(ctx, def.Header); err != nil {
		return codec.Reading{}, err
	}
	raw, err := sess.Exchange(ctx, def.RequestCode, 0)
	if err != nil {
		return codec.Reading{}, err
	}
	r, err := codec.Decode(def, p.layout, raw)
	var nrc *codec.NegativeResponseError
	if errors.As(err, &nrc) && unsupportedNRC(nrc.Code) {
		p.mu.Lock()
		p.rejected[def.RequestCode] = true
		p.mu.Unlock()
		log.Info().Str("param", def.Name).Str("code", def.RequestCode).Str("nrc", codec.NRCName(nrc.Code)).Msg("parameter not supported by ECU")
	}
	return r, err
}

// unsupportedNRC reports codes that will not change on retry.
func unsupportedNRC(code byte) bool {
	switch code {
	case 0x11, 0x12, 0x31:
		return true
	}
	return false
}

// fatal reports errors that end a polling pass.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, session.ErrTransport) ||
		errors.Is(err, session.ErrDisconnected) ||
		errors.Is(err, session.ErrNotReady)
}
