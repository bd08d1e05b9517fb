// Package air simulates the shared radio channel inside one process.
//
// A Medium holds a [receiver][transmitter] table of raw RSSI values. A frame
// sent on a Port reaches every other attached port that has a link from the
// sender, with that link's RSSI in the footer. Missing links lose the frame,
// matching the best-effort radio. Delivery is synchronous so tests can
// assert on the outcome of a send without waiting.
package air

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Port)(nil)

// DefaultLQI is the link quality reported in delivered footers.
const DefaultLQI = 0x30

var ErrAddressInUse = errors.New("address already attached")

const size = codec.MaxDevices + 1

type link struct {
	rssi uint8
	ok   bool
}

// MediumConfig configures a simulated channel.
type MediumConfig struct {
	// LQI reported in footers. Default: DefaultLQI.
	LQI uint8
	// Logger for medium events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Medium is the shared channel.
type Medium struct {
	cfg MediumConfig
	log *slog.Logger

	mu    sync.RWMutex
	links [size][size]link
	ports map[uint8]*Port
}

// NewMedium returns a channel with no links.
func NewMedium(cfg MediumConfig) *Medium {
	if cfg.LQI == 0 {
		cfg.LQI = DefaultLQI
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Medium{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("air"),
		ports: make(map[uint8]*Port),
	}
}

// SetLink makes rx hear tx at the given raw RSSI.
func (m *Medium) SetLink(rx, tx, rssi uint8) error {
	if rx >= size || tx >= size {
		return fmt.Errorf("%w: link %d<-%d", codec.ErrAddressOutOfRange, rx, tx)
	}
	m.mu.Lock()
	m.links[rx][tx] = link{rssi: rssi, ok: true}
	m.mu.Unlock()
	return nil
}

// SetSymmetricLink sets the same RSSI in both directions.
func (m *Medium) SetSymmetricLink(a, b, rssi uint8) error {
	if err := m.SetLink(a, b, rssi); err != nil {
		return err
	}
	return m.SetLink(b, a, rssi)
}

// ClearLink removes the link from tx to rx.
func (m *Medium) ClearLink(rx, tx uint8) {
	if rx >= size || tx >= size {
		return
	}
	m.mu.Lock()
	m.links[rx][tx] = link{}
	m.mu.Unlock()
}

// Link returns the raw RSSI at which rx hears tx.
func (m *Medium) Link(rx, tx uint8) (rssi uint8, ok bool) {
	if rx >= size || tx >= size {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.links[rx][tx]
	return l.rssi, l.ok
}

// Attach returns the port for the node at addr.
func (m *Medium) Attach(addr uint8) (*Port, error) {
	if addr >= size {
		return nil, fmt.Errorf("%w: %d", codec.ErrAddressOutOfRange, addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[addr]; ok {
		return nil, fmt.Errorf("%w: %d", ErrAddressInUse, addr)
	}
	p := &Port{medium: m, addr: addr}
	m.ports[addr] = p
	return p, nil
}

// Detach removes the port at addr from the channel.
func (m *Medium) Detach(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, addr)
}

type delivery struct {
	port *Port
	rssi uint8
}

// transmit delivers raw from tx to every port that hears it. It returns the
// number of receivers.
func (m *Medium) transmit(tx uint8, raw []byte) int {
	m.mu.RLock()
	var out []delivery
	for rx, p := range m.ports {
		if rx == tx {
			continue
		}
		if l := m.links[rx][tx]; l.ok {
			out = append(out, delivery{port: p, rssi: l.rssi})
		}
	}
	m.mu.RUnlock()

	for _, d := range out {
		d.port.receive(codec.AppendFooter(raw, d.rssi, codec.CRCOkMask|m.cfg.LQI))
	}
	m.log.Debug("frame on air", "tx", tx, "type", codec.TypeName(typeOf(raw)), "receivers", len(out))
	return len(out)
}

func typeOf(raw []byte) uint8 {
	if len(raw) < 3 {
		return 0
	}
	return raw[2]
}

// Port is one node's radio on the medium.
type Port struct {
	medium *Medium
	addr   uint8

	mu           sync.RWMutex
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// Addr returns the node address the port transmits as.
func (p *Port) Addr() uint8 {
	return p.addr
}

// Start switches the radio on.
func (p *Port) Start(_ context.Context) error {
	p.mu.Lock()
	p.connected = true
	handler := p.stateHandler
	p.mu.Unlock()

	if handler != nil {
		handler(p, transport.EventConnected)
	}
	return nil
}

// Stop switches the radio off. A stopped port neither sends nor receives.
func (p *Port) Stop() error {
	p.mu.Lock()
	p.connected = false
	handler := p.stateHandler
	p.mu.Unlock()

	if handler != nil {
		handler(p, transport.EventDisconnected)
	}
	return nil
}

// IsConnected returns true between Start and Stop.
func (p *Port) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// SetFrameHandler sets the callback for received radio frames.
func (p *Port) SetFrameHandler(fn transport.FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (p *Port) SetStateHandler(fn transport.StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandler = fn
}

// SendFrame puts raw on the air. The source byte is rewritten to the
// port's address, as a radio cannot transmit as another node.
func (p *Port) SendFrame(raw []byte) error {
	if !p.IsConnected() {
		return transport.ErrNotConnected
	}
	if len(raw) < codec.HeaderSize {
		return fmt.Errorf("%w: %d bytes", codec.ErrMalformedPacket, len(raw))
	}
	frame := make([]byte, len(raw))
	copy(frame, raw)
	frame[1] = p.addr
	p.medium.transmit(p.addr, frame)
	return nil
}

func (p *Port) receive(raw []byte) {
	p.mu.RLock()
	handler := p.frameHandler
	connected := p.connected
	p.mu.RUnlock()

	if connected && handler != nil {
		handler(raw, transport.FrameSourceAir)
	}
}
