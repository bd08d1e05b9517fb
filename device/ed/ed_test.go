package ed

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/transport"
)

// mockTransport records sent frames for testing.
type mockTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	handler transport.FrameHandler
	sendErr error
}

func (m *mockTransport) Start(_ context.Context) error             { return nil }
func (m *mockTransport) Stop() error                               { return nil }
func (m *mockTransport) IsConnected() bool                         { return true }
func (m *mockTransport) SetStateHandler(_ transport.StateHandler)  {}
func (m *mockTransport) SetFrameHandler(fn transport.FrameHandler) { m.handler = fn }

func (m *mockTransport) SendFrame(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, bytes.Clone(raw))
	return nil
}

func (m *mockTransport) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *mockTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

type fixture struct {
	ed      *EndDevice
	tr      *mockTransport
	console *bytes.Buffer
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fx := &fixture{
		tr:      &mockTransport{},
		console: &bytes.Buffer{},
		now:     t0,
	}
	cfg.Console = fx.console
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = -1
	}
	e, err := New(fx.tr, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.nowFn = func() time.Time { return fx.now }
	e.wakeAfter = func(time.Duration) {}
	fx.ed = e
	return fx
}

func (fx *fixture) deliver(t *testing.T, raw []byte, footerRSSI uint8) {
	t.Helper()
	fx.tr.handler(codec.AppendFooter(raw, footerRSSI, codec.CRCOkMask), transport.FrameSourceAir)
	fx.ed.Step()
}

func encode(t *testing.T, src, typ, dst uint8, entries ...codec.RelayEntry) []byte {
	t.Helper()
	raw, err := codec.EncodeFrom(src, typ, dst, entries)
	if err != nil {
		t.Fatalf("EncodeFrom() error = %v", err)
	}
	return raw
}

// beacons advances the local packet id by n successful beacons.
func (fx *fixture) beacons(t *testing.T, n int) {
	t.Helper()
	for range n {
		fx.ed.beaconFlag.Set()
		fx.ed.Step()
	}
	fx.tr.reset()
}

func TestNew_InvalidAddress(t *testing.T) {
	for _, addr := range []uint8{0, codec.MaxDevices + 1} {
		if _, err := New(&mockTransport{}, Config{Address: addr}); !errors.Is(err, codec.ErrAddressOutOfRange) {
			t.Errorf("New(address %d) error = %v", addr, err)
		}
	}
}

func TestStart_AckDelayedByAddress(t *testing.T) {
	fx := newFixture(t, Config{Address: 3, SlotDelay: 10 * time.Millisecond})
	fx.deliver(t, encode(t, codec.APAddress, codec.TypeStart, codec.BroadcastAddress), 0x20)

	if len(fx.tr.sent()) != 0 {
		t.Fatal("START|ACK sent without delay")
	}

	fx.now = fx.now.Add(29 * time.Millisecond)
	fx.ed.Step()
	if len(fx.tr.sent()) != 0 {
		t.Fatal("START|ACK sent before address x slot delay")
	}

	fx.now = fx.now.Add(time.Millisecond)
	fx.ed.Step()
	sent := fx.tr.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	want := []byte{0x04, 3, codec.TypeStart | codec.FlagAck, codec.FlagsNone, codec.APAddress}
	if !bytes.Equal(sent[0], want) {
		t.Errorf("START|ACK = %x, want %x", sent[0], want)
	}
	if fx.ed.Relay().Len() != 0 {
		t.Error("START must not touch the relay payload")
	}
}

func TestRecordedEntryRidesOnPollAck(t *testing.T) {
	fx := newFixture(t, Config{Address: 4})
	fx.beacons(t, 7)

	fx.deliver(t, encode(t, 1, codec.TypeDataED, 0, codec.RelayEntry{Source: 1, RSSI: rssi.NoLink, PacketID: 33}), 0x80)
	if fx.ed.Relay().Len() != codec.RelayEntrySize {
		t.Fatalf("relay cursor = %d, want %d", fx.ed.Relay().Len(), codec.RelayEntrySize)
	}

	fx.deliver(t, encode(t, codec.APAddress, codec.TypePoll, 4), 0x30)

	sent := fx.tr.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	raw := sent[0]
	if raw[2] != codec.TypePoll|codec.FlagAck || raw[3] != codec.FlagsRelay {
		t.Fatalf("reply header = %x", raw[:4])
	}
	if got := raw[codec.RelayOffset : codec.RelayOffset+3]; !bytes.Equal(got, []byte{1, 0x80, 7}) {
		t.Errorf("entry = %x, want 018007", got)
	}
	if fx.ed.Relay().Len() != 0 || fx.ed.Relay().PacketID() != 8 {
		t.Errorf("after POLL|ACK: cursor %d id %d; want 0, 8", fx.ed.Relay().Len(), fx.ed.Relay().PacketID())
	}
	if fx.ed.Counters().PollAcksSent.Load() != 1 {
		t.Error("POLL|ACK not counted")
	}
}

func TestPollForOtherDeviceIgnored(t *testing.T) {
	fx := newFixture(t, Config{Address: 4})
	fx.deliver(t, encode(t, codec.APAddress, codec.TypePoll, 5), 0x30)
	if len(fx.tr.sent()) != 0 {
		t.Error("answered a POLL addressed to another device")
	}
}

func TestStampPeer_CopiesBeaconID(t *testing.T) {
	fx := newFixture(t, Config{Address: 2, Stamp: relay.StampPeer})
	fx.deliver(t, encode(t, 6, codec.TypeDataED, 0, codec.RelayEntry{Source: 6, RSSI: rssi.NoLink, PacketID: 0x42}), 0x11)

	pending := fx.ed.Relay().Pending()
	if len(pending) != 1 || pending[0] != (codec.RelayEntry{Source: 6, RSSI: 0x11, PacketID: 0x42}) {
		t.Errorf("pending = %+v", pending)
	}
}

func TestStartAckFromPeerRecorded(t *testing.T) {
	fx := newFixture(t, Config{Address: 2})
	fx.deliver(t, encode(t, 5, codec.TypeStart|codec.FlagAck, codec.APAddress), 0x60)

	if fx.ed.Table().Raw(2, 5) != 0x60 {
		t.Errorf("local table[2][5] = %#x", fx.ed.Table().Raw(2, 5))
	}
	if got := fx.ed.Relay().Pending(); len(got) != 1 || got[0].Source != 5 {
		t.Errorf("pending = %+v", got)
	}
	if got := fx.console.String(); got != "0000,05,-26\n" {
		t.Errorf("console = %q", got)
	}
}

func TestOwnAndAPFramesNotRecorded(t *testing.T) {
	fx := newFixture(t, Config{Address: 2})
	fx.deliver(t, encode(t, 2, codec.TypeDataED, 0), 0x60)
	fx.deliver(t, encode(t, codec.APAddress, codec.TypeDataAP, 0), 0x60)
	fx.deliver(t, encode(t, codec.APAddress, codec.TypeSync, codec.BroadcastAddress), 0x60)

	if fx.ed.Relay().Len() != 0 {
		t.Errorf("relay cursor = %d, want 0", fx.ed.Relay().Len())
	}
}

func TestPeerRolloverResetsLocalTable(t *testing.T) {
	fx := newFixture(t, Config{Address: 2})
	fx.deliver(t, encode(t, 5, codec.TypeDataED, 0, codec.RelayEntry{Source: 5, RSSI: rssi.NoLink, PacketID: 255}), 0x60)
	fx.deliver(t, encode(t, 7, codec.TypeDataED, 0, codec.RelayEntry{Source: 7, RSSI: rssi.NoLink, PacketID: 9}), 0x61)
	fx.deliver(t, encode(t, 5, codec.TypeDataED, 0, codec.RelayEntry{Source: 5, RSSI: rssi.NoLink, PacketID: 0}), 0x62)

	if fx.ed.Table().Raw(2, 7) != rssi.NoLink {
		t.Error("local table not reset on rollover")
	}
	if fx.ed.Table().Raw(2, 5) != 0x62 {
		t.Error("observation of the new epoch lost")
	}
	if fx.ed.Counters().Epochs.Load() != 1 {
		t.Errorf("epochs = %d", fx.ed.Counters().Epochs.Load())
	}
}

func TestBeacon_EmptyCarriesSelfEntry(t *testing.T) {
	fx := newFixture(t, Config{Address: 9})
	fx.ed.beaconFlag.Set()
	fx.ed.Step()

	sent := fx.tr.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	f, err := codec.Decode(codec.AppendFooter(sent[0], 0, codec.CRCOkMask))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Type != codec.TypeDataED || len(f.Entries) != 1 || f.Entries[0].Source != 9 {
		t.Errorf("beacon = %+v", f)
	}
	if fx.ed.Relay().PacketID() != 1 {
		t.Errorf("PacketID() = %d after one beacon", fx.ed.Relay().PacketID())
	}
}

func TestSendFailure_KeepsEntries(t *testing.T) {
	fx := newFixture(t, Config{Address: 4})
	fx.deliver(t, encode(t, 1, codec.TypeStart|codec.FlagAck, codec.APAddress), 0x50)

	fx.tr.sendErr = transport.ErrNotConnected
	fx.deliver(t, encode(t, codec.APAddress, codec.TypePoll, 4), 0x30)

	if fx.ed.Relay().Len() != codec.RelayEntrySize || fx.ed.Relay().PacketID() != 0 {
		t.Errorf("failed send committed the payload: cursor %d id %d", fx.ed.Relay().Len(), fx.ed.Relay().PacketID())
	}
	if fx.ed.Counters().SendErrors.Load() != 1 {
		t.Error("send error not counted")
	}

	fx.tr.sendErr = nil
	fx.deliver(t, encode(t, codec.APAddress, codec.TypePoll, 4), 0x30)
	if fx.ed.Relay().Len() != 0 {
		t.Error("retry by the AP did not deliver the pending entries")
	}
}

func TestPollAckAndBeaconInOneStep(t *testing.T) {
	fx := newFixture(t, Config{Address: 4})
	fx.deliver(t, encode(t, 1, codec.TypeStart|codec.FlagAck, codec.APAddress), 0x50)

	fx.tr.handler(codec.AppendFooter(encode(t, codec.APAddress, codec.TypePoll, 4), 0x30, codec.CRCOkMask), transport.FrameSourceAir)
	fx.ed.beaconFlag.Set()
	fx.ed.Step()

	sent := fx.tr.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	ack, _ := codec.Decode(codec.AppendFooter(sent[0], 0, codec.CRCOkMask))
	beacon, _ := codec.Decode(codec.AppendFooter(sent[1], 0, codec.CRCOkMask))
	if ack.Type != codec.TypePoll|codec.FlagAck || ack.Entries[0].Source != 1 {
		t.Errorf("first frame = %+v", ack)
	}
	if beacon.Type != codec.TypeDataED || beacon.Entries[0].Source != 4 {
		t.Errorf("beacon repeated relayed entries: %+v", beacon.Entries)
	}
}

func TestSync_RealignsBeaconTimer(t *testing.T) {
	fx := newFixture(t, Config{Address: 3, BeaconInterval: time.Hour})
	fx.ed.beaconTimer.Reset()
	before := fx.ed.beaconTimer.Next()

	time.Sleep(2 * time.Millisecond)
	fx.deliver(t, encode(t, codec.APAddress, codec.TypeSync, codec.BroadcastAddress), 0x30)

	if !fx.ed.beaconTimer.Next().After(before) {
		t.Error("SYNC did not push the beacon deadline")
	}
}

func TestMalformedFrameCounted(t *testing.T) {
	fx := newFixture(t, Config{Address: 3})
	fx.tr.handler([]byte{0x01}, transport.FrameSourceAir)
	fx.ed.Step()
	if fx.ed.Counters().Malformed.Load() != 1 {
		t.Error("malformed frame not counted")
	}
}
