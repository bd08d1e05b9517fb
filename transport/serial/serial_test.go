package serial

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/transport"
)

// makeTestFrame returns a START|ACK from node 3 as the bridge delivers it.
func makeTestFrame(t *testing.T, src uint8) []byte {
	t.Helper()
	raw, err := codec.EncodeFrom(src, codec.TypeStart|codec.FlagAck, codec.APAddress, nil)
	if err != nil {
		t.Fatalf("EncodeFrom() error = %v", err)
	}
	return codec.AppendFooter(raw, 0x90, codec.CRCOkMask|0x20)
}

// bridgeFrame wraps a radio frame in a bridge frame.
func bridgeFrame(t *testing.T, radio []byte) []byte {
	t.Helper()
	frame, err := codec.EncodeRS232Frame(radio)
	if err != nil {
		t.Fatalf("failed to encode bridge frame: %v", err)
	}
	return frame
}

type recorder struct {
	frames [][]byte
}

func (r *recorder) handle(raw []byte, source transport.FrameSource) {
	if source != transport.FrameSourceSerial {
		panic("unexpected frame source " + source.String())
	}
	r.frames = append(r.frames, bytes.Clone(raw))
}

func newTestTransport(rec *recorder) *Transport {
	tr := New(Config{Port: "/dev/null"})
	if rec != nil {
		tr.SetFrameHandler(rec.handle)
	}
	return tr
}

func TestProcessFrames_SingleFrame(t *testing.T) {
	radio := makeTestFrame(t, 3)
	rec := &recorder{}
	tr := newTestTransport(rec)

	remaining := tr.processFrames(bridgeFrame(t, radio))
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
	if len(rec.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(rec.frames))
	}
	if !bytes.Equal(rec.frames[0], radio) {
		t.Errorf("frame = %x, want %x", rec.frames[0], radio)
	}

	f, err := codec.Decode(rec.frames[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Source != 3 || f.Footer.RSSI != 0x90 {
		t.Errorf("decoded frame = %+v", f)
	}
}

func TestProcessFrames_MultipleFrames(t *testing.T) {
	combined := append(bridgeFrame(t, makeTestFrame(t, 1)), bridgeFrame(t, makeTestFrame(t, 2))...)
	rec := &recorder{}
	tr := newTestTransport(rec)

	if remaining := tr.processFrames(combined); len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
	if len(rec.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(rec.frames))
	}
	if rec.frames[0][1] != 1 || rec.frames[1][1] != 2 {
		t.Errorf("frames out of order: %x %x", rec.frames[0], rec.frames[1])
	}
}

func TestProcessFrames_IncompleteFrame(t *testing.T) {
	frame := bridgeFrame(t, makeTestFrame(t, 1))
	partial := frame[:len(frame)-2]
	rec := &recorder{}
	tr := newTestTransport(rec)

	remaining := tr.processFrames(partial)
	if len(rec.frames) != 0 {
		t.Errorf("expected 0 frames from incomplete data, got %d", len(rec.frames))
	}
	if len(remaining) != len(partial) {
		t.Errorf("expected all bytes returned as remaining, got %d vs %d", len(remaining), len(partial))
	}
}

func TestProcessFrames_IncrementalAssembly(t *testing.T) {
	frame := bridgeFrame(t, makeTestFrame(t, 4))
	rec := &recorder{}
	tr := newTestTransport(rec)

	// Feed bytes one at a time, simulating slow serial arrival
	var buf []byte
	for _, b := range frame {
		buf = append(buf, b)
		buf = tr.processFrames(buf)
	}

	if len(rec.frames) != 1 {
		t.Fatalf("expected 1 frame after incremental assembly, got %d", len(rec.frames))
	}
	if len(buf) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(buf))
	}
}

func TestProcessFrames_GarbageBeforeFrame(t *testing.T) {
	data := append([]byte{0x00, 0x01, 0x02, 0xFF}, bridgeFrame(t, makeTestFrame(t, 5))...)
	rec := &recorder{}
	tr := newTestTransport(rec)

	remaining := tr.processFrames(data)
	if len(rec.frames) != 1 {
		t.Fatalf("expected 1 frame after skipping garbage, got %d", len(rec.frames))
	}
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
}

func TestProcessFrames_CorruptChecksumResyncs(t *testing.T) {
	bad := bridgeFrame(t, makeTestFrame(t, 1))
	bad[len(bad)-1] ^= 0xFF
	data := append(bad, bridgeFrame(t, makeTestFrame(t, 2))...)
	rec := &recorder{}
	tr := newTestTransport(rec)

	tr.processFrames(data)
	if len(rec.frames) != 1 || rec.frames[0][1] != 2 {
		t.Fatalf("expected only the intact frame from node 2, got %x", rec.frames)
	}
}

func TestProcessFrames_RuntFrameSkipped(t *testing.T) {
	data := append(bridgeFrame(t, []byte{0x01, 0x02}), bridgeFrame(t, makeTestFrame(t, 6))...)
	rec := &recorder{}
	tr := newTestTransport(rec)

	tr.processFrames(data)
	if len(rec.frames) != 1 || rec.frames[0][1] != 6 {
		t.Fatalf("expected only the frame from node 6, got %x", rec.frames)
	}
}

func TestProcessFrames_NoHandler(t *testing.T) {
	tr := newTestTransport(nil)
	// No handler set, should not panic
	if remaining := tr.processFrames(bridgeFrame(t, makeTestFrame(t, 1))); len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
}

func TestFindMagic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"magic at start", []byte{0xC0, 0x3E, 0x05}, 0},
		{"magic in middle", []byte{0x00, 0x01, 0xC0, 0x3E, 0x05}, 2},
		{"no magic", []byte{0x00, 0x01, 0x02, 0x03}, -1},
		{"partial magic at end", []byte{0x00, 0xC0}, -1},
		{"empty", []byte{}, -1},
		{"just magic", []byte{0xC0, 0x3E}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findMagic(tt.data); got != tt.want {
				t.Errorf("findMagic() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteFrame(t *testing.T) {
	raw, _ := codec.Encode(codec.TypePoll, 3, nil)
	var out bytes.Buffer
	if err := writeFrame(&out, raw); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}

	radio, rest, err := codec.DecodeRS232Frame(out.Bytes())
	if err != nil {
		t.Fatalf("DecodeRS232Frame() error = %v", err)
	}
	if !bytes.Equal(radio, raw) || len(rest) != 0 {
		t.Errorf("round trip = %x (+%d), want %x", radio, len(rest), raw)
	}
}

func TestSendFrame_NotConnected(t *testing.T) {
	tr := New(Config{Port: "/dev/null", BaudRate: 115200})

	raw, _ := codec.Encode(codec.TypeStart, codec.BroadcastAddress, nil)
	if err := tr.SendFrame(raw); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("SendFrame() error = %v, want %v", err, transport.ErrNotConnected)
	}
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{Port: "/dev/ttyUSB0"})
	if tr.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("expected default baud rate %d, got %d", DefaultBaudRate, tr.cfg.BaudRate)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
}
