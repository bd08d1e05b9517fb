package mqtt

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/transport"
)

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{
		Broker:  "tcp://localhost:1883",
		Network: "test",
	})

	if tr.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("expected default topic prefix %q, got %q", DefaultTopicPrefix, tr.cfg.TopicPrefix)
	}
	if tr.cfg.LinkRSSI == nil {
		t.Error("expected default link function")
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
	if got := tr.topic(); got != "wban/test/air" {
		t.Errorf("topic() = %q", got)
	}
}

func TestNew_CustomConfig(t *testing.T) {
	tr := New(Config{
		Broker:      "tcp://broker.example.com:1883",
		Username:    "user",
		Password:    "pass",
		TopicPrefix: "lab",
		Network:     "ward-3",
	})

	if got := tr.topic(); got != "lab/ward-3/air" {
		t.Errorf("topic() = %q", got)
	}
}

func TestStart_MissingBroker(t *testing.T) {
	tr := New(Config{Network: "test"})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty broker")
	}
}

func TestStart_MissingNetwork(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty network")
	}
}

func TestSendFrame_NotConnected(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883", Network: "test"})

	raw, _ := codec.Encode(codec.TypeStart, codec.BroadcastAddress, nil)
	if err := tr.SendFrame(raw); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("SendFrame() error = %v, want %v", err, transport.ErrNotConnected)
	}
}

func TestIsConnected_Default(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883", Network: "test"})
	if tr.IsConnected() {
		t.Error("expected not connected initially")
	}
}

func publish(raw []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

func TestDeliver_SynthesizesFooter(t *testing.T) {
	tr := New(Config{
		Network: "test",
		Node:    codec.APAddress,
		LinkRSSI: func(tx uint8) (uint8, bool) {
			return 0x10 + tx, true
		},
	})

	var got []byte
	var src transport.FrameSource
	tr.SetFrameHandler(func(raw []byte, s transport.FrameSource) {
		got = bytes.Clone(raw)
		src = s
	})

	raw, _ := codec.EncodeFrom(3, codec.TypeStart|codec.FlagAck, codec.APAddress, nil)
	tr.deliver(publish(raw))

	if src != transport.FrameSourceMQTT {
		t.Errorf("source = %v", src)
	}
	f, err := codec.Decode(got)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Footer.RSSI != 0x13 || !f.Footer.CRCOk() || f.Footer.LQI() != DefaultLQI {
		t.Errorf("footer = %+v", f.Footer)
	}
}

func TestDeliver_Drops(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"own frame", publish([]byte{0x04, 5, codec.TypeDataED, codec.FlagsRelay, 0x00})},
		{"no link", publish([]byte{0x04, 9, codec.TypeStart | codec.FlagAck, 0x00, 0x00})},
		{"not base64", []byte("!!!")},
		{"too short", publish([]byte{0x01, 0x02})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(Config{
				Network: "test",
				Node:    5,
				LinkRSSI: func(tx uint8) (uint8, bool) {
					return 0x20, tx != 9
				},
			})
			delivered := false
			tr.SetFrameHandler(func([]byte, transport.FrameSource) { delivered = true })

			tr.deliver(tt.payload)
			if delivered {
				t.Error("frame should have been dropped")
			}
		})
	}
}

type fakeMessage struct {
	payload   []byte
	duplicate bool
}

func (m *fakeMessage) Duplicate() bool   { return m.duplicate }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "wban/test/air" }
func (m *fakeMessage) MessageID() uint16 { return 7 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestHandleMessage_DropsRedelivery(t *testing.T) {
	tr := New(Config{Network: "test", Node: codec.APAddress, QoS: 1})

	delivered := 0
	tr.SetFrameHandler(func([]byte, transport.FrameSource) { delivered++ })

	raw, _ := codec.EncodeFrom(2, codec.TypePoll|codec.FlagAck, 0, []codec.RelayEntry{{Source: 2, RSSI: 0x80, PacketID: 4}})
	payload := publish(raw)

	tr.handleMessage(nil, &fakeMessage{payload: payload})
	tr.handleMessage(nil, &fakeMessage{payload: payload, duplicate: true})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	// An identical frame that is not a redelivery is a new transmission.
	tr.handleMessage(nil, &fakeMessage{payload: payload})
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
}

func TestHandleMessage_UnseenRedeliveryDelivered(t *testing.T) {
	tr := New(Config{Network: "test", Node: codec.APAddress, QoS: 1})

	delivered := 0
	tr.SetFrameHandler(func([]byte, transport.FrameSource) { delivered++ })

	raw, _ := codec.EncodeFrom(4, codec.TypeStart|codec.FlagAck, codec.APAddress, nil)
	tr.handleMessage(nil, &fakeMessage{payload: publish(raw), duplicate: true})
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}
