// Package mqtt shares one simulated radio channel between processes through
// an MQTT broker.
//
// Every node publishes its frames, base64-encoded and without footer, on
// "{prefix}/{network}/air" and subscribes to the same topic. A receiving
// node drops its own frames (matched by the source byte) and appends a
// footer whose RSSI comes from Config.LinkRSSI, standing in for the radio.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/dedupe"
	"github.com/kabili207/wbandisco/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "wban"

	// DefaultRSSI is the raw footer RSSI used when LinkRSSI is nil
	// (0x90 is -130 dBm at 868 MHz).
	DefaultRSSI = 0x90

	// DefaultLQI is the link quality reported in synthesized footers.
	DefaultLQI = 0x30
)

// LinkFunc returns the raw RSSI at which this node hears tx. ok=false
// means there is no link and the frame is lost.
type LinkFunc func(tx uint8) (rssi uint8, ok bool)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "wban").
	TopicPrefix string
	// Network names the shared channel. Nodes on the same network hear each
	// other.
	Network string
	// Node is this node's address. Frames with this source are not delivered.
	Node uint8
	// QoS for publish and subscribe. Above 0 the broker may redeliver a
	// frame after a reconnect; redeliveries already seen are dropped.
	QoS byte
	// LinkRSSI synthesizes the receive footer. Nil hears everyone at DefaultRSSI.
	LinkRSSI LinkFunc
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	seen         *dedupe.Ring
	mu           sync.RWMutex
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.LinkRSSI == nil {
		cfg.LinkRSSI = func(uint8) (uint8, bool) { return DefaultRSSI, true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("mqtt").With("node", cfg.Node),
		seen: dedupe.New(),
	}
}

// Start connects to the MQTT broker and begins listening for frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.Network == "" {
		return errors.New("network name is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("wban-%d-%s", t.cfg.Node, randomString(12))
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.mu.Lock()
	t.client = paho.NewClient(opts)
	client := t.client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetFrameHandler sets the callback for received radio frames.
func (t *Transport) SetFrameHandler(fn transport.FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendFrame publishes a radio frame to the network topic.
func (t *Transport) SendFrame(raw []byte) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}

	payload := base64.StdEncoding.EncodeToString(raw)
	token := t.client.Publish(t.topic(), t.cfg.QoS, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.Network + "/air"
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, t.cfg.QoS, t.handleMessage)
	t.log.Debug("subscribed to air topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	if t.seen.HasSeen(message.Payload()) && message.Duplicate() {
		t.log.Debug("dropping redelivered frame", "message_id", message.MessageID())
		return
	}
	t.deliver(message.Payload())
}

// deliver decodes one published frame and hands it to the frame handler
// with a synthesized footer.
func (t *Transport) deliver(payload []byte) {
	t.mu.RLock()
	handler := t.frameHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		t.log.Debug("failed to decode base64 payload", "error", err)
		return
	}
	if len(raw) < codec.HeaderSize {
		t.log.Debug("frame too short", "len", len(raw))
		return
	}

	src := raw[1]
	if src == t.cfg.Node {
		return
	}
	rssi, ok := t.cfg.LinkRSSI(src)
	if !ok {
		return
	}

	handler(codec.AppendFooter(raw, rssi, codec.CRCOkMask|DefaultLQI), transport.FrameSourceMQTT)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker, "network", t.cfg.Network)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
