// Package serial connects to a radio bridge over a serial port.
//
// The bridge is a CC430 running a pass-through image: every radio frame it
// receives (footer included) is sent up the serial line inside an RS232
// bridge frame with a Fletcher-16 checksum, and every bridge frame written
// to it is transmitted as-is.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the bridge's UART rate.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg          Config
	port         serial.Port
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	port, err := serial.Open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	t.log.Info("connected to radio bridge", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	handler := t.stateHandler
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
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

// SendFrame wraps a radio frame in a bridge frame and writes it to the port.
func (t *Transport) SendFrame(raw []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return transport.ErrNotConnected
	}
	return writeFrame(port, raw)
}

func writeFrame(w io.Writer, raw []byte) error {
	frame, err := codec.EncodeRS232Frame(raw)
	if err != nil {
		return fmt.Errorf("encoding bridge frame: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop reads from the port and assembles bridge frames.
func (t *Transport) readLoop(ctx context.Context, r io.Reader) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete bridge frames from the buffer and hands
// the radio frames to the frame handler. Returns any remaining bytes that
// don't form a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinBridgeFrameSize {
		radio, remaining, err := codec.DecodeRS232Frame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}

		data = remaining

		if len(radio) < codec.HeaderSize+codec.FooterSize {
			t.log.Debug("bridge frame too short for a radio frame", "len", len(radio))
			continue
		}

		t.mu.RLock()
		handler := t.frameHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(radio, transport.FrameSourceSerial)
		}
	}

	return data
}

// findMagic searches for the bridge magic bytes in data.
// Returns the index of the first byte of the magic, or -1 if not found.
func findMagic(data []byte) int {
	hi, lo := byte(codec.BridgeMagic>>8), byte(codec.BridgeMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("radio bridge disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
