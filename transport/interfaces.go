// Package transport defines how the discovery roles reach the radio.
//
// A transport moves raw radio frames. Received frames always end with the
// two footer bytes (rssi, lqi/crc-ok) a receiving radio appends; frames
// handed to SendFrame never carry them.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by SendFrame on a stopped transport.
var ErrNotConnected = errors.New("not connected")

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and frame handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetFrameHandler sets the callback for received radio frames.
	SetFrameHandler(fn FrameHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// SendFrame transmits one encoded radio frame.
	SendFrame(raw []byte) error
}

// FrameHandler is called for every received frame, footer included. The
// handler must not retain raw after returning.
type FrameHandler func(raw []byte, source FrameSource)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// FrameSource indicates where a frame came from.
type FrameSource int

const (
	// FrameSourceSerial is a radio bridge on a serial port.
	FrameSourceSerial FrameSource = iota
	// FrameSourceMQTT is the shared air relayed through an MQTT broker.
	FrameSourceMQTT
	// FrameSourceAir is the in-process simulated medium.
	FrameSourceAir
	// FrameSourceLocal indicates the frame was originated by this node (TX).
	FrameSourceLocal
)

func (s FrameSource) String() string {
	switch s {
	case FrameSourceSerial:
		return "serial"
	case FrameSourceMQTT:
		return "mqtt"
	case FrameSourceAir:
		return "air"
	case FrameSourceLocal:
		return "local"
	default:
		return "unknown"
	}
}
