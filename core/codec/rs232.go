package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BridgeMagic starts every frame exchanged with a serial radio bridge.
	BridgeMagic uint16 = 0xC03E
	// MaxBridgePayload is the largest radio frame (footer included) a bridge
	// frame may carry.
	MaxBridgePayload = 255
	// BridgeHeaderSize is magic (2) + length (2).
	BridgeHeaderSize = 4
	// BridgeChecksumSize is the trailing Fletcher-16 checksum.
	BridgeChecksumSize = 2
	// MinBridgeFrameSize is an empty bridge frame.
	MinBridgeFrameSize = BridgeHeaderSize + BridgeChecksumSize
)

var (
	ErrBridgeFrameTooShort = errors.New("bridge frame too short")
	ErrInvalidMagic        = errors.New("invalid bridge frame magic")
	ErrBridgePayloadSize   = errors.New("bridge payload exceeds maximum size")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrIncompleteFrame     = errors.New("incomplete bridge frame")
)

// DecodeRS232Frame extracts one radio frame from serial bridge data.
// Layout: [0xC03E BE][length BE][radio frame][fletcher16 BE].
// Returns the radio frame, the bytes following the bridge frame and an error.
// On error the input is returned unchanged as the remainder.
func DecodeRS232Frame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinBridgeFrameSize {
		return nil, data, ErrBridgeFrameTooShort
	}

	if binary.BigEndian.Uint16(data[0:2]) != BridgeMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxBridgePayload {
		return nil, data, ErrBridgePayloadSize
	}

	total := BridgeHeaderSize + n + BridgeChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	body := data[BridgeHeaderSize : BridgeHeaderSize+n]
	got := binary.BigEndian.Uint16(data[BridgeHeaderSize+n : total])
	if !ValidateChecksum(body, got) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, Fletcher16(body), got)
	}

	out := make([]byte, n)
	copy(out, body)
	return out, data[total:], nil
}

// EncodeRS232Frame wraps a radio frame for the serial bridge.
func EncodeRS232Frame(radio []byte) ([]byte, error) {
	if len(radio) > MaxBridgePayload {
		return nil, ErrBridgePayloadSize
	}

	out := make([]byte, BridgeHeaderSize+len(radio)+BridgeChecksumSize)
	binary.BigEndian.PutUint16(out[0:2], BridgeMagic)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(radio)))
	copy(out[BridgeHeaderSize:], radio)
	binary.BigEndian.PutUint16(out[BridgeHeaderSize+len(radio):], Fletcher16(radio))
	return out, nil
}
