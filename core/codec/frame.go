package codec

import (
	"errors"
	"fmt"
)

const (
	// Address space
	MaxDevices       = 15   // highest end-device address
	APAddress        = 0    // the access point; also row 0 of the RSSI matrix
	BroadcastAddress = 0xFF // destination of START and SYNC

	// Packet types. FlagAck is OR'd into the type byte of a reply.
	TypeStart  = 0x01 // AP broadcast: begin discovery
	TypePoll   = 0x02 // AP->ED request for stored relay entries
	TypeSync   = 0x03 // periodic timing beacon
	FlagAck    = 0x80
	TypeDataAP = 0xAA // AP-origin relay/data frame
	TypeDataED = 0xAB // ED-origin relay/data (beacon) frame

	// Flags byte values
	FlagsNone  = 0x00
	FlagsRelay = 0x55

	// Frame layout
	HeaderSize      = 4 // length, source, type, flags
	FooterSize      = 2 // rssi, lqi/crc-ok, appended by the receiving radio
	LengthOverhead  = 3 // bytes counted by length besides the payload
	MaxPayload      = 50
	MaxFrameSize    = HeaderSize + MaxPayload + FooterSize
	RelayPreamble   = 0x7A
	RelayCountIndex = 5 // buffer offset of the entry byte count
	RelayOffset     = 6 // buffer offset of the first entry
	RelayEntrySize  = 3
	MaxRelayEntries = (MaxPayload - 2) / RelayEntrySize

	// BeaconIDIndex is the buffer offset of the first entry's packet id,
	// which receivers treat as the sender's beacon id.
	BeaconIDIndex = RelayOffset + 2

	// CRCOkMask is the CRC-ok bit of the footer's second byte.
	CRCOkMask = 0x80
)

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrAddressOutOfRange = errors.New("address out of range")
	ErrTooManyEntries    = errors.New("too many relay entries")
	ErrUnsupportedType   = errors.New("unsupported packet type")
)

// RelayEntry is one RSSI observation forwarded by a node: the node it heard,
// the raw RSSI byte and the packet id that observation is tagged with.
type RelayEntry struct {
	Source   uint8
	RSSI     uint8
	PacketID uint8
}

// Footer holds the two status bytes the radio appends on receive.
type Footer struct {
	RSSI   uint8
	LQICRC uint8
}

// CRCOk reports whether the radio flagged the frame's CRC as valid.
func (f Footer) CRCOk() bool {
	return f.LQICRC&CRCOkMask != 0
}

// LQI returns the 7-bit link quality indicator.
func (f Footer) LQI() uint8 {
	return f.LQICRC &^ CRCOkMask
}

// Frame is a decoded radio frame.
type Frame struct {
	Length      uint8
	Source      uint8
	Type        uint8
	Flags       uint8
	Destination uint8 // control frames only
	Payload     []byte
	Entries     []RelayEntry // relay-bearing frames only
	Footer      Footer
}

// IsAck returns true if the ACK bit is set in the type byte.
func (f *Frame) IsAck() bool {
	return IsAckType(f.Type)
}

// BaseType returns the type with the ACK bit cleared. Data types are
// returned unchanged.
func (f *Frame) BaseType() uint8 {
	if IsAckType(f.Type) {
		return f.Type &^ FlagAck
	}
	return f.Type
}

// IsRelayBearing returns true if the payload carries relay entries.
func (f *Frame) IsRelayBearing() bool {
	return isRelayBearing(f.Type, f.Flags)
}

// BeaconID returns the sender's beacon packet id: the id of the first relay
// entry. ok is false when the frame carries no entries.
func (f *Frame) BeaconID() (id uint8, ok bool) {
	if len(f.Entries) == 0 {
		return 0, false
	}
	return f.Entries[0].PacketID, true
}

// IsAckType returns true if t is a reply type.
func IsAckType(t uint8) bool {
	return t&FlagAck != 0 && !isDataType(t)
}

// ValidAddress returns true for end-device addresses 1..MaxDevices.
func ValidAddress(addr uint8) bool {
	return addr >= 1 && addr <= MaxDevices
}

func isDataType(t uint8) bool {
	return t == TypeDataAP || t == TypeDataED
}

func isControlType(t uint8) bool {
	switch t {
	case TypeStart, TypePoll, TypeSync, TypeStart | FlagAck:
		return true
	}
	return false
}

func isRelayBearing(t, flags uint8) bool {
	if flags != FlagsRelay {
		return false
	}
	return isDataType(t) || t == TypePoll|FlagAck
}

// Decode parses a received frame, including the radio footer.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(buf))
	}

	f := &Frame{
		Length: buf[0],
		Source: buf[1],
		Type:   buf[2],
		Flags:  buf[3],
	}

	if f.Length < LengthOverhead {
		return nil, fmt.Errorf("%w: length %d shorter than header", ErrMalformedPacket, f.Length)
	}
	// Add one to account for the length byte itself.
	footerAt := int(f.Length) + 1
	if footerAt+FooterSize > len(buf) {
		return nil, fmt.Errorf("%w: length %d reads past %d-byte buffer", ErrMalformedPacket, f.Length, len(buf))
	}
	payloadLen := int(f.Length) - LengthOverhead
	if payloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrMalformedPacket, payloadLen)
	}
	if f.Source > MaxDevices {
		return nil, fmt.Errorf("%w: %w: source %d", ErrMalformedPacket, ErrAddressOutOfRange, f.Source)
	}

	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, buf[HeaderSize:footerAt])
	f.Footer = Footer{RSSI: buf[footerAt], LQICRC: buf[footerAt+1]}

	switch {
	case f.IsRelayBearing():
		entries, err := decodeEntries(buf[:footerAt])
		if err != nil {
			return nil, err
		}
		f.Entries = entries
	case isControlType(f.Type) && payloadLen > 0:
		f.Destination = f.Payload[0]
	}

	return f, nil
}

// decodeEntries reads the relay groups of a frame body (footer excluded).
func decodeEntries(body []byte) ([]RelayEntry, error) {
	if len(body) < RelayOffset {
		return nil, fmt.Errorf("%w: relay frame without entry header", ErrMalformedPacket)
	}
	used := int(body[RelayCountIndex])
	if used%RelayEntrySize != 0 {
		return nil, fmt.Errorf("%w: entry bytes %d not a multiple of %d", ErrMalformedPacket, used, RelayEntrySize)
	}
	if RelayOffset+used > len(body) {
		return nil, fmt.Errorf("%w: %d entry bytes exceed payload", ErrMalformedPacket, used)
	}

	entries := make([]RelayEntry, 0, used/RelayEntrySize)
	for i := RelayOffset; i < RelayOffset+used; i += RelayEntrySize {
		entries = append(entries, RelayEntry{
			Source:   body[i],
			RSSI:     body[i+1],
			PacketID: body[i+2],
		})
	}
	return entries, nil
}

// Encode builds an outbound frame from the access point.
func Encode(typ, destination uint8, entries []RelayEntry) ([]byte, error) {
	return EncodeFrom(APAddress, typ, destination, entries)
}

// EncodeFrom builds an outbound frame with the given source address. Control
// frames carry only the destination; relay-bearing frames carry entries and
// ignore destination. The footer is not written.
func EncodeFrom(source, typ, destination uint8, entries []RelayEntry) ([]byte, error) {
	if source > MaxDevices {
		return nil, fmt.Errorf("%w: source %d", ErrAddressOutOfRange, source)
	}

	switch {
	case isControlType(typ):
		if len(entries) > 0 {
			return nil, fmt.Errorf("%w: control frame %s carries no entries", ErrTooManyEntries, TypeName(typ))
		}
		return []byte{LengthOverhead + 1, source, typ, FlagsNone, destination}, nil

	case isRelayBearing(typ, FlagsRelay):
		if len(entries) > MaxRelayEntries {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(entries), MaxRelayEntries)
		}
		used := len(entries) * RelayEntrySize
		buf := make([]byte, RelayOffset+used)
		buf[0] = byte(LengthOverhead + 2 + used)
		buf[1] = source
		buf[2] = typ
		buf[3] = FlagsRelay
		buf[4] = RelayPreamble
		buf[RelayCountIndex] = byte(used)
		i := RelayOffset
		for _, e := range entries {
			buf[i] = e.Source
			buf[i+1] = e.RSSI
			buf[i+2] = e.PacketID
			i += RelayEntrySize
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, typ)
	}
}

// AppendFooter returns a copy of an encoded frame with a receive footer, as a
// radio would deliver it.
func AppendFooter(frame []byte, rssi, lqiCRC uint8) []byte {
	out := make([]byte, len(frame)+FooterSize)
	copy(out, frame)
	out[len(frame)] = rssi
	out[len(frame)+1] = lqiCRC
	return out
}

// TypeName returns a human-readable name for a packet type byte.
func TypeName(t uint8) string {
	switch t {
	case TypeStart:
		return "START"
	case TypeStart | FlagAck:
		return "START|ACK"
	case TypePoll:
		return "POLL"
	case TypePoll | FlagAck:
		return "POLL|ACK"
	case TypeSync:
		return "SYNC"
	case TypeDataAP:
		return "DATA_AP"
	case TypeDataED:
		return "DATA_ED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}
