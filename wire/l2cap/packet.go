package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP Channel IDs
const (
	ChannelSignaling uint16 = 0x0001
	ChannelATT       uint16 = 0x0004
	ChannelLESignal  uint16 = 0x0005
	ChannelSMP       uint16 = 0x0006
)

const (
	DefaultMTU     = 23
	MinMTU         = 23
	MaxMTU         = 517
	L2CAPHeaderLen = 4
)

// Packet is an L2CAP basic frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// NewATTPacket wraps an ATT PDU for the ATT fixed channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// Encode serializes the frame
func (p *Packet) Encode() []byte {
	buf := make([]byte, L2CAPHeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)
	return buf
}

// Decode parses one frame from a complete buffer
func Decode(data []byte) (*Packet, error) {
	if len(data) < L2CAPHeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", L2CAPHeaderLen, len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < L2CAPHeaderLen+length {
		return nil, fmt.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-L2CAPHeaderLen)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   append([]byte{}, data[4:4+length]...),
	}, nil
}

// ReadFrom reads exactly one frame from a stream
func ReadFrom(r io.Reader) (*Packet, error) {
	var hdr [L2CAPHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint16(hdr[0:2]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Packet{ChannelID: binary.LittleEndian.Uint16(hdr[2:4]), Payload: payload}, nil
}
