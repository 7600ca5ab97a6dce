package gatt

import (
	"fmt"

	"github.com/google/uuid"
)

// BaseUUID is the Bluetooth base UUID 00000000-0000-1000-8000-00805F9B34FB
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// Well-known attribute types
var (
	UUIDPrimaryService = UUID16(0x2800)
	UUIDCharacteristic = UUID16(0x2803)
	UUIDCCCD           = UUID16(0x2902)
)

// UUID16 expands a 16-bit assigned number onto the base UUID
func UUID16(v uint16) uuid.UUID {
	u := BaseUUID
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// Short returns the 16-bit form of u when u sits on the base UUID
func Short(u uuid.UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	for i := 4; i < 16; i++ {
		if u[i] != BaseUUID[i] {
			return 0, false
		}
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// EncodeUUID returns the little-endian over-the-air form (2 or 16 bytes)
func EncodeUUID(u uuid.UUID) []byte {
	if v, ok := Short(u); ok {
		return []byte{byte(v), byte(v >> 8)}
	}
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

// DecodeUUID parses a little-endian 2 or 16 byte UUID
func DecodeUUID(b []byte) (uuid.UUID, error) {
	switch len(b) {
	case 2:
		return UUID16(uint16(b[0]) | uint16(b[1])<<8), nil
	case 16:
		var u uuid.UUID
		for i := 0; i < 16; i++ {
			u[i] = b[15-i]
		}
		return u, nil
	}
	return uuid.Nil, fmt.Errorf("gatt: invalid UUID length %d", len(b))
}
