package ble

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/gatt"
)

// ConnectionState of a Link
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateServicesDiscovered
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesDiscovered:
		return "services_discovered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Characteristic is the opaque descriptor a platform hands out after discovery
type Characteristic struct {
	Service    uuid.UUID
	UUID       uuid.UUID
	Properties uint8
	Native     interface{} // platform reference (ATT handles, D-Bus object path)
}

func (c *Characteristic) key() charKey {
	return charKey{c.Service, c.UUID}
}

func (c *Characteristic) String() string {
	return c.UUID.String()
}

type charKey struct {
	service uuid.UUID
	char    uuid.UUID
}

// CCCD is the Client Characteristic Configuration descriptor (0x2902)
var CCCD = gatt.UUIDCCCD

// Status codes shared by platforms and servers
const (
	StatusSuccess             = 0x00
	StatusRequestNotSupported = 0x06
	StatusInvalidOffset       = 0x07
	StatusFailure             = 0x101
)

// ServerCharacteristic is a characteristic hosted by a Server. A nil handler
// rejects the matching access.
type ServerCharacteristic struct {
	UUID       uuid.UUID
	Properties uint8
	OnRead     func(peer string) ([]byte, error)
	OnWrite    func(peer string, value []byte)
}

// ServerService groups hosted characteristics
type ServerService struct {
	UUID            uuid.UUID
	Characteristics []*ServerCharacteristic
}

func (s *ServerService) definition() gatt.Service {
	def := gatt.Service{UUID: s.UUID}
	for _, c := range s.Characteristics {
		def.Characteristics = append(def.Characteristics, gatt.Characteristic{UUID: c.UUID, Properties: c.Properties})
	}
	return def
}

func shortAddr(addr string) string {
	if len(addr) > 8 {
		return addr[len(addr)-8:]
	}
	return addr
}
