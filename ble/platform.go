package ble

import (
	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/gatt"
)

// Gatt is the callback-driven central API of a platform stack. Methods return
// an error when the stack refuses to start the operation; otherwise the
// result arrives later on the GattCallback.
type Gatt interface {
	Address() string
	Name() string
	Connect(cb GattCallback) error
	Disconnect() error
	Close() error
	RequestMTU(mtu int) error
	DiscoverServices() error
	Characteristics() []*Characteristic
	ReadCharacteristic(ch *Characteristic) error
	WriteCharacteristic(ch *Characteristic, value []byte) error
	WriteDescriptor(ch *Characteristic, descriptor uuid.UUID, value []byte) error
	SetCharacteristicNotification(ch *Characteristic, enable bool) error
}

// GattCallback receives central-side results. Callbacks may run on any
// goroutine and must not block.
type GattCallback interface {
	OnConnectionStateChange(status int, state ConnectionState)
	OnServicesDiscovered(status int)
	OnMTUChanged(mtu int, status int)
	OnCharacteristicRead(ch *Characteristic, value []byte, status int)
	OnCharacteristicWrite(ch *Characteristic, status int)
	OnDescriptorWrite(ch *Characteristic, descriptor uuid.UUID, status int)
	OnCharacteristicChanged(ch *Characteristic, value []byte)
}

// Request is one inbound read or write from a connected peer
type Request struct {
	Peer           string
	ID             int
	Service        uuid.UUID
	Characteristic uuid.UUID
	Descriptor     uuid.UUID // uuid.Nil for characteristic value access
	Offset         int
	Prepared       bool
	ResponseNeeded bool
	Value          []byte
}

// ServerPlatform is the callback-driven peripheral API of a platform stack
type ServerPlatform interface {
	Open(cb ServerCallback) error
	AddService(svc gatt.Service) error
	SendResponse(peer string, requestID int, status int, offset int, value []byte) error
	Notify(peer string, service, char uuid.UUID, value []byte) error
	IsBonded(peer string) bool
	Close() error
}

// ServerCallback receives peripheral-side events
type ServerCallback interface {
	OnConnectionStateChange(peer string, status int, state ConnectionState)
	OnReadRequest(req *Request)
	OnWriteRequest(req *Request)
	OnExecuteWrite(peer string, requestID int, execute bool)
	OnNotificationSent(peer string, status int)
}
