package bletest

import (
	"sync"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/wire/gatt"
)

// Response is one SendResponse call
type Response struct {
	Peer   string
	ID     int
	Status int
	Offset int
	Value  []byte
}

// Notification is one Notify call
type Notification struct {
	Peer    string
	Service uuid.UUID
	Char    uuid.UUID
	Value   []byte
}

// FakeServerPlatform records what a ble.Server sends and lets the test play
// the peers. Notifications are acknowledged automatically unless HoldAcks is set.
type FakeServerPlatform struct {
	HoldAcks bool

	Responses     chan Response
	Notifications chan Notification

	mu       sync.Mutex
	cb       ble.ServerCallback
	services []gatt.Service
	bonded   map[string]bool
	closed   bool
}

var _ ble.ServerPlatform = (*FakeServerPlatform)(nil)

// NewFakeServerPlatform creates a platform where every listed peer is bonded
func NewFakeServerPlatform(bonded ...string) *FakeServerPlatform {
	p := &FakeServerPlatform{
		Responses:     make(chan Response, 64),
		Notifications: make(chan Notification, 64),
		bonded:        make(map[string]bool),
	}
	for _, b := range bonded {
		p.bonded[b] = true
	}
	return p
}

func (p *FakeServerPlatform) Open(cb ble.ServerCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
	return nil
}

func (p *FakeServerPlatform) AddService(svc gatt.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = append(p.services, svc)
	return nil
}

// Services returns the registered service definitions
func (p *FakeServerPlatform) Services() []gatt.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gatt.Service(nil), p.services...)
}

func (p *FakeServerPlatform) SendResponse(peer string, requestID int, status int, offset int, value []byte) error {
	p.Responses <- Response{Peer: peer, ID: requestID, Status: status, Offset: offset, Value: append([]byte{}, value...)}
	return nil
}

func (p *FakeServerPlatform) Notify(peer string, service, char uuid.UUID, value []byte) error {
	p.Notifications <- Notification{Peer: peer, Service: service, Char: char, Value: append([]byte{}, value...)}
	if !p.HoldAcks {
		go p.Ack(peer, ble.StatusSuccess)
	}
	return nil
}

// Ack acknowledges the in-flight notification
func (p *FakeServerPlatform) Ack(peer string, status int) {
	if cb := p.Callback(); cb != nil {
		cb.OnNotificationSent(peer, status)
	}
}

func (p *FakeServerPlatform) IsBonded(peer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bonded[peer]
}

func (p *FakeServerPlatform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Callback returns the server registered by Open
func (p *FakeServerPlatform) Callback() ble.ServerCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb
}

// Connect plays a peer connecting
func (p *FakeServerPlatform) Connect(peer string) {
	p.Callback().OnConnectionStateChange(peer, ble.StatusSuccess, ble.StateConnected)
}

// Disconnect plays a peer going away
func (p *FakeServerPlatform) Disconnect(peer string) {
	p.Callback().OnConnectionStateChange(peer, ble.StatusSuccess, ble.StateDisconnected)
}

// Subscribe plays a peer writing 0x0001 to char's CCCD
func (p *FakeServerPlatform) Subscribe(peer string, service, char uuid.UUID) {
	p.Callback().OnWriteRequest(&ble.Request{
		Peer:           peer,
		Service:        service,
		Characteristic: char,
		Descriptor:     ble.CCCD,
		Value:          gatt.EncodeCCCDValue(true, false),
	})
}

// Write plays a peer writing value to char without a response
func (p *FakeServerPlatform) Write(peer string, service, char uuid.UUID, value []byte) {
	p.Callback().OnWriteRequest(&ble.Request{
		Peer:           peer,
		Service:        service,
		Characteristic: char,
		Value:          value,
	})
}
