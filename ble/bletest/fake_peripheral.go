package bletest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
)

// Write is one recorded characteristic write
type Write struct {
	Char  uuid.UUID
	Value []byte
}

// FakePeripheral is a connected, discovered ble.Peripheral with no platform
// underneath. Writes are recorded and Push injects notifications.
type FakePeripheral struct {
	Addr       string
	DeviceName string

	// Writes receives every characteristic write
	Writes chan Write
	// WriteErr, when set, fails every write
	WriteErr error
	// NotifyErr, when set, fails SetNotification for the given characteristic
	NotifyErr map[uuid.UUID]error
	// Values are returned by reads
	Values map[uuid.UUID][]byte

	mu        sync.Mutex
	chars     map[uuid.UUID]*ble.Characteristic
	streams   map[uuid.UUID]*ble.Multicast[[]byte]
	notifying map[uuid.UUID]bool
}

var _ ble.Peripheral = (*FakePeripheral)(nil)

// NewFakePeripheral exposes chars at addr
func NewFakePeripheral(addr string, chars ...*ble.Characteristic) *FakePeripheral {
	p := &FakePeripheral{
		Addr:       addr,
		DeviceName: "Fake " + addr,
		Writes:     make(chan Write, 64),
		NotifyErr:  make(map[uuid.UUID]error),
		Values:     make(map[uuid.UUID][]byte),
		chars:      make(map[uuid.UUID]*ble.Characteristic),
		streams:    make(map[uuid.UUID]*ble.Multicast[[]byte]),
		notifying:  make(map[uuid.UUID]bool),
	}
	for _, c := range chars {
		p.chars[c.UUID] = c
	}
	return p
}

func (p *FakePeripheral) Address() string { return p.Addr }
func (p *FakePeripheral) Name() string    { return p.DeviceName }

func (p *FakePeripheral) Characteristic(service, char uuid.UUID) (*ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[char]
	if !ok || c.Service != service {
		return nil, &ble.ServiceNotFoundError{Service: service, Characteristic: char}
	}
	return c, nil
}

func (p *FakePeripheral) stream(char uuid.UUID) *ble.Multicast[[]byte] {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.streams[char]
	if !ok {
		m = ble.NewMulticast[[]byte](char.String())
		p.streams[char] = m
	}
	return m
}

func (p *FakePeripheral) Subscribe(ch *ble.Characteristic, capacity int) *ble.Subscription[[]byte] {
	return p.stream(ch.UUID).Subscribe(capacity)
}

func (p *FakePeripheral) SetNotification(ctx context.Context, ch *ble.Characteristic, enabled bool) error {
	if err := p.NotifyErr[ch.UUID]; err != nil {
		return err
	}
	p.mu.Lock()
	p.notifying[ch.UUID] = enabled
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) ReadCharacteristic(ctx context.Context, ch *ble.Characteristic) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.Values[ch.UUID]...), nil
}

func (p *FakePeripheral) WriteCharacteristic(ctx context.Context, ch *ble.Characteristic, value []byte) error {
	if p.WriteErr != nil {
		return p.WriteErr
	}
	select {
	case p.Writes <- Write{Char: ch.UUID, Value: append([]byte{}, value...)}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Notifying reports whether SetNotification enabled char
func (p *FakePeripheral) Notifying(char uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[char]
}

// Push delivers value to every subscriber of char
func (p *FakePeripheral) Push(char uuid.UUID, value []byte) {
	p.stream(char).Publish(append([]byte{}, value...))
}

// Close ends every subscription stream
func (p *FakePeripheral) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.streams {
		m.Close()
	}
}
