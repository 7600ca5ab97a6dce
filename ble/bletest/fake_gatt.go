// Package bletest provides in-memory platforms for exercising ble and the
// protocols built on it.
package bletest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
)

// Op is one platform call made by a Link
type Op struct {
	Kind       string // connect, mtu, discover, read, write, descriptor, notify, disconnect
	Char       *ble.Characteristic
	Descriptor uuid.UUID
	Value      []byte
}

// FakeGatt is a scripted ble.Gatt. In automatic mode every operation is
// answered at once with success; with Manual set nothing is answered and the
// test drives the callback itself.
type FakeGatt struct {
	Addr       string
	DeviceName string
	Chars      []*ble.Characteristic
	Manual     bool

	// ConnectStatus is reported by automatic connects (0 = accept)
	ConnectStatus int
	// MaxMTU caps automatic MTU answers; 0 accepts what is asked
	MaxMTU int
	// Values are returned by automatic reads
	Values map[uuid.UUID][]byte
	// OnWrite runs after an automatic write is acknowledged
	OnWrite func(char uuid.UUID, value []byte)

	// Ops receives every platform call (dropped if nobody drains it)
	Ops chan Op

	mu     sync.Mutex
	cb     ble.GattCallback
	writes []Op
	notify map[uuid.UUID]bool
	closed bool
}

var _ ble.Gatt = (*FakeGatt)(nil)

// NewFakeGatt creates an automatic fake exposing chars
func NewFakeGatt(addr string, chars ...*ble.Characteristic) *FakeGatt {
	return &FakeGatt{
		Addr:       addr,
		DeviceName: "Fake " + addr,
		Chars:      chars,
		Values:     make(map[uuid.UUID][]byte),
		Ops:        make(chan Op, 64),
		notify:     make(map[uuid.UUID]bool),
	}
}

// Char builds a discovered characteristic descriptor
func Char(service, char uuid.UUID, props uint8) *ble.Characteristic {
	return &ble.Characteristic{Service: service, UUID: char, Properties: props}
}

func (g *FakeGatt) record(op Op) {
	if op.Kind == "write" || op.Kind == "descriptor" {
		g.mu.Lock()
		g.writes = append(g.writes, op)
		g.mu.Unlock()
	}
	select {
	case g.Ops <- op:
	default:
	}
}

// Callback returns the callback registered by Connect
func (g *FakeGatt) Callback() ble.GattCallback {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cb
}

// Writes returns every characteristic and descriptor write so far
func (g *FakeGatt) Writes() []Op {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Op(nil), g.writes...)
}

// WritesTo returns the values written to one characteristic
func (g *FakeGatt) WritesTo(char uuid.UUID) [][]byte {
	var out [][]byte
	for _, w := range g.Writes() {
		if w.Kind == "write" && w.Char.UUID == char {
			out = append(out, w.Value)
		}
	}
	return out
}

// NotificationsEnabled reports the local notification flag for char
func (g *FakeGatt) NotificationsEnabled(char uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notify[char]
}

// Closed reports whether Close was called
func (g *FakeGatt) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *FakeGatt) find(char uuid.UUID) *ble.Characteristic {
	for _, c := range g.Chars {
		if c.UUID == char {
			return c
		}
	}
	return nil
}

// Notify pushes a value notification for char to the link
func (g *FakeGatt) Notify(char uuid.UUID, value []byte) {
	ch := g.find(char)
	cb := g.Callback()
	if ch == nil || cb == nil {
		panic(fmt.Sprintf("bletest: cannot notify %s", char))
	}
	cb.OnCharacteristicChanged(ch, value)
}

// Drop simulates the link going away with status
func (g *FakeGatt) Drop(status int) {
	if cb := g.Callback(); cb != nil {
		cb.OnConnectionStateChange(status, ble.StateDisconnected)
	}
}

func (g *FakeGatt) Address() string { return g.Addr }
func (g *FakeGatt) Name() string    { return g.DeviceName }

func (g *FakeGatt) Connect(cb ble.GattCallback) error {
	g.mu.Lock()
	g.cb = cb
	g.mu.Unlock()
	g.record(Op{Kind: "connect"})
	if g.Manual {
		return nil
	}
	if g.ConnectStatus != ble.StatusSuccess {
		cb.OnConnectionStateChange(g.ConnectStatus, ble.StateDisconnected)
		return nil
	}
	cb.OnConnectionStateChange(ble.StatusSuccess, ble.StateConnected)
	return nil
}

func (g *FakeGatt) Disconnect() error {
	g.record(Op{Kind: "disconnect"})
	if !g.Manual {
		g.Drop(ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *FakeGatt) RequestMTU(mtu int) error {
	g.record(Op{Kind: "mtu", Value: []byte{byte(mtu >> 8), byte(mtu)}})
	if g.Manual {
		return nil
	}
	if g.MaxMTU > 0 && mtu > g.MaxMTU {
		mtu = g.MaxMTU
	}
	g.Callback().OnMTUChanged(mtu, ble.StatusSuccess)
	return nil
}

func (g *FakeGatt) DiscoverServices() error {
	g.record(Op{Kind: "discover"})
	if !g.Manual {
		g.Callback().OnServicesDiscovered(ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) Characteristics() []*ble.Characteristic {
	return g.Chars
}

func (g *FakeGatt) ReadCharacteristic(ch *ble.Characteristic) error {
	g.record(Op{Kind: "read", Char: ch})
	if g.Manual {
		return nil
	}
	g.mu.Lock()
	v := g.Values[ch.UUID]
	g.mu.Unlock()
	g.Callback().OnCharacteristicRead(ch, v, ble.StatusSuccess)
	return nil
}

func (g *FakeGatt) WriteCharacteristic(ch *ble.Characteristic, value []byte) error {
	value = append([]byte{}, value...)
	g.record(Op{Kind: "write", Char: ch, Value: value})
	if g.Manual {
		return nil
	}
	g.Callback().OnCharacteristicWrite(ch, ble.StatusSuccess)
	if g.OnWrite != nil {
		g.OnWrite(ch.UUID, value)
	}
	return nil
}

func (g *FakeGatt) WriteDescriptor(ch *ble.Characteristic, descriptor uuid.UUID, value []byte) error {
	g.record(Op{Kind: "descriptor", Char: ch, Descriptor: descriptor, Value: append([]byte{}, value...)})
	if !g.Manual {
		g.Callback().OnDescriptorWrite(ch, descriptor, ble.StatusSuccess)
	}
	return nil
}

func (g *FakeGatt) SetCharacteristicNotification(ch *ble.Characteristic, enable bool) error {
	g.mu.Lock()
	g.notify[ch.UUID] = enable
	g.mu.Unlock()
	return nil
}
