// Package gattsim adapts the socket ATT bearer to the callback-driven
// platform interfaces of package ble, the way a phone's Bluetooth stack
// sits between an app and the radio.
package gattsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// HCI disconnect reasons reported on OnConnectionStateChange
const (
	StatusConnectionTimeout    = 0x08
	StatusRemoteUserTerminated = 0x13
	StatusFailedToEstablish    = 0x3E
)

const (
	opQueueSize           = 32
	defaultConnectTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("gattsim: not connected")
	ErrBusy         = errors.New("gattsim: operation queue full")
)

// Gatt is a central connection to one device on the wire. Operations are
// queued and run one at a time, each reporting on the GattCallback.
type Gatt struct {
	wire *wire.Wire
	peer string
	name string
	tag  string

	// ConnectTimeout bounds dialing the peer's socket
	ConnectTimeout time.Duration

	mu        sync.Mutex
	cb        ble.GattCallback
	conn      *wire.Conn
	cache     *gatt.DiscoveryCache
	chars     []*ble.Characteristic
	notifying map[uint16]bool
	ops       chan func(ctx context.Context)
	cancel    context.CancelFunc
	requested bool
}

var _ ble.Gatt = (*Gatt)(nil)

// NewGatt creates a handle for peer. The name comes from its advertisement
// when one is published.
func NewGatt(w *wire.Wire, peer string) *Gatt {
	name := peer
	if adv, err := w.Lookup(peer); err == nil && adv.Name() != "" {
		name = adv.Name()
	}
	return &Gatt{
		wire:           w,
		peer:           peer,
		name:           name,
		tag:            "gattsim " + peer,
		ConnectTimeout: defaultConnectTimeout,
	}
}

func (g *Gatt) Address() string { return g.peer }
func (g *Gatt) Name() string    { return g.name }

// Connect dials in the background and reports the outcome on cb
func (g *Gatt) Connect(cb ble.GattCallback) error {
	g.mu.Lock()
	if g.conn != nil || g.cancel != nil {
		g.mu.Unlock()
		return fmt.Errorf("gattsim: %s already connecting", g.peer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ops := make(chan func(ctx context.Context), opQueueSize)
	g.cb = cb
	g.cancel = cancel
	g.requested = false
	g.notifying = make(map[uint16]bool)
	g.ops = ops
	g.mu.Unlock()

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, g.ConnectTimeout)
		conn, err := g.wire.Connect(dialCtx, g.peer)
		cancel()
		if err != nil {
			logger.Warn(g.tag, "connect failed: %v", err)
			status := StatusFailedToEstablish
			if errors.Is(err, context.DeadlineExceeded) {
				status = StatusConnectionTimeout
			}
			g.reset()
			cb.OnConnectionStateChange(status, ble.StateDisconnected)
			return
		}

		g.mu.Lock()
		if ctx.Err() != nil {
			g.mu.Unlock()
			conn.Close()
			return
		}
		g.conn = conn
		g.mu.Unlock()

		conn.SetNotificationHandler(g.notification)
		go g.runOps(ctx, ops)
		cb.OnConnectionStateChange(ble.StatusSuccess, ble.StateConnected)
		go g.watch(conn)
	}()
	return nil
}

// watch reports the end of the connection
func (g *Gatt) watch(conn *wire.Conn) {
	<-conn.Done()
	g.mu.Lock()
	cb, requested := g.cb, g.requested
	if g.conn == conn {
		g.resetLocked()
	}
	g.mu.Unlock()

	status := StatusRemoteUserTerminated
	if requested {
		status = ble.StatusSuccess
	}
	logger.Info(g.tag, "disconnected")
	cb.OnConnectionStateChange(status, ble.StateDisconnected)
}

func (g *Gatt) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

func (g *Gatt) resetLocked() {
	if g.cancel != nil {
		g.cancel()
	}
	g.cancel = nil
	g.conn = nil
	g.cache = nil
	g.chars = nil
}

func (g *Gatt) runOps(ctx context.Context, ops chan func(ctx context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ops:
			op(ctx)
		}
	}
}

// enqueue schedules op on the connection's operation queue
func (g *Gatt) enqueue(op func(ctx context.Context, conn *wire.Conn)) error {
	g.mu.Lock()
	conn, ops := g.conn, g.ops
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case ops <- func(ctx context.Context) { op(ctx, conn) }:
		return nil
	default:
		return ErrBusy
	}
}

// Disconnect closes the connection; the callback reports success status
func (g *Gatt) Disconnect() error {
	g.mu.Lock()
	conn := g.conn
	g.requested = true
	if conn == nil && g.cancel != nil {
		// still dialing
		g.resetLocked()
	}
	g.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close releases the handle
func (g *Gatt) Close() error {
	return g.Disconnect()
}

func (g *Gatt) callback() ble.GattCallback {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cb
}

func (g *Gatt) RequestMTU(mtu int) error {
	return g.enqueue(func(ctx context.Context, conn *wire.Conn) {
		got, err := conn.ExchangeMTU(ctx, mtu)
		g.callback().OnMTUChanged(got, att.StatusOf(err))
	})
}

func (g *Gatt) DiscoverServices() error {
	return g.enqueue(func(ctx context.Context, conn *wire.Conn) {
		cache, err := conn.Discover(ctx)
		if err != nil {
			logger.Warn(g.tag, "discovery failed: %v", err)
			g.callback().OnServicesDiscovered(att.StatusOf(err))
			return
		}
		chars := make([]*ble.Characteristic, 0, len(cache.Characteristics))
		for _, dc := range cache.Characteristics {
			chars = append(chars, &ble.Characteristic{
				Service:    dc.Service,
				UUID:       dc.UUID,
				Properties: dc.Properties,
				Native:     dc,
			})
		}
		g.mu.Lock()
		g.cache, g.chars = cache, chars
		g.mu.Unlock()
		g.callback().OnServicesDiscovered(ble.StatusSuccess)
	})
}

func (g *Gatt) Characteristics() []*ble.Characteristic {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*ble.Characteristic(nil), g.chars...)
}

func native(ch *ble.Characteristic) (*gatt.DiscoveredCharacteristic, error) {
	dc, ok := ch.Native.(*gatt.DiscoveredCharacteristic)
	if !ok {
		return nil, fmt.Errorf("gattsim: %s was not discovered on the wire", ch)
	}
	return dc, nil
}

func (g *Gatt) ReadCharacteristic(ch *ble.Characteristic) error {
	dc, err := native(ch)
	if err != nil {
		return err
	}
	return g.enqueue(func(ctx context.Context, conn *wire.Conn) {
		value, err := conn.Read(ctx, dc.ValueHandle)
		g.callback().OnCharacteristicRead(ch, value, att.StatusOf(err))
	})
}

func (g *Gatt) WriteCharacteristic(ch *ble.Characteristic, value []byte) error {
	dc, err := native(ch)
	if err != nil {
		return err
	}
	value = append([]byte{}, value...)
	return g.enqueue(func(ctx context.Context, conn *wire.Conn) {
		err := conn.Write(ctx, dc.ValueHandle, value)
		if err != nil {
			logger.Debug(g.tag, "write %s: %v", ch, err)
		}
		g.callback().OnCharacteristicWrite(ch, att.StatusOf(err))
	})
}

func (g *Gatt) WriteDescriptor(ch *ble.Characteristic, descriptor uuid.UUID, value []byte) error {
	dc, err := native(ch)
	if err != nil {
		return err
	}
	if descriptor != gatt.UUIDCCCD || dc.CCCDHandle == 0 {
		return fmt.Errorf("gattsim: %s has no descriptor %s", ch, descriptor)
	}
	value = append([]byte{}, value...)
	return g.enqueue(func(ctx context.Context, conn *wire.Conn) {
		err := conn.Write(ctx, dc.CCCDHandle, value)
		g.callback().OnDescriptorWrite(ch, descriptor, att.StatusOf(err))
	})
}

// SetCharacteristicNotification only changes local delivery; the peer is
// configured by writing the CCCD
func (g *Gatt) SetCharacteristicNotification(ch *ble.Characteristic, enable bool) error {
	dc, err := native(ch)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return ErrNotConnected
	}
	if enable {
		g.notifying[dc.ValueHandle] = true
	} else {
		delete(g.notifying, dc.ValueHandle)
	}
	return nil
}

func (g *Gatt) notification(handle uint16, value []byte) {
	g.mu.Lock()
	cb, enabled := g.cb, g.notifying[handle]
	var ch *ble.Characteristic
	for _, c := range g.chars {
		if dc := c.Native.(*gatt.DiscoveredCharacteristic); dc.ValueHandle == handle {
			ch = c
			break
		}
	}
	g.mu.Unlock()

	if ch == nil || !enabled {
		logger.Debug(g.tag, "notification on 0x%04X dropped", handle)
		return
	}
	cb.OnCharacteristicChanged(ch, value)
}
