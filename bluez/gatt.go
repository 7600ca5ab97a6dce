package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// HCI reasons reported on OnConnectionStateChange
const (
	StatusRemoteUserTerminated = 0x13
	StatusFailedToEstablish    = 0x3E
)

const (
	opQueueSize    = 32
	opTimeout      = 30 * time.Second
	resolveTimeout = 10 * time.Second
	defaultMTU     = 23
)

var (
	ErrNotConnected = errors.New("bluez: not connected")
	ErrBusy         = errors.New("bluez: operation queue full")
)

var flagBits = map[string]uint8{
	"broadcast":              0x01,
	"read":                   gatt.PropRead,
	"write-without-response": gatt.PropWriteWithoutResponse,
	"write":                  gatt.PropWrite,
	"notify":                 gatt.PropNotify,
	"indicate":               gatt.PropIndicate,
}

// properties converts GattCharacteristic1.Flags to a property bitmask
func properties(flags []string) uint8 {
	var p uint8
	for _, f := range flags {
		p |= flagBits[f]
	}
	return p
}

// statusOf maps a BlueZ D-Bus error to a GATT status
func statusOf(err error) int {
	if err == nil {
		return ble.StatusSuccess
	}
	var name string
	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	default:
		return att.GattFailure
	}
	switch strings.TrimPrefix(name, "org.bluez.Error.") {
	case "NotPermitted":
		return att.ErrWriteNotPermitted
	case "NotAuthorized":
		return att.ErrInsufficientAuthorization
	case "NotSupported":
		return att.ErrRequestNotSupported
	case "InvalidOffset":
		return att.ErrInvalidOffset
	case "InvalidValueLength":
		return att.ErrInvalidAttributeValueLength
	}
	return att.GattFailure
}

// Gatt is a central connection to one device through BlueZ. Operations
// are queued and run one at a time.
type Gatt struct {
	bus  *Bus
	addr string
	path dbus.ObjectPath
	tag  string

	mu        sync.Mutex
	name      string
	cb        ble.GattCallback
	chars     []*ble.Characteristic
	notifying map[dbus.ObjectPath]bool
	ops       chan func(ctx context.Context)
	cancel    context.CancelFunc
	connected bool
	requested bool
}

var _ ble.Gatt = (*Gatt)(nil)

// NewGatt creates a handle for the device at addr
func NewGatt(bus *Bus, addr string) *Gatt {
	g := &Gatt{
		bus:  bus,
		addr: strings.ToUpper(addr),
		path: devicePath(bus.adapter, addr),
		tag:  "bluez " + addr,
		name: addr,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if v, err := bus.getProp(ctx, g.path, deviceIface, "Alias"); err == nil {
		if alias, ok := v.Value().(string); ok && alias != "" {
			g.name = alias
		}
	}
	return g
}

func (g *Gatt) Address() string { return g.addr }

func (g *Gatt) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

func (g *Gatt) Connect(cb ble.GattCallback) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return fmt.Errorf("bluez: %s already connecting", g.addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ops := make(chan func(ctx context.Context), opQueueSize)
	g.cb = cb
	g.cancel = cancel
	g.requested = false
	g.notifying = make(map[dbus.ObjectPath]bool)
	g.ops = ops
	g.mu.Unlock()

	changes, unsubscribe := g.bus.subscribe(g.path, true)
	go func() {
		err := g.bus.object(g.path).CallWithContext(ctx, deviceIface+".Connect", 0).Err
		if err != nil {
			unsubscribe()
			logger.Warn(g.tag, "connect failed: %v", err)
			g.reset()
			cb.OnConnectionStateChange(StatusFailedToEstablish, ble.StateDisconnected)
			return
		}

		g.mu.Lock()
		if ctx.Err() != nil {
			g.mu.Unlock()
			unsubscribe()
			return
		}
		g.connected = true
		g.mu.Unlock()

		go g.runOps(ctx, ops)
		cb.OnConnectionStateChange(ble.StatusSuccess, ble.StateConnected)
		g.watch(ctx, changes, unsubscribe)
	}()
	return nil
}

// watch turns Connected and Value property changes into callbacks
func (g *Gatt) watch(ctx context.Context, changes <-chan propertyChange, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			g.disconnected()
			return
		case change := <-changes:
			switch change.Interface {
			case deviceIface:
				if v, ok := change.Changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						g.disconnected()
						return
					}
				}
				if v, ok := change.Changed["Alias"]; ok {
					if alias, _ := v.Value().(string); alias != "" {
						g.mu.Lock()
						g.name = alias
						g.mu.Unlock()
					}
				}
			case charIface:
				if v, ok := change.Changed["Value"]; ok {
					if value, ok := v.Value().([]byte); ok {
						g.notification(change.Path, value)
					}
				}
			}
		}
	}
}

func (g *Gatt) disconnected() {
	g.mu.Lock()
	cb, requested, was := g.cb, g.requested, g.connected
	g.resetLocked()
	g.mu.Unlock()
	if !was {
		return
	}
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
	g.connected = false
	g.chars = nil
}

func (g *Gatt) runOps(ctx context.Context, ops chan func(ctx context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ops:
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			op(opCtx)
			cancel()
		}
	}
}

func (g *Gatt) enqueue(op func(ctx context.Context)) error {
	g.mu.Lock()
	connected, ops := g.connected, g.ops
	g.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	select {
	case ops <- op:
		return nil
	default:
		return ErrBusy
	}
}

func (g *Gatt) Disconnect() error {
	g.mu.Lock()
	g.requested = true
	connected := g.connected
	if !connected {
		g.resetLocked()
	}
	g.mu.Unlock()
	if !connected {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.bus.object(g.path).CallWithContext(ctx, deviceIface+".Disconnect", 0).Err
	if err != nil {
		// the link is gone from our side either way
		g.disconnected()
	}
	return err
}

func (g *Gatt) Close() error {
	return g.Disconnect()
}

func (g *Gatt) callback() ble.GattCallback {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cb
}

// RequestMTU reports the MTU BlueZ negotiated on its own. BlueZ exchanges
// the MTU when connecting and exposes it on each characteristic.
func (g *Gatt) RequestMTU(mtu int) error {
	return g.enqueue(func(ctx context.Context) {
		got := defaultMTU
		if objects, err := g.bus.managedObjects(ctx); err == nil {
			for path, ifaces := range objects {
				props, ok := ifaces[charIface]
				if !ok || !strings.HasPrefix(string(path), string(g.path)+"/") {
					continue
				}
				if v, ok := props["MTU"]; ok {
					if m, ok := v.Value().(uint16); ok && int(m) > got {
						got = int(m)
					}
				}
			}
		}
		if got > mtu {
			got = mtu
		}
		g.callback().OnMTUChanged(got, ble.StatusSuccess)
	})
}

func (g *Gatt) DiscoverServices() error {
	return g.enqueue(func(ctx context.Context) {
		resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
		err := g.bus.waitFor(resolveCtx, g.path, deviceIface, "ServicesResolved")
		cancel()
		if err != nil {
			logger.Warn(g.tag, "services not resolved: %v", err)
			g.callback().OnServicesDiscovered(att.GattFailure)
			return
		}
		objects, err := g.bus.managedObjects(ctx)
		if err != nil {
			logger.Warn(g.tag, "discovery failed: %v", err)
			g.callback().OnServicesDiscovered(att.GattFailure)
			return
		}
		chars := characteristics(g.path, objects)
		g.mu.Lock()
		g.chars = chars
		g.mu.Unlock()
		logger.Debug(g.tag, "discovered %d characteristics", len(chars))
		g.callback().OnServicesDiscovered(ble.StatusSuccess)
	})
}

// characteristics collects the GATT characteristics BlueZ exported under device
func characteristics(device dbus.ObjectPath, objects managedObjects) []*ble.Characteristic {
	services := make(map[dbus.ObjectPath]uuid.UUID)
	for path, ifaces := range objects {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), string(device)+"/") {
			continue
		}
		if s, ok := props["UUID"].Value().(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				services[path] = id
			}
		}
	}

	var chars []*ble.Characteristic
	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := services[svcPath]
		if !ok {
			continue
		}
		s, _ := props["UUID"].Value().(string)
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		flags, _ := props["Flags"].Value().([]string)
		chars = append(chars, &ble.Characteristic{
			Service:    svc,
			UUID:       id,
			Properties: properties(flags),
			Native:     path,
		})
	}
	return chars
}

func (g *Gatt) Characteristics() []*ble.Characteristic {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*ble.Characteristic(nil), g.chars...)
}

func native(ch *ble.Characteristic) (dbus.ObjectPath, error) {
	path, ok := ch.Native.(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("bluez: %s was not discovered through BlueZ", ch)
	}
	return path, nil
}

func (g *Gatt) ReadCharacteristic(ch *ble.Characteristic) error {
	path, err := native(ch)
	if err != nil {
		return err
	}
	return g.enqueue(func(ctx context.Context) {
		var value []byte
		err := g.bus.object(path).CallWithContext(ctx, charIface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
		g.callback().OnCharacteristicRead(ch, value, statusOf(err))
	})
}

func (g *Gatt) WriteCharacteristic(ch *ble.Characteristic, value []byte) error {
	path, err := native(ch)
	if err != nil {
		return err
	}
	value = append([]byte{}, value...)
	return g.enqueue(func(ctx context.Context) {
		options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		err := g.bus.object(path).CallWithContext(ctx, charIface+".WriteValue", 0, value, options).Err
		if err != nil {
			logger.Debug(g.tag, "write %s: %v", ch, err)
		}
		g.callback().OnCharacteristicWrite(ch, statusOf(err))
	})
}

// WriteDescriptor supports only the CCCD, which BlueZ manages through
// StartNotify and StopNotify
func (g *Gatt) WriteDescriptor(ch *ble.Characteristic, descriptor uuid.UUID, value []byte) error {
	path, err := native(ch)
	if err != nil {
		return err
	}
	if descriptor != gatt.UUIDCCCD || len(value) == 0 {
		return fmt.Errorf("bluez: cannot write descriptor %s of %s", descriptor, ch)
	}
	method := charIface + ".StopNotify"
	if value[0]&0x03 != 0 {
		method = charIface + ".StartNotify"
	}
	return g.enqueue(func(ctx context.Context) {
		err := g.bus.object(path).CallWithContext(ctx, method, 0).Err
		g.callback().OnDescriptorWrite(ch, descriptor, statusOf(err))
	})
}

func (g *Gatt) SetCharacteristicNotification(ch *ble.Characteristic, enable bool) error {
	path, err := native(ch)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if enable {
		g.notifying[path] = true
	} else {
		delete(g.notifying, path)
	}
	return nil
}

func (g *Gatt) notification(path dbus.ObjectPath, value []byte) {
	g.mu.Lock()
	cb, enabled := g.cb, g.notifying[path]
	var ch *ble.Characteristic
	for _, c := range g.chars {
		if c.Native == path {
			ch = c
			break
		}
	}
	g.mu.Unlock()

	if ch == nil || !enabled {
		return
	}
	cb.OnCharacteristicChanged(ch, value)
}
