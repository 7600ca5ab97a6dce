// Package bluez drives the host's Bluetooth controller through BlueZ on the
// system D-Bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/user/ancsrelay/logger"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	serviceIface = "org.bluez.GattService1"
	charIface    = "org.bluez.GattCharacteristic1"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsSignal  = "org.freedesktop.DBus.Properties.PropertiesChanged"
	managerCall  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	// DefaultAdapter is used when no adapter is configured
	DefaultAdapter = "hci0"

	signalBuffer = 64
)

// ErrNoBlueZ means org.bluez is not on the system bus
var ErrNoBlueZ = errors.New("bluez: org.bluez not found on system bus, is bluetooth.service running?")

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// propertyChange is one PropertiesChanged signal, decoded
type propertyChange struct {
	Path      dbus.ObjectPath
	Interface string
	Changed   map[string]dbus.Variant
}

type subscriber struct {
	path   dbus.ObjectPath
	prefix bool
	ch     chan propertyChange
}

// Bus is a system bus connection shared by every BlueZ object the relay uses
type Bus struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	signals chan *dbus.Signal
	rule    string
}

// Open connects to the system bus and checks BlueZ is running
func Open(adapter string) (*Bus, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, ErrNoBlueZ
	}

	b := &Bus{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		subs:    make(map[int]*subscriber),
		signals: make(chan *dbus.Signal, signalBuffer),
	}
	b.rule = "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='" + string(b.adapter) + "'"
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, b.rule).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("add match: %w", err)
	}
	conn.Signal(b.signals)
	go b.dispatch()
	logger.Debug("bluez", "using adapter %s", b.adapter)
	return b, nil
}

// Close drops the match rule and the connection
func (b *Bus) Close() error {
	b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, b.rule)
	b.conn.RemoveSignal(b.signals)
	return b.conn.Close()
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to <adapter>/dev_AA_BB_CC_DD_EE_FF
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// addressFromPath extracts the MAC address from a device object path
func addressFromPath(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "_", ":")
}

func decodeChange(sig *dbus.Signal) (propertyChange, bool) {
	if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
		return propertyChange{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return propertyChange{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return propertyChange{}, false
	}
	return propertyChange{Path: sig.Path, Interface: iface, Changed: changed}, true
}

func (b *Bus) dispatch() {
	for sig := range b.signals {
		change, ok := decodeChange(sig)
		if !ok {
			continue
		}
		b.mu.Lock()
		for _, s := range b.subs {
			if !s.matches(change.Path) {
				continue
			}
			select {
			case s.ch <- change:
			default:
				logger.Warn("bluez", "signal buffer full for %s, dropping %s change", s.path, change.Interface)
			}
		}
		b.mu.Unlock()
	}
}

func (s *subscriber) matches(path dbus.ObjectPath) bool {
	if s.prefix {
		return path == s.path || strings.HasPrefix(string(path), string(s.path)+"/")
	}
	return path == s.path
}

// subscribe delivers property changes on path (and below it when prefix is
// set) until the returned func is called
func (b *Bus) subscribe(path dbus.ObjectPath, prefix bool) (<-chan propertyChange, func()) {
	s := &subscriber{path: path, prefix: prefix, ch: make(chan propertyChange, signalBuffer)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) object(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, path)
}

func (b *Bus) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.object(path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Bus) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *Bus) managedObjects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	if err := b.object("/").CallWithContext(ctx, managerCall, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// Powered reports whether the adapter is on
func (b *Bus) Powered(ctx context.Context) (bool, error) {
	return b.getBool(ctx, b.adapter, adapterIface, "Powered")
}

// Paired reports whether addr is paired with the adapter
func (b *Bus) Paired(ctx context.Context, addr string) (bool, error) {
	return b.getBool(ctx, devicePath(b.adapter, addr), deviceIface, "Paired")
}

// Device is a known remote device
type Device struct {
	Address   string
	Name      string
	Paired    bool
	Connected bool
}

// Devices lists the devices BlueZ knows about
func (b *Bus) Devices(ctx context.Context) ([]Device, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || addressFromPath(b.adapter, path) == "" {
			continue
		}
		d := Device{Address: addressFromPath(b.adapter, path)}
		if v, ok := props["Alias"]; ok {
			d.Name, _ = v.Value().(string)
		}
		if v, ok := props["Paired"]; ok {
			d.Paired, _ = v.Value().(bool)
		}
		if v, ok := props["Connected"]; ok {
			d.Connected, _ = v.Value().(bool)
		}
		out = append(out, d)
	}
	return out, nil
}

// waitFor polls a boolean property until it is true or ctx ends
func (b *Bus) waitFor(ctx context.Context, path dbus.ObjectPath, iface, prop string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if v, err := b.getBool(ctx, path, iface, prop); err == nil && v {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", prop, ctx.Err())
		case <-ticker.C:
		}
	}
}
