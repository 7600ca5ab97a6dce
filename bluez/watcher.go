package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/user/ancsrelay/logger"
)

// EventKind says which property an Event reports
type EventKind int

const (
	// AdapterPowered reports the adapter's Powered property
	AdapterPowered EventKind = iota
	// DevicePaired reports the watched device's Paired property
	DevicePaired
)

func (k EventKind) String() string {
	if k == AdapterPowered {
		return "powered"
	}
	return "paired"
}

// Event is a change of adapter power or device bond
type Event struct {
	Kind  EventKind
	Value bool
}

// Watcher follows the adapter and one device for the supervisor
type Watcher struct {
	bus *Bus
}

func NewWatcher(bus *Bus) *Watcher {
	return &Watcher{bus: bus}
}

// Watch reports Powered and Paired changes for addr until ctx ends. The
// channel is closed afterwards.
func (w *Watcher) Watch(ctx context.Context, addr string) <-chan Event {
	out := make(chan Event, 8)
	changes, unsubscribe := w.bus.subscribe(w.bus.adapter, true)
	device := devicePath(w.bus.adapter, addr)

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-changes:
				e, ok := eventOf(w.bus.adapter, device, change)
				if !ok {
					continue
				}
				logger.Info("bluez", "%s is now %v", e.Kind, e.Value)
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func eventOf(adapter, device dbus.ObjectPath, change propertyChange) (Event, bool) {
	switch {
	case change.Path == adapter && change.Interface == adapterIface:
		if v, ok := change.Changed["Powered"]; ok {
			powered, _ := v.Value().(bool)
			return Event{Kind: AdapterPowered, Value: powered}, true
		}
	case change.Path == device && change.Interface == deviceIface:
		if v, ok := change.Changed["Paired"]; ok {
			paired, _ := v.Value().(bool)
			return Event{Kind: DevicePaired, Value: paired}, true
		}
	}
	return Event{}, false
}
