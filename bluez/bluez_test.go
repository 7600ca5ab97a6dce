package bluez

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

const adapter = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePath(t *testing.T) {
	p := devicePath(adapter, "aa:bb:cc:dd:ee:ff")
	if p != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" {
		t.Errorf("Unexpected path %s", p)
	}
	if got := addressFromPath(adapter, p+"/service0010/char0011"); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected address from nested path, got %q", got)
	}
	if got := addressFromPath(adapter, "/org/bluez/hci1/dev_AA"); got != "" {
		t.Errorf("Expected no address for another adapter, got %q", got)
	}
}

func TestProperties(t *testing.T) {
	p := properties([]string{"read", "notify", "authenticated-signed-writes"})
	if p != gatt.PropRead|gatt.PropNotify {
		t.Errorf("Expected read|notify, got 0x%02X", p)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{dbus.Error{Name: "org.bluez.Error.NotAuthorized"}, att.ErrInsufficientAuthorization},
		{&dbus.Error{Name: "org.bluez.Error.NotSupported"}, att.ErrRequestNotSupported},
		{dbus.Error{Name: "org.bluez.Error.InvalidOffset"}, att.ErrInvalidOffset},
		{dbus.Error{Name: "org.bluez.Error.Failed"}, att.GattFailure},
		{errors.New("boom"), att.GattFailure},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = 0x%02X, want 0x%02X", tt.err, got, tt.want)
		}
	}
}

func TestCharacteristicsFromManagedObjects(t *testing.T) {
	device := devicePath(adapter, "AA:BB:CC:DD:EE:FF")
	svc := device + "/service0010"
	ns := svc + "/char0011"
	other := devicePath(adapter, "11:22:33:44:55:66") + "/service0001/char0002"

	objects := managedObjects{
		svc: {serviceIface: {
			"UUID": dbus.MakeVariant("7905f431-b5ce-4e99-a40f-4b1e122d00d0"),
		}},
		ns: {charIface: {
			"UUID":    dbus.MakeVariant("9fbf120d-6301-42d9-8c58-25e699a21dbd"),
			"Service": dbus.MakeVariant(svc),
			"Flags":   dbus.MakeVariant([]string{"notify"}),
		}},
		other: {charIface: {
			"UUID":    dbus.MakeVariant("00002a19-0000-1000-8000-00805f9b34fb"),
			"Service": dbus.MakeVariant(devicePath(adapter, "11:22:33:44:55:66") + "/service0001"),
		}},
	}

	chars := characteristics(device, objects)
	if len(chars) != 1 {
		t.Fatalf("Expected 1 characteristic, got %d", len(chars))
	}
	c := chars[0]
	if c.Service != uuid.MustParse("7905F431-B5CE-4E99-A40F-4B1E122D00D0") {
		t.Errorf("Unexpected service %s", c.Service)
	}
	if c.Properties != gatt.PropNotify {
		t.Errorf("Expected notify, got 0x%02X", c.Properties)
	}
	if c.Native != ns {
		t.Errorf("Expected native path %s, got %v", ns, c.Native)
	}
}

func TestDispatchRoutesByPath(t *testing.T) {
	b := &Bus{adapter: adapter, subs: make(map[int]*subscriber), signals: make(chan *dbus.Signal, 4)}
	go b.dispatch()
	defer close(b.signals)

	device := devicePath(adapter, "AA:BB:CC:DD:EE:FF")
	changes, unsubscribe := b.subscribe(device, true)
	defer unsubscribe()

	b.signals <- &dbus.Signal{
		Path: adapter + "/dev_11_22_33_44_55_66",
		Name: propsSignal,
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
	}
	b.signals <- &dbus.Signal{
		Path: device + "/service0010/char0011",
		Name: propsSignal,
		Body: []interface{}{charIface, map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{1, 2})}, []string{}},
	}

	select {
	case c := <-changes:
		if c.Interface != charIface {
			t.Errorf("Expected characteristic change, got %s", c.Interface)
		}
		if v, _ := c.Changed["Value"].Value().([]byte); len(v) != 2 {
			t.Errorf("Unexpected value %v", c.Changed["Value"])
		}
	case <-time.After(time.Second):
		t.Fatal("change never delivered")
	}
	select {
	case c := <-changes:
		t.Errorf("Unexpected change for %s", c.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventOf(t *testing.T) {
	device := devicePath(adapter, "AA:BB:CC:DD:EE:FF")

	e, ok := eventOf(adapter, device, propertyChange{
		Path: adapter, Interface: adapterIface,
		Changed: map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)},
	})
	if !ok || e.Kind != AdapterPowered || e.Value {
		t.Errorf("Expected powered off event, got %+v (%v)", e, ok)
	}

	e, ok = eventOf(adapter, device, propertyChange{
		Path: device, Interface: deviceIface,
		Changed: map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)},
	})
	if !ok || e.Kind != DevicePaired || !e.Value {
		t.Errorf("Expected paired event, got %+v (%v)", e, ok)
	}

	if _, ok := eventOf(adapter, device, propertyChange{
		Path: device, Interface: deviceIface,
		Changed: map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))},
	}); ok {
		t.Error("Expected RSSI change to be ignored")
	}
}
