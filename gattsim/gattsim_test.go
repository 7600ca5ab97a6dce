package gattsim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/util"
	"github.com/user/ancsrelay/wire"
)

type renderer struct {
	posts chan *ancs.Notification

	mu        sync.Mutex
	dismissed []uint32
}

func (r *renderer) Post(n *ancs.Notification) error {
	r.posts <- n
	return nil
}

func (r *renderer) Dismiss(device string, uid uint32) error {
	r.mu.Lock()
	r.dismissed = append(r.dismissed, uid)
	r.mu.Unlock()
	return nil
}

type phone struct {
	server   *ble.Server
	source   *ancs.MemorySource
	provider *ancs.Provider
}

// startPhone hosts ANCS on a wire device named "phone"
func startPhone(t *testing.T, bonded ...string) *phone {
	t.Helper()
	t.Setenv(util.DataDirEnv, t.TempDir())

	platform := NewServer(wire.NewWire("phone", "Test Phone"), ancs.ServiceUUID)
	platform.Bond(bonded...)
	p := &phone{server: ble.NewServer(platform), source: ancs.NewMemorySource()}
	p.provider = ancs.NewProvider(p.server, p.source, ancs.StaticApps{"com.example.mail": "Mail"})
	if err := p.server.AddService(p.provider.Service()); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if err := p.server.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { p.server.Close() })
	return p
}

func connect(t *testing.T) *ble.Link {
	t.Helper()
	link := ble.NewLink(NewGatt(wire.NewWire("relay", "Relay"), "phone"))
	t.Cleanup(func() { link.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := link.RequestMTU(ctx, 512); err != nil {
		t.Fatalf("RequestMTU failed: %v", err)
	}
	if err := link.DiscoverServices(ctx); err != nil {
		t.Fatalf("DiscoverServices failed: %v", err)
	}
	return link
}

func TestGattNameFromAdvertisement(t *testing.T) {
	startPhone(t)
	link := connect(t)
	if link.Name() != "Test Phone" {
		t.Errorf("Expected name Test Phone, got %q", link.Name())
	}
	if !link.HasService(ancs.ServiceUUID) {
		t.Error("Expected ANCS to be discovered")
	}
}

func TestNotificationRelayedEndToEnd(t *testing.T) {
	p := startPhone(t)
	link := connect(t)

	r := &renderer{posts: make(chan *ancs.Notification, 4)}
	client, err := ancs.NewClient(link, r, ancs.NewAppNameCache(16))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go client.Run(ctx)

	if !p.server.Subscribed("relay", ancs.NotificationSourceUUID) || !p.server.Subscribed("relay", ancs.DataSourceUUID) {
		t.Fatal("Expected relay subscribed to both sources")
	}

	n := ancs.ExternalNotification{
		Key:     "mail-1",
		AppID:   "com.example.mail",
		Title:   "Alice",
		Message: "Lunch at noon?",
	}
	p.source.Put(n)
	if err := p.provider.Posted(n); err != nil {
		t.Fatalf("Posted failed: %v", err)
	}

	select {
	case got := <-r.posts:
		if got.Title != "Mail | Alice" {
			t.Errorf("Expected title %q, got %q", "Mail | Alice", got.Title)
		}
		if len(got.Lines) != 1 || got.Lines[0] != "Lunch at noon?" {
			t.Errorf("Unexpected lines %v", got.Lines)
		}
		if got.Device != "phone" {
			t.Errorf("Expected device phone, got %s", got.Device)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification never rendered")
	}

	uid, _ := p.provider.UID("mail-1")
	p.source.Delete("mail-1")
	if err := p.provider.Removed(n); err != nil {
		t.Fatalf("Removed failed: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		done := len(r.dismissed) == 1 && r.dismissed[0] == uid
		r.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("uid %d never dismissed", uid)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUnbondedCentralRejected(t *testing.T) {
	startPhone(t, "someone-else")
	link := connect(t)

	ns, err := link.Characteristic(ancs.ServiceUUID, ancs.NotificationSourceUUID)
	if err != nil {
		t.Fatalf("Characteristic failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.SetNotification(ctx, ns, true); err == nil {
		t.Error("Expected enabling notifications to fail while not bonded")
	}
}

func TestPeerCloseDisconnectsLink(t *testing.T) {
	p := startPhone(t)
	link := connect(t)

	p.server.Close()
	select {
	case <-link.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("link never noticed the phone going away")
	}
	if link.State() != ble.StateDisconnected {
		t.Errorf("Expected disconnected, got %s", link.State())
	}
}

func TestConnectToMissingPeerFails(t *testing.T) {
	t.Setenv(util.DataDirEnv, t.TempDir())
	link := ble.NewLink(NewGatt(wire.NewWire("relay", "Relay"), "nobody"))
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err == nil {
		t.Fatal("Expected connecting to a missing peer to fail")
	}
}
