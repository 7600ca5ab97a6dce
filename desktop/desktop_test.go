package desktop

import (
	"context"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/user/ancsrelay/ancs"
)

type fakeNotifier struct {
	mu     sync.Mutex
	nextID uint32
	calls  []notifyArgs
	closed []uint32
}

func (f *fakeNotifier) Notify(ctx context.Context, args notifyArgs) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if args.Replaces != 0 {
		return args.Replaces, nil
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeNotifier) CloseNotification(ctx context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

type performed struct {
	tokens []ancs.ActionToken
}

func (p *performed) Perform(token ancs.ActionToken) bool {
	p.tokens = append(p.tokens, token)
	return true
}

func phoneNotification(uid uint32) *ancs.Notification {
	n := &ancs.Notification{
		Device:  "AA:BB:CC:DD:EE:FF",
		UID:     uid,
		AppID:   "com.apple.MobileSMS",
		AppName: "Messages",
		Title:   "Messages | Bob",
		Lines:   []string{"On my way", "see you"},
	}
	n.Positive = &ancs.Action{Label: "Reply", Token: ancs.ActionToken{Device: n.Device, UID: uid, Action: ancs.ActionPositive}}
	n.Negative = &ancs.Action{Label: "Clear", Token: ancs.ActionToken{Device: n.Device, UID: uid, Action: ancs.ActionNegative}}
	del := n.Negative.Token
	n.DeleteToken = &del
	return n
}

func newTestRenderer(t *testing.T) (*Renderer, *fakeNotifier, *performed) {
	f := &fakeNotifier{}
	p := &performed{}
	r, err := newRenderer(f, p)
	if err != nil {
		t.Fatalf("newRenderer failed: %v", err)
	}
	return r, f, p
}

func TestRendererPostAndReplace(t *testing.T) {
	r, f, _ := newTestRenderer(t)

	if err := r.Post(phoneNotification(7)); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := r.Post(phoneNotification(7)); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("Expected 2 Notify calls, got %d", len(f.calls))
	}
	first := f.calls[0]
	if first.Summary != "Messages | Bob" || first.Body != "On my way\nsee you" {
		t.Errorf("Unexpected content %q / %q", first.Summary, first.Body)
	}
	if len(first.Actions) != 4 || first.Actions[0] != actionPositive || first.Actions[3] != "Clear" {
		t.Errorf("Unexpected actions %v", first.Actions)
	}
	if dev, _ := first.Hints[DeviceHint].Value().(string); dev != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected device hint, got %q", dev)
	}
	if f.calls[1].Replaces != 1 {
		t.Errorf("Expected second post to replace id 1, got %d", f.calls[1].Replaces)
	}
}

func TestRendererDismiss(t *testing.T) {
	r, f, _ := newTestRenderer(t)
	r.Post(phoneNotification(7))

	if err := r.Dismiss("AA:BB:CC:DD:EE:FF", 7); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if len(f.closed) != 1 || f.closed[0] != 1 {
		t.Errorf("Expected id 1 closed, got %v", f.closed)
	}
	if err := r.Dismiss("AA:BB:CC:DD:EE:FF", 7); err != nil || len(f.closed) != 1 {
		t.Errorf("Expected second dismiss to be a no-op, got %v / %v", err, f.closed)
	}
}

func TestRendererActionInvoked(t *testing.T) {
	r, _, p := newTestRenderer(t)
	r.Post(phoneNotification(7))

	r.handleSignal(&dbus.Signal{Name: notificationsIface + ".ActionInvoked", Body: []interface{}{uint32(1), actionPositive}})
	r.handleSignal(&dbus.Signal{Name: notificationsIface + ".ActionInvoked", Body: []interface{}{uint32(99), actionPositive}})

	if len(p.tokens) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(p.tokens))
	}
	if p.tokens[0].UID != 7 || p.tokens[0].Action != ancs.ActionPositive {
		t.Errorf("Unexpected token %+v", p.tokens[0])
	}
}

func TestRendererUserDismissClearsOnPhone(t *testing.T) {
	r, _, p := newTestRenderer(t)
	r.Post(phoneNotification(7))
	r.Post(phoneNotification(8))

	// expired: nothing is sent
	r.handleSignal(&dbus.Signal{Name: notificationsIface + ".NotificationClosed", Body: []interface{}{uint32(2), uint32(1)}})
	// dismissed by the user
	r.handleSignal(&dbus.Signal{Name: notificationsIface + ".NotificationClosed", Body: []interface{}{uint32(1), uint32(reasonDismissed)}})

	if len(p.tokens) != 1 {
		t.Fatalf("Expected 1 clear action, got %d", len(p.tokens))
	}
	if p.tokens[0].UID != 7 || p.tokens[0].Action != ancs.ActionNegative {
		t.Errorf("Unexpected token %+v", p.tokens[0])
	}
}

type recordingSink struct {
	posted  []ancs.ExternalNotification
	removed []ancs.ExternalNotification
}

func (s *recordingSink) Posted(n ancs.ExternalNotification) error {
	s.posted = append(s.posted, n)
	return nil
}

func (s *recordingSink) Removed(n ancs.ExternalNotification) error {
	s.removed = append(s.removed, n)
	return nil
}

func notifyCall(sender, app string, replaces uint32, hints map[string]dbus.Variant) *dbus.Message {
	return &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldInterface: dbus.MakeVariant(notificationsIface),
			dbus.FieldMember:    dbus.MakeVariant("Notify"),
			dbus.FieldSender:    dbus.MakeVariant(sender),
		},
		Body: []interface{}{app, replaces, "", "Build finished", "all green", []string{}, hints, int32(-1)},
	}
}

func notifyReply(dest string, id uint32) *dbus.Message {
	return &dbus.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(dest),
			dbus.FieldReplySerial: dbus.MakeVariant(uint32(0)),
		},
		Body: []interface{}{id},
	}
}

func TestMonitorForwardsDesktopNotifications(t *testing.T) {
	source := ancs.NewMemorySource()
	sink := &recordingSink{}
	m, err := NewMonitor(source, sink)
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	m.handle(notifyCall(":1.42", "CI", 0, map[string]dbus.Variant{}))
	if len(sink.posted) != 0 {
		t.Fatal("Expected nothing posted before the reply")
	}
	m.handle(notifyReply(":1.42", 17))

	if len(sink.posted) != 1 {
		t.Fatalf("Expected 1 posted, got %d", len(sink.posted))
	}
	n := sink.posted[0]
	if n.Key != "17" || n.AppID != "CI" || n.Title != "Build finished" || n.Message != "all green" || n.Source != "" {
		t.Errorf("Unexpected notification %+v", n)
	}
	if _, ok := source.Lookup("17"); !ok {
		t.Error("Expected notification stored in the source")
	}
	if name, err := m.AppName("CI"); err != nil || name != "CI" {
		t.Errorf("Expected app name CI, got %q (%v)", name, err)
	}

	m.handle(&dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldInterface: dbus.MakeVariant(notificationsIface),
			dbus.FieldMember:    dbus.MakeVariant("NotificationClosed"),
		},
		Body: []interface{}{uint32(17), uint32(2)},
	})
	if len(sink.removed) != 1 || sink.removed[0].Key != "17" {
		t.Errorf("Expected 17 removed, got %v", sink.removed)
	}
	if _, ok := source.Lookup("17"); ok {
		t.Error("Expected notification gone from the source")
	}
}

func TestMonitorTagsRelayedNotifications(t *testing.T) {
	sink := &recordingSink{}
	m, _ := NewMonitor(ancs.NewMemorySource(), sink)

	hints := map[string]dbus.Variant{
		DeviceHint:      dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"desktop-entry": dbus.MakeVariant("com.apple.MobileSMS"),
	}
	m.handle(notifyCall(":1.7", "Messages", 5, hints))
	m.handle(notifyReply(":1.7", 5))

	if len(sink.posted) != 1 {
		t.Fatalf("Expected 1 posted, got %d", len(sink.posted))
	}
	n := sink.posted[0]
	if n.Source != "AA:BB:CC:DD:EE:FF" || n.AppID != "com.apple.MobileSMS" || n.Key != "5" {
		t.Errorf("Unexpected notification %+v", n)
	}
	if name, _ := m.AppName("com.apple.MobileSMS"); name != "Messages" {
		t.Errorf("Expected app name Messages, got %q", name)
	}
	if _, err := m.AppName("org.example.none"); err == nil {
		t.Error("Expected unknown app error")
	}
}
