package ancs_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/ble/bletest"
)

const (
	watchA = "00:00:00:00:00:0A"
	watchB = "00:00:00:00:00:0B"
)

type providerFixture struct {
	provider *ancs.Provider
	platform *bletest.FakeServerPlatform
	source   *ancs.MemorySource
}

func newProviderFixture(t *testing.T, peers ...string) *providerFixture {
	t.Helper()
	platform := bletest.NewFakeServerPlatform(peers...)
	server := ble.NewServer(platform)
	source := ancs.NewMemorySource()
	provider := ancs.NewProvider(server, source, ancs.StaticApps{"com.example.mail": "Mail"})
	if err := server.AddService(provider.Service()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := server.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	for _, peer := range peers {
		platform.Connect(peer)
		platform.Subscribe(peer, ancs.ServiceUUID, ancs.NotificationSourceUUID)
		platform.Subscribe(peer, ancs.ServiceUUID, ancs.DataSourceUUID)
	}
	return &providerFixture{provider: provider, platform: platform, source: source}
}

func (f *providerFixture) next(t *testing.T) bletest.Notification {
	t.Helper()
	select {
	case n := <-f.platform.Notifications:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
	}
	return bletest.Notification{}
}

func (f *providerFixture) expectNone(t *testing.T) {
	t.Helper()
	select {
	case n := <-f.platform.Notifications:
		t.Fatalf("unexpected notification to %s: % x", n.Peer, n.Value)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *providerFixture) nextEvent(t *testing.T) (string, ancs.NotificationEvent) {
	t.Helper()
	n := f.next(t)
	if n.Char != ancs.NotificationSourceUUID {
		t.Fatalf("expected notification source, got %s", n.Char)
	}
	e, err := ancs.ParseNotificationEvent(n.Value)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return n.Peer, e
}

func (f *providerFixture) post(t *testing.T, n ancs.ExternalNotification) {
	t.Helper()
	f.source.Put(n)
	if err := f.provider.Posted(n); err != nil {
		t.Fatalf("Posted: %v", err)
	}
}

func TestProvider_AssignsUIDs(t *testing.T) {
	f := newProviderFixture(t, watchA)

	f.post(t, ancs.ExternalNotification{Key: "k1", AppID: "com.example.mail", Title: "hi"})
	_, e := f.nextEvent(t)
	if e.UID != 1 || e.EventID != ancs.EventAdded {
		t.Errorf("first post: %s", e)
	}

	f.post(t, ancs.ExternalNotification{Key: "k2", AppID: "com.example.mail", Title: "again"})
	_, e = f.nextEvent(t)
	if e.UID != 2 || e.EventID != ancs.EventAdded {
		t.Errorf("second post: %s", e)
	}

	f.post(t, ancs.ExternalNotification{Key: "k1", AppID: "com.example.mail", Title: "edited"})
	_, e = f.nextEvent(t)
	if e.UID != 1 || e.EventID != ancs.EventModified {
		t.Errorf("update: %s", e)
	}

	if err := f.provider.Removed(ancs.ExternalNotification{Key: "k1"}); err != nil {
		t.Fatalf("Removed: %v", err)
	}
	_, e = f.nextEvent(t)
	if e.UID != 1 || e.EventID != ancs.EventRemoved {
		t.Errorf("removal: %s", e)
	}
	if _, ok := f.provider.UID("k1"); ok {
		t.Error("k1 should be unmapped")
	}

	if err := f.provider.Removed(ancs.ExternalNotification{Key: "unknown"}); err != nil {
		t.Fatalf("Removed: %v", err)
	}
	f.expectNone(t)
}

func TestProvider_SkipsSourcePeer(t *testing.T) {
	f := newProviderFixture(t, watchA, watchB)

	f.post(t, ancs.ExternalNotification{Key: "relayed", AppID: "com.a", Title: "t", Source: watchA})
	peer, _ := f.nextEvent(t)
	if peer != watchB {
		t.Errorf("sent to %s, expected only %s", peer, watchB)
	}
	f.expectNone(t)
}

func TestProvider_AnswersAttributes(t *testing.T) {
	f := newProviderFixture(t, watchA)
	f.post(t, ancs.ExternalNotification{
		Key: "k", AppID: "com.example.mail", Title: "abcdé", Subtitle: "sub", Message: "body",
	})
	f.nextEvent(t)

	req := &ancs.NotificationAttributeRequest{
		UID: 1,
		Attributes: []ancs.AttributeRequest{
			{ID: ancs.AttrAppIdentifier},
			{ID: ancs.AttrTitle, MaxLen: 5},
			{ID: ancs.AttrMessage, MaxLen: 64},
			{ID: ancs.AttrNegativeActionLabel},
			{ID: ancs.AttrDate},
		},
	}
	f.platform.Write(watchA, ancs.ServiceUUID, ancs.ControlPointUUID, req.Marshal())

	n := f.next(t)
	if n.Char != ancs.DataSourceUUID || n.Peer != watchA {
		t.Fatalf("reply on %s to %s", n.Char, n.Peer)
	}
	resp, err := ancs.ParseNotificationAttributeResponse(n.Value)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[ancs.AttributeID]string{
		ancs.AttrAppIdentifier:       "com.example.mail",
		ancs.AttrTitle:               "abcd",
		ancs.AttrMessage:             "body",
		ancs.AttrNegativeActionLabel: "",
		ancs.AttrDate:                "",
	}
	if len(resp.Attributes) != len(want) {
		t.Fatalf("got %d attributes", len(resp.Attributes))
	}
	for id, v := range want {
		if got, ok := resp.Get(id); !ok || got != v {
			t.Errorf("attribute %d: got %q, want %q", id, got, v)
		}
	}
}

func TestProvider_IgnoresUnansweredRequests(t *testing.T) {
	f := newProviderFixture(t, watchA)
	f.post(t, ancs.ExternalNotification{Key: "k", AppID: "com.a", Title: "t"})
	f.nextEvent(t)

	unmapped := &ancs.NotificationAttributeRequest{UID: 42, Attributes: []ancs.AttributeRequest{{ID: ancs.AttrAppIdentifier}}}
	f.platform.Write(watchA, ancs.ServiceUUID, ancs.ControlPointUUID, unmapped.Marshal())
	f.expectNone(t)

	f.source.SetActive(false)
	mapped := &ancs.NotificationAttributeRequest{UID: 1, Attributes: []ancs.AttributeRequest{{ID: ancs.AttrAppIdentifier}}}
	f.platform.Write(watchA, ancs.ServiceUUID, ancs.ControlPointUUID, mapped.Marshal())
	f.expectNone(t)

	f.platform.Write(watchA, ancs.ServiceUUID, ancs.ControlPointUUID, []byte{0x7F, 1, 2})
	f.expectNone(t)
}

func TestProvider_AnswersAppNames(t *testing.T) {
	f := newProviderFixture(t, watchA)

	for _, tc := range []struct {
		appID string
		want  []byte
	}{
		{"com.example.mail", []byte{1, 'c', 'o', 'm', '.', 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'm', 'a', 'i', 'l', 0, 0, 4, 0, 'M', 'a', 'i', 'l'}},
		{"x", []byte{1, 'x', 0, 0, 0, 0}},
	} {
		req := &ancs.AppAttributeRequest{AppID: tc.appID, Attributes: []ancs.AttributeID{ancs.AppAttrDisplayName}}
		f.platform.Write(watchA, ancs.ServiceUUID, ancs.ControlPointUUID, req.Marshal())
		n := f.next(t)
		if n.Char != ancs.DataSourceUUID {
			t.Fatalf("reply on %s", n.Char)
		}
		if !bytes.Equal(n.Value, tc.want) {
			t.Errorf("%s: got % x, want % x", tc.appID, n.Value, tc.want)
		}
	}
}
