package ams_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/user/ancsrelay/ams"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/ble/bletest"
)

const accessory = "00:00:00:00:00:0C"

var queue = []ams.Track{
	{Artist: "Artist A", Album: "Album A", Title: "First", Duration: 180},
	{Artist: "Artist B", Album: "Album B", Title: "Second", Duration: 240.5},
}

func startPlayer(t *testing.T, tracks []ams.Track) (*ams.Player, *bletest.FakeServerPlatform) {
	t.Helper()
	platform := bletest.NewFakeServerPlatform(accessory)
	server := ble.NewServer(platform)
	player := ams.NewPlayer(server, "Music", tracks)
	if err := server.AddService(player.Service()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := server.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	platform.Connect(accessory)
	platform.Subscribe(accessory, ams.ServiceUUID, ams.RemoteCommandUUID)
	platform.Subscribe(accessory, ams.ServiceUUID, ams.EntityUpdateUUID)
	return player, platform
}

func nextNotification(t *testing.T, platform *bletest.FakeServerPlatform) bletest.Notification {
	t.Helper()
	select {
	case n := <-platform.Notifications:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
	}
	return bletest.Notification{}
}

func nextUpdate(t *testing.T, platform *bletest.FakeServerPlatform) ams.EntityUpdate {
	t.Helper()
	n := nextNotification(t, platform)
	if n.Char != ams.EntityUpdateUUID {
		t.Fatalf("Expected entity update, got notification on %s", n.Char)
	}
	u, err := ams.ParseEntityUpdate(n.Value)
	if err != nil {
		t.Fatalf("ParseEntityUpdate: %v", err)
	}
	return u
}

func TestPlayer_SubscriptionAnswersWithState(t *testing.T) {
	_, platform := startPlayer(t, queue)

	platform.Write(accessory, ams.ServiceUUID, ams.EntityUpdateUUID,
		ams.EntitySubscription(ams.EntityPlayer, ams.PlayerAttrName, ams.PlayerAttrPlaybackInfo))

	cmds := nextNotification(t, platform)
	if cmds.Char != ams.RemoteCommandUUID || !bytes.Equal(cmds.Value, []byte{0, 1, 2, 3, 4}) {
		t.Errorf("Expected all commands allowed, got %x on %s", cmds.Value, cmds.Char)
	}
	if u := nextUpdate(t, platform); u.AttributeID != ams.PlayerAttrName || u.Value != "Music" {
		t.Errorf("Unexpected name update %s", u)
	}
	u := nextUpdate(t, platform)
	info, err := ams.ParsePlaybackInfo(u.Value)
	if err != nil {
		t.Fatalf("ParsePlaybackInfo: %v", err)
	}
	if info.State != ams.StatePaused || info.Elapsed == nil || *info.Elapsed != 0 {
		t.Errorf("Expected paused at 0, got %q", u.Value)
	}
}

func TestPlayer_CommandsNotifySubscribers(t *testing.T) {
	_, platform := startPlayer(t, queue)

	platform.Write(accessory, ams.ServiceUUID, ams.EntityUpdateUUID,
		ams.EntitySubscription(ams.EntityTrack, ams.TrackAttrTitle))
	nextNotification(t, platform) // allowed commands
	if u := nextUpdate(t, platform); u.Value != "First" {
		t.Fatalf("Expected first track, got %s", u)
	}

	platform.Write(accessory, ams.ServiceUUID, ams.RemoteCommandUUID, []byte{uint8(ams.CommandNextTrack)})
	if u := nextUpdate(t, platform); u.EntityID != ams.EntityTrack || u.Value != "Second" {
		t.Errorf("Expected second track, got %s", u)
	}

	// playback info was not subscribed
	platform.Write(accessory, ams.ServiceUUID, ams.RemoteCommandUUID, []byte{uint8(ams.CommandPlay)})
	select {
	case n := <-platform.Notifications:
		t.Errorf("Unexpected notification %x", n.Value)
	case <-time.After(50 * time.Millisecond):
	}

	platform.Write(accessory, ams.ServiceUUID, ams.RemoteCommandUUID, []byte{uint8(ams.CommandPreviousTrack)})
	if u := nextUpdate(t, platform); u.Value != "First" {
		t.Errorf("Expected to wrap back to the first track, got %s", u)
	}
}

func TestPlayer_TogglePlay(t *testing.T) {
	player, platform := startPlayer(t, queue)
	platform.Write(accessory, ams.ServiceUUID, ams.EntityUpdateUUID,
		ams.EntitySubscription(ams.EntityPlayer, ams.PlayerAttrPlaybackInfo))
	nextNotification(t, platform)
	nextUpdate(t, platform)

	if err := player.Apply(ams.CommandTogglePlay); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if u := nextUpdate(t, platform); !strings.HasPrefix(u.Value, "1,1.0,") {
		t.Errorf("Expected playing, got %q", u.Value)
	}
	if err := player.Apply(ams.CommandTogglePlay); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if u := nextUpdate(t, platform); !strings.HasPrefix(u.Value, "0,0.0,") {
		t.Errorf("Expected paused, got %q", u.Value)
	}
}

func TestPlayer_SingleTrackDisallowsSkipping(t *testing.T) {
	player, _ := startPlayer(t, queue[:1])

	if got := player.Allowed(); len(got) != 3 {
		t.Errorf("Expected play/pause/toggle only, got %v", got)
	}
	if err := player.Apply(ams.CommandNextTrack); err == nil {
		t.Error("Expected next track to be refused")
	}
}

func TestPlayer_TruncatesLongValues(t *testing.T) {
	long := strings.Repeat("é", 100)
	player, platform := startPlayer(t, []ams.Track{{Title: long}})
	player.MaxValue = 51

	platform.Write(accessory, ams.ServiceUUID, ams.EntityUpdateUUID,
		ams.EntitySubscription(ams.EntityTrack, ams.TrackAttrTitle))
	nextNotification(t, platform)
	u := nextUpdate(t, platform)
	if u.Flags&ams.FlagTruncated == 0 {
		t.Error("Expected truncated flag")
	}
	if len(u.Value) != 50 || u.Value != long[:50] {
		t.Errorf("Expected 25 whole runes, got %d bytes", len(u.Value))
	}

	platform.Write(accessory, ams.ServiceUUID, ams.EntityAttributeUUID, []byte{uint8(ams.EntityTrack), ams.TrackAttrTitle})
	platform.Callback().OnReadRequest(&ble.Request{
		Peer: accessory, ID: 9, Service: ams.ServiceUUID, Characteristic: ams.EntityAttributeUUID, ResponseNeeded: true,
	})
	select {
	case r := <-platform.Responses:
		if string(r.Value) != long {
			t.Errorf("Expected full title from entity attribute, got %d bytes", len(r.Value))
		}
	case <-time.After(time.Second):
		t.Fatal("no read response")
	}
}
