package ams

import (
	"bytes"
	"testing"
)

func TestParseEntityUpdate(t *testing.T) {
	u, err := ParseEntityUpdate([]byte{2, 2, 1, 'H', 'e', 'y', ' ', 'J', 'u', 'd', 'e'})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.EntityID != EntityTrack || u.AttributeID != TrackAttrTitle || u.Flags != FlagTruncated || u.Value != "Hey Jude" {
		t.Errorf("parsed %s", u)
	}

	empty, err := ParseEntityUpdate([]byte{0, 1, 0})
	if err != nil || empty.Value != "" {
		t.Errorf("three bytes should give an empty value: %s, %v", empty, err)
	}

	if _, err := ParseEntityUpdate([]byte{0, 1}); err == nil {
		t.Error("two bytes should fail")
	}

	if got := u.Marshal(); !bytes.Equal(got, []byte{2, 2, 1, 'H', 'e', 'y', ' ', 'J', 'u', 'd', 'e'}) {
		t.Errorf("marshal % x", got)
	}
}

func TestParsePlaybackInfo(t *testing.T) {
	info, err := ParsePlaybackInfo("1,1.0,12.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.State != StatePlaying || info.Rate == nil || *info.Rate != 1.0 || info.Elapsed == nil || *info.Elapsed != 12.5 {
		t.Errorf("parsed %+v", info)
	}

	info, err = ParsePlaybackInfo("x,,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.State != StatePaused || info.Rate != nil || info.Elapsed != nil {
		t.Errorf("unparseable fields should be unset: %+v", info)
	}

	for _, bad := range []string{"", "1,1.0", "1,1.0,2,3"} {
		if _, err := ParsePlaybackInfo(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}

func TestEntitySubscription(t *testing.T) {
	got := EntitySubscription(EntityTrack, TrackAttrArtist, TrackAttrAlbum, TrackAttrTitle, TrackAttrDuration)
	if !bytes.Equal(got, []byte{2, 0, 1, 2, 3}) {
		t.Errorf("got % x", got)
	}
}

func TestMediaState(t *testing.T) {
	var s MediaState
	if !s.Cleared() {
		t.Error("zero state should be cleared")
	}
	rate := 0.0
	s.Rate = &rate
	if s.Cleared() {
		t.Error("a reported rate is not cleared")
	}

	album, artist := "Abbey Road", "The Beatles"
	s.Album = &album
	if s.Subtitle() != "Abbey Road" {
		t.Errorf("subtitle %q", s.Subtitle())
	}
	s.Artist = &artist
	if s.Subtitle() != "Abbey Road - The Beatles" {
		t.Errorf("subtitle %q", s.Subtitle())
	}

	s.Allowed = []Command{CommandNextTrack, CommandPlay}
	snap := s.Snapshot()
	s.Allowed[0] = CommandPause
	if snap.Allowed[0] != CommandPlay || snap.Allowed[1] != CommandNextTrack {
		t.Errorf("snapshot allowed %v", snap.Allowed)
	}
	if !snap.Allows(CommandNextTrack) || snap.Allows(CommandPreviousTrack) {
		t.Error("Allows")
	}
}

func TestParseCommand(t *testing.T) {
	for c := CommandPlay; c <= CommandPreviousTrack; c++ {
		got, ok := ParseCommand(c.String())
		if !ok || got != c {
			t.Errorf("%s did not round trip", c)
		}
	}
	if _, ok := ParseCommand("rewind"); ok {
		t.Error("rewind is not a command")
	}
}
