// Package ams implements the client side of the Apple Media Service: it
// follows a phone's now-playing state and sends it transport commands.
package ams

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
)

var (
	ServiceUUID         = uuid.MustParse("89D3502B-0F36-433A-8EF4-C502AD55F8DC")
	RemoteCommandUUID   = uuid.MustParse("9B3C81D8-57B1-4A8A-B8DF-0E56F7CA51C2")
	EntityUpdateUUID    = uuid.MustParse("2F7CABCE-808D-411F-9A0C-BB92BA96C102")
	EntityAttributeUUID = uuid.MustParse("C6B2F38C-23AB-46D8-A6AB-A3A870BBD5D7")
)

// EntityID names the entity an update belongs to
type EntityID uint8

const (
	EntityPlayer EntityID = 0
	EntityQueue  EntityID = 1
	EntityTrack  EntityID = 2
)

const (
	PlayerAttrName         uint8 = 0
	PlayerAttrPlaybackInfo uint8 = 1
	PlayerAttrVolume       uint8 = 2

	TrackAttrArtist   uint8 = 0
	TrackAttrAlbum    uint8 = 1
	TrackAttrTitle    uint8 = 2
	TrackAttrDuration uint8 = 3
)

// FlagTruncated marks a value the phone cut short
const FlagTruncated uint8 = 1 << 0

// Command is a remote command code
type Command uint8

const (
	CommandPlay          Command = 0
	CommandPause         Command = 1
	CommandTogglePlay    Command = 2
	CommandNextTrack     Command = 3
	CommandPreviousTrack Command = 4
)

func (c Command) String() string {
	switch c {
	case CommandPlay:
		return "play"
	case CommandPause:
		return "pause"
	case CommandTogglePlay:
		return "toggle"
	case CommandNextTrack:
		return "next"
	case CommandPreviousTrack:
		return "previous"
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// ParseCommand maps a command name back to its code
func ParseCommand(name string) (Command, bool) {
	for c := CommandPlay; c <= CommandPreviousTrack; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// EntityUpdate is one entity update notification
type EntityUpdate struct {
	EntityID    EntityID
	AttributeID uint8
	Flags       uint8
	Value       string
}

func (u EntityUpdate) Marshal() []byte {
	buf := make([]byte, 0, 3+len(u.Value))
	buf = append(buf, uint8(u.EntityID), u.AttributeID, u.Flags)
	return append(buf, u.Value...)
}

func (u EntityUpdate) String() string {
	return fmt.Sprintf("entity=%d attr=%d flags=0x%02x value=%q", u.EntityID, u.AttributeID, u.Flags, u.Value)
}

// ParseEntityUpdate decodes an entity update notification
func ParseEntityUpdate(data []byte) (EntityUpdate, error) {
	if len(data) < 3 {
		return EntityUpdate{}, &ble.ParseError{What: "entity update", Data: data}
	}
	return EntityUpdate{
		EntityID:    EntityID(data[0]),
		AttributeID: data[1],
		Flags:       data[2],
		Value:       string(data[3:]),
	}, nil
}

// EntitySubscription builds the entity update write that registers for
// attrs of entity.
func EntitySubscription(entity EntityID, attrs ...uint8) []byte {
	return append([]byte{uint8(entity)}, attrs...)
}

// PlaybackInfo is the player entity's "state,rate,elapsed" attribute.
// Fields that do not parse are left unset; state defaults to paused.
type PlaybackInfo struct {
	State   int
	Rate    *float64
	Elapsed *float64
}

// ParsePlaybackInfo splits a playback info value, which must have exactly
// three comma separated fields.
func ParsePlaybackInfo(value string) (PlaybackInfo, error) {
	fields := strings.Split(value, ",")
	if len(fields) != 3 {
		return PlaybackInfo{}, fmt.Errorf("ams: playback info has %d fields: %q", len(fields), value)
	}
	var info PlaybackInfo
	if s, err := strconv.Atoi(strings.TrimSpace(fields[0])); err == nil {
		info.State = s
	}
	info.Rate = parseFloat(fields[1])
	info.Elapsed = parseFloat(fields[2])
	return info, nil
}

func parseFloat(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}
