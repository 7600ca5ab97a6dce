package ams

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/gatt"
)

// DefaultMaxValue is the longest entity update value sent before truncation
const DefaultMaxValue = 128

// Track is one entry in a Player's queue
type Track struct {
	Artist   string
	Album    string
	Title    string
	Duration float64
}

// attrKey selects one attribute of one entity
type attrKey struct {
	entity EntityID
	attr   uint8
}

// Player serves AMS from a simulated media player. Accessories subscribe to
// entity attributes and control playback through the remote command
// characteristic.
type Player struct {
	server *ble.Server
	name   string
	tag    string

	// MaxValue bounds entity update values; longer ones are truncated and
	// flagged, and the full value is available through entity attribute
	MaxValue int

	mu       sync.Mutex
	tracks   []Track
	index    int
	playing  bool
	volume   float64
	elapsed  float64
	since    time.Time
	subs     map[string]map[EntityID][]uint8
	selected map[string]attrKey
	now      func() time.Time
}

// NewPlayer creates a paused player named name with tracks queued
func NewPlayer(server *ble.Server, name string, tracks []Track) *Player {
	return &Player{
		server:   server,
		name:     name,
		tag:      "player",
		MaxValue: DefaultMaxValue,
		tracks:   tracks,
		volume:   0.5,
		subs:     make(map[string]map[EntityID][]uint8),
		selected: make(map[string]attrKey),
		now:      time.Now,
	}
}

// Service returns the AMS service definition to host on the server
func (p *Player) Service() *ble.ServerService {
	return &ble.ServerService{
		UUID: ServiceUUID,
		Characteristics: []*ble.ServerCharacteristic{
			{UUID: RemoteCommandUUID, Properties: gatt.PropNotify | gatt.PropWrite, OnWrite: p.handleCommand},
			{UUID: EntityUpdateUUID, Properties: gatt.PropNotify | gatt.PropWrite, OnWrite: p.handleSubscription},
			{UUID: EntityAttributeUUID, Properties: gatt.PropRead | gatt.PropWrite, OnRead: p.readAttribute, OnWrite: p.selectAttribute},
		},
	}
}

// Allowed lists the commands the player accepts
func (p *Player) Allowed() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowed()
}

func (p *Player) allowed() []Command {
	if len(p.tracks) == 0 {
		return nil
	}
	cmds := []Command{CommandPlay, CommandPause, CommandTogglePlay}
	if len(p.tracks) > 1 {
		cmds = append(cmds, CommandNextTrack, CommandPreviousTrack)
	}
	return cmds
}

// Apply runs cmd as if an accessory had sent it and notifies subscribers
// of what changed
func (p *Player) Apply(cmd Command) error {
	p.mu.Lock()
	changed, err := p.apply(cmd)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	logger.Info(p.tag, "%s", cmd)
	for _, k := range changed {
		p.broadcast(k)
	}
	return nil
}

// apply changes state and returns the attributes that changed
func (p *Player) apply(cmd Command) ([]attrKey, error) {
	allowed := false
	for _, c := range p.allowed() {
		if c == cmd {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("ams: %s not allowed", cmd)
	}

	info := []attrKey{{EntityPlayer, PlayerAttrPlaybackInfo}}
	track := []attrKey{
		{EntityTrack, TrackAttrArtist}, {EntityTrack, TrackAttrAlbum},
		{EntityTrack, TrackAttrTitle}, {EntityTrack, TrackAttrDuration},
	}
	switch cmd {
	case CommandPlay:
		if p.playing {
			return nil, nil
		}
		p.setPlaying(true)
	case CommandPause:
		if !p.playing {
			return nil, nil
		}
		p.setPlaying(false)
	case CommandTogglePlay:
		p.setPlaying(!p.playing)
	case CommandNextTrack:
		p.index = (p.index + 1) % len(p.tracks)
		p.elapsed, p.since = 0, p.now()
		return append(track, info...), nil
	case CommandPreviousTrack:
		p.index = (p.index + len(p.tracks) - 1) % len(p.tracks)
		p.elapsed, p.since = 0, p.now()
		return append(track, info...), nil
	}
	return info, nil
}

func (p *Player) setPlaying(playing bool) {
	p.elapsed = p.position()
	p.since = p.now()
	p.playing = playing
}

func (p *Player) position() float64 {
	if !p.playing {
		return p.elapsed
	}
	return p.elapsed + p.now().Sub(p.since).Seconds()
}

// value renders one attribute
func (p *Player) value(k attrKey) (string, bool) {
	switch k.entity {
	case EntityPlayer:
		switch k.attr {
		case PlayerAttrName:
			return p.name, true
		case PlayerAttrPlaybackInfo:
			if len(p.tracks) == 0 {
				return "0,,", true
			}
			state, rate := StatePaused, 0.0
			if p.playing {
				state, rate = StatePlaying, 1.0
			}
			return fmt.Sprintf("%d,%.1f,%.3f", state, rate, p.position()), true
		case PlayerAttrVolume:
			return fmt.Sprintf("%.2f", p.volume), true
		}
	case EntityTrack:
		if len(p.tracks) == 0 {
			return "", true
		}
		t := p.tracks[p.index]
		switch k.attr {
		case TrackAttrArtist:
			return t.Artist, true
		case TrackAttrAlbum:
			return t.Album, true
		case TrackAttrTitle:
			return t.Title, true
		case TrackAttrDuration:
			return fmt.Sprintf("%.3f", t.Duration), true
		}
	}
	return "", false
}

func (p *Player) update(k attrKey) (EntityUpdate, bool) {
	v, ok := p.value(k)
	if !ok {
		return EntityUpdate{}, false
	}
	u := EntityUpdate{EntityID: k.entity, AttributeID: k.attr, Value: v}
	if p.MaxValue > 0 && len(v) > p.MaxValue {
		cut := p.MaxValue
		for cut > 0 && !utf8.RuneStart(v[cut]) {
			cut--
		}
		u.Value = v[:cut]
		u.Flags |= FlagTruncated
	}
	return u, true
}

func (p *Player) subscribed(peer string, k attrKey) bool {
	for _, a := range p.subs[peer][k.entity] {
		if a == k.attr {
			return true
		}
	}
	return false
}

// broadcast notifies every connected peer subscribed to k of its current
// value and forgets peers that went away
func (p *Player) broadcast(k attrKey) {
	connected := make(map[string]bool)
	for _, peer := range p.server.ConnectedPeers() {
		connected[peer] = true
	}

	p.mu.Lock()
	u, ok := p.update(k)
	var peers []string
	for peer := range p.subs {
		if !connected[peer] {
			delete(p.subs, peer)
			delete(p.selected, peer)
			continue
		}
		if p.subscribed(peer, k) {
			peers = append(peers, peer)
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, peer := range peers {
		if err := p.server.Notify(peer, EntityUpdateUUID, u.Marshal()); err != nil {
			logger.Warn(p.tag, "notify %s: %v", peer, err)
		}
	}
}

func (p *Player) handleCommand(peer string, value []byte) {
	if len(value) != 1 {
		logger.Warn(p.tag, "bad remote command from %s: %x", peer, value)
		return
	}
	if err := p.Apply(Command(value[0])); err != nil {
		logger.Warn(p.tag, "%s from %s: %v", Command(value[0]), peer, err)
	}
}

// handleSubscription takes an entity update write of [entity, attrs...],
// replacing the peer's attributes for that entity, and answers with the
// allowed commands and the current values
func (p *Player) handleSubscription(peer string, value []byte) {
	if len(value) < 1 {
		logger.Warn(p.tag, "empty subscription from %s", peer)
		return
	}
	entity := EntityID(value[0])
	if entity > EntityTrack {
		logger.Warn(p.tag, "subscription to unknown entity %d from %s", entity, peer)
		return
	}
	attrs := append([]uint8{}, value[1:]...)

	p.mu.Lock()
	if p.subs[peer] == nil {
		p.subs[peer] = make(map[EntityID][]uint8)
	}
	p.subs[peer][entity] = attrs
	allowed := p.allowed()
	var updates []EntityUpdate
	for _, a := range attrs {
		if u, ok := p.update(attrKey{entity, a}); ok {
			updates = append(updates, u)
		}
	}
	p.mu.Unlock()
	logger.Debug(p.tag, "%s subscribed to entity %d attrs %v", peer, entity, attrs)

	if p.server.Subscribed(peer, RemoteCommandUUID) {
		list := make([]byte, len(allowed))
		for i, c := range allowed {
			list[i] = uint8(c)
		}
		if err := p.server.Notify(peer, RemoteCommandUUID, list); err != nil {
			logger.Warn(p.tag, "notify %s: %v", peer, err)
		}
	}
	for _, u := range updates {
		if err := p.server.Notify(peer, EntityUpdateUUID, u.Marshal()); err != nil {
			logger.Warn(p.tag, "notify %s: %v", peer, err)
		}
	}
}

func (p *Player) selectAttribute(peer string, value []byte) {
	if len(value) != 2 {
		logger.Warn(p.tag, "bad attribute selection from %s: %x", peer, value)
		return
	}
	p.mu.Lock()
	p.selected[peer] = attrKey{EntityID(value[0]), value[1]}
	p.mu.Unlock()
}

// readAttribute returns the untruncated value of the selected attribute
func (p *Player) readAttribute(peer string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.selected[peer]
	if !ok {
		return []byte{}, nil
	}
	v, _ := p.value(k)
	return []byte(v), nil
}
