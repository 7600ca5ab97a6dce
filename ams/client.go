package ams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
)

const (
	// StreamCapacity buffers remote command and entity update values
	StreamCapacity = 8

	DefaultTimeout  = 2 * time.Second
	DefaultDebounce = 500 * time.Millisecond

	commandQueueSize = 8
)

// ErrStreamClosed means a characteristic stream ended while the client was running
var ErrStreamClosed = errors.New("ams: stream closed")

// Client follows the media state of a phone over one connected peripheral.
// Either of the remote command and entity update characteristics may be
// missing; the client uses what the phone offers.
type Client struct {
	p   ble.Peripheral
	pub Publisher
	tag string

	// Timeout bounds each characteristic's bring-up in Start
	Timeout time.Duration
	// Debounce is the quiet period before a changed state is published
	Debounce time.Duration

	rc, eu       *ble.Characteristic
	rcSub, euSub *ble.Subscription[[]byte]

	// state and shown are owned by the Run goroutine
	state MediaState
	shown bool

	commands chan Command
	writes   chan []byte
}

// NewClient resolves the AMS characteristics on p
func NewClient(p ble.Peripheral, pub Publisher) (*Client, error) {
	rc, rcErr := p.Characteristic(ServiceUUID, RemoteCommandUUID)
	eu, euErr := p.Characteristic(ServiceUUID, EntityUpdateUUID)
	if rcErr != nil && euErr != nil {
		return nil, euErr
	}
	return &Client{
		p:        p,
		pub:      pub,
		tag:      "ams",
		Timeout:  DefaultTimeout,
		Debounce: DefaultDebounce,
		rc:       rc,
		eu:       eu,
		state:    MediaState{Device: p.Address(), Name: p.Name()},
		commands: make(chan Command, commandQueueSize),
		writes:   make(chan []byte, commandQueueSize),
	}, nil
}

func (c *Client) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return fn(ctx)
}

// Start subscribes to the remote command and entity update streams and
// registers for playback info and track attributes.
func (c *Client) Start(ctx context.Context) error {
	if c.rc != nil {
		c.rcSub = c.p.Subscribe(c.rc, StreamCapacity)
		err := c.bounded(ctx, func(ctx context.Context) error {
			return c.p.SetNotification(ctx, c.rc, true)
		})
		if err != nil {
			c.unsubscribe()
			return fmt.Errorf("enable remote command: %w", err)
		}
		logger.Info(c.tag, "remote command enabled")
	}

	if c.eu != nil {
		c.euSub = c.p.Subscribe(c.eu, StreamCapacity)
		err := c.bounded(ctx, func(ctx context.Context) error {
			if err := c.p.SetNotification(ctx, c.eu, true); err != nil {
				return err
			}
			if err := c.p.WriteCharacteristic(ctx, c.eu, EntitySubscription(EntityPlayer, PlayerAttrPlaybackInfo)); err != nil {
				return err
			}
			return c.p.WriteCharacteristic(ctx, c.eu, EntitySubscription(EntityTrack,
				TrackAttrArtist, TrackAttrAlbum, TrackAttrTitle, TrackAttrDuration))
		})
		if err != nil {
			c.unsubscribe()
			return fmt.Errorf("enable entity update: %w", err)
		}
		logger.Info(c.tag, "entity update enabled")
	}
	return nil
}

func (c *Client) unsubscribe() {
	if c.rcSub != nil {
		c.rcSub.Close()
	}
	if c.euSub != nil {
		c.euSub.Close()
	}
}

// Send queues a transport command. It never blocks; commands the phone
// does not currently allow are dropped when they reach the front.
func (c *Client) Send(cmd Command) bool {
	select {
	case c.commands <- cmd:
		return true
	default:
		logger.Warn(c.tag, "command queue full, dropping %s", cmd)
		return false
	}
}

// Run applies updates and publishes debounced snapshots until ctx ends.
// A snapshot that was published is cleared again when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	var debounce *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(c.Debounce)
		fire = debounce.C
	}

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		cancel()
		<-writerDone
		if c.shown {
			c.pub.ClearMedia(c.state.Device)
		}
	}()

	var rcC, euC <-chan []byte
	if c.rcSub != nil {
		rcC = c.rcSub.C
	}
	if c.euSub != nil {
		euC = c.euSub.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-rcC:
			if !ok {
				return ErrStreamClosed
			}
			c.setAllowed(v)
			schedule()
		case v, ok := <-euC:
			if !ok {
				return ErrStreamClosed
			}
			if c.apply(v) {
				schedule()
			}
		case <-fire:
			fire = nil
			c.publish()
		case cmd := <-c.commands:
			c.command(cmd)
		}
	}
}

func (c *Client) setAllowed(v []byte) {
	logger.Info(c.tag, "allowed commands: %v", v)
	c.state.Allowed = c.state.Allowed[:0]
	for _, b := range v {
		c.state.Allowed = append(c.state.Allowed, Command(b))
	}
}

// apply folds one entity update into the state and reports whether it was
// accepted.
func (c *Client) apply(data []byte) bool {
	u, err := ParseEntityUpdate(data)
	if err != nil {
		logger.Error(c.tag, "%v", err)
		return false
	}
	logger.Debug(c.tag, "%s", u)

	s := &c.state
	switch u.EntityID {
	case EntityPlayer:
		if u.AttributeID == PlayerAttrPlaybackInfo {
			info, err := ParsePlaybackInfo(u.Value)
			if err != nil {
				logger.Error(c.tag, "%v", err)
				return false
			}
			s.State, s.Rate, s.Elapsed = info.State, info.Rate, info.Elapsed
		}
	case EntityTrack:
		value := u.Value
		switch u.AttributeID {
		case TrackAttrArtist:
			s.Artist = &value
		case TrackAttrAlbum:
			s.Album = &value
		case TrackAttrTitle:
			s.Title = &value
		case TrackAttrDuration:
			s.Duration = parseFloat(value)
		}
	}
	return true
}

func (c *Client) publish() {
	if c.state.Cleared() {
		logger.Debug(c.tag, "nothing playing")
		if c.shown {
			c.pub.ClearMedia(c.state.Device)
			c.shown = false
		}
		return
	}
	snap := c.state.Snapshot()
	logger.DebugJSON(c.tag, "media", snap)
	c.pub.PublishMedia(snap)
	c.shown = true
}

func (c *Client) command(cmd Command) {
	if c.rc == nil {
		logger.Warn(c.tag, "no remote command characteristic, dropping %s", cmd)
		return
	}
	if !c.state.Allows(cmd) {
		logger.Warn(c.tag, "%s is not allowed right now", cmd)
		return
	}
	select {
	case c.writes <- []byte{uint8(cmd)}:
	default:
		logger.Warn(c.tag, "write queue full, dropping %s", cmd)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.writes:
			if err := c.p.WriteCharacteristic(ctx, c.rc, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(c.tag, "failed to execute remote command: %v", err)
			}
		}
	}
}
