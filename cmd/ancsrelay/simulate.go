package main

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"

	"github.com/user/ancsrelay/ams"
	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/gattsim"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/supervisor"
	"github.com/user/ancsrelay/wire"
	"github.com/user/ancsrelay/wire/gatt"
)

const (
	defaultInterval = 5 * time.Second
	// scripted notifications stay up for this many events
	keepPosted = 3
)

var simulatedApps = ancs.StaticApps{
	"com.apple.MobileSMS":  "Messages",
	"com.apple.mobilemail": "Mail",
	"com.apple.mobilecal":  "Calendar",
}

var script = []ancs.ExternalNotification{
	{AppID: "com.apple.MobileSMS", Title: "Alice", Message: "Are we still on for lunch?"},
	{AppID: "com.apple.mobilemail", Title: "Build server", Subtitle: "Nightly build", Message: "All 412 tests passed."},
	{AppID: "com.apple.mobilecal", Title: "Standup", Subtitle: "in 10 minutes", Message: "Room 3"},
	{AppID: "com.apple.MobileSMS", Title: "Bob", Message: "On my way"},
	{AppID: "com.example.unknown", Title: "Unknown app", Message: "This app has no display name"},
}

var playlist = []ams.Track{
	{Artist: "The Relays", Album: "Low Energy", Title: "Advertising Interval", Duration: 214},
	{Artist: "The Relays", Album: "Low Energy", Title: "Notification Source", Duration: 187.5},
	{Artist: "GATT Collective", Album: "Handles", Title: "Prepared Write", Duration: 302},
}

// batteryService serves a level that the simulation drains
func batteryService(level *atomic.Int32) *ble.ServerService {
	return &ble.ServerService{
		UUID: supervisor.BatteryServiceUUID,
		Characteristics: []*ble.ServerCharacteristic{
			{
				UUID:       supervisor.BatteryLevelUUID,
				Properties: gatt.PropRead | gatt.PropNotify,
				OnRead: func(peer string) ([]byte, error) {
					return []byte{byte(level.Load())}, nil
				},
			},
		},
	}
}

func simulateCommand(c *cli.Context) (err error) {
	ctx, stop := signalContext()
	defer stop()

	w := wire.NewWire(c.String("address"), c.String("name"))
	platform := gattsim.NewServer(w, ancs.ServiceUUID)
	platform.Bond()
	server := ble.NewServer(platform)

	source := ancs.NewMemorySource()
	source.SetActive(true)
	provider := ancs.NewProvider(server, source, simulatedApps)
	player := ams.NewPlayer(server, "Music", playlist)
	var level atomic.Int32
	level.Store(100)

	for _, svc := range []*ble.ServerService{provider.Service(), player.Service(), batteryService(&level)} {
		if err := server.AddService(svc); err != nil {
			return err
		}
	}
	if err := server.Open(); err != nil {
		return err
	}
	defer server.Close()
	player.Apply(ams.CommandPlay)

	fmt.Printf("Simulating %q at wire address %s\n", w.Name(), w.Address())
	fmt.Printf("Pair with: ancsrelay --backend wire setup %s\n", w.Address())

	interval := c.Duration("interval")
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var posted []ancs.ExternalNotification
	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n := script[step%len(script)]
		n.Key = strconv.Itoa(step)
		source.Put(n)
		if err := provider.Posted(n); err != nil {
			logger.Warn("simulate", "post %s: %v", n.Key, err)
		}
		posted = append(posted, n)
		if len(posted) > keepPosted {
			old := posted[0]
			posted = posted[1:]
			source.Delete(old.Key)
			if err := provider.Removed(old); err != nil {
				logger.Warn("simulate", "remove %s: %v", old.Key, err)
			}
		}

		if step%4 == 3 {
			player.Apply(ams.CommandNextTrack)
		}
		if l := level.Load(); l > 5 {
			level.Store(l - 1)
			for _, peer := range server.ConnectedPeers() {
				if server.Subscribed(peer, supervisor.BatteryLevelUUID) {
					server.Notify(peer, supervisor.BatteryLevelUUID, []byte{byte(l - 1)})
				}
			}
		}
	}
}
