package main

import (
	"context"
	"strings"

	"github.com/urfave/cli"

	"github.com/user/ancsrelay/ams"
	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/bluez"
	"github.com/user/ancsrelay/desktop"
	"github.com/user/ancsrelay/gattsim"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/settings"
	"github.com/user/ancsrelay/status"
	"github.com/user/ancsrelay/supervisor"
	"github.com/user/ancsrelay/util"
)

// logRenderer stands in for the desktop when there is no session bus
type logRenderer struct{}

func (logRenderer) Post(n *ancs.Notification) error {
	logger.Info("notification", "[%s] %s: %s", n.Device, n.Title, strings.Join(n.Lines, " / "))
	return nil
}

func (logRenderer) Dismiss(device string, uid uint32) error {
	logger.Info("notification", "[%s] %d dismissed", device, uid)
	return nil
}

func runCommand(c *cli.Context) (err error) {
	ctx, stop := signalContext()
	defer stop()

	store, err := settings.Open(util.GetSettingsPath())
	if err != nil {
		return err
	}
	be, err := openBackend(c)
	if err != nil {
		return err
	}
	defer be.Close()

	hub := status.NewHub()
	go func() {
		if err := hub.Serve(ctx, c.String("status-addr")); err != nil {
			logger.Error("status", "%v", err)
		}
	}()

	var renderer ancs.Renderer = logRenderer{}
	desk, err := desktop.NewRenderer(nil)
	if err != nil {
		logger.Warn("desktop", "%v, logging notifications instead", err)
	} else {
		defer desk.Close()
		renderer = desk
	}

	sup := supervisor.New(supervisor.DefaultConfig(), be.Dialer(), renderer, ancs.NewAppNameCache(0), hub, hub)
	if desk != nil {
		desk.SetPerformer(sup)
		go func() {
			if err := desk.Listen(ctx); err != nil {
				logger.Error("desktop", "%v", err)
			}
		}()
	}
	go forwardCommands(ctx, hub.Commands(), sup)

	if store.Bool(settings.KeyServerEnabled, true) {
		server, err := startServer(ctx, be, c.StringSlice("bond"), c.Bool("bond-all"))
		if err != nil {
			return err
		}
		defer server.Close()
	}

	addrs, unwatch := store.Watch()
	defer unwatch()
	if be.bus == nil {
		return sup.Run(ctx, store.DeviceAddress(), addrs)
	}
	return runPowered(ctx, be.bus, sup, store, addrs)
}

func forwardCommands(ctx context.Context, commands <-chan ams.Command, sup *supervisor.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-commands:
			sup.Command(cmd)
		}
	}
}

// startServer hosts ANCS for accessories, fed by desktop notifications
func startServer(ctx context.Context, be *backend, bonds []string, bondAll bool) (*ble.Server, error) {
	platform := gattsim.NewServer(be.serverWire())
	if bondAll {
		platform.Bond()
	} else if len(bonds) > 0 {
		platform.Bond(bonds...)
	}
	server := ble.NewServer(platform)

	source := ancs.NewMemorySource()
	monitor, err := desktop.NewMonitor(source, nil)
	if err != nil {
		return nil, err
	}
	provider := ancs.NewProvider(server, source, monitor)
	monitor.SetSink(provider)

	if err := server.AddService(provider.Service()); err != nil {
		return nil, err
	}
	if err := server.Open(); err != nil {
		return nil, err
	}
	go func() {
		if err := monitor.Run(ctx); err != nil {
			logger.Warn("desktop", "not forwarding desktop notifications: %v", err)
		}
	}()
	return server, nil
}

type eventSource interface {
	Watch(ctx context.Context, addr string) <-chan bluez.Event
}

// deviceWatch follows adapter and bond events for one address at a time
type deviceWatch struct {
	source eventSource
	cancel context.CancelFunc
	events <-chan bluez.Event
}

// follow replaces the current watch with one on addr
func (w *deviceWatch) follow(ctx context.Context, addr string) {
	w.stop()
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.events = w.source.Watch(wctx, addr)
}

func (w *deviceWatch) stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.events = nil
}

// runPowered runs the supervisor while the adapter is powered. Power off
// stops it and power on starts it again; a bond change on the configured
// phone interrupts the current attempt.
func runPowered(ctx context.Context, bus *bluez.Bus, sup *supervisor.Supervisor, store *settings.Store, addrs <-chan string) error {
	changes := make(chan string, 1)
	watch := &deviceWatch{source: bluez.NewWatcher(bus)}
	watch.follow(ctx, store.DeviceAddress())
	defer watch.stop()

	powered, err := bus.Powered(ctx)
	if err != nil {
		return err
	}

	var (
		runCancel context.CancelFunc
		done      chan error
	)
	start := func() {
		var runCtx context.Context
		runCtx, runCancel = context.WithCancel(ctx)
		done = make(chan error, 1)
		go func() { done <- sup.Run(runCtx, store.DeviceAddress(), changes) }()
	}
	halt := func() {
		if runCancel == nil {
			return
		}
		runCancel()
		<-done
		runCancel, done = nil, nil
	}
	defer halt()

	if powered {
		start()
	} else {
		logger.Info("bluez", "adapter is off, waiting")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			runCancel, done = nil, nil
			return err
		case addr := <-addrs:
			watch.follow(ctx, addr)
			// the supervisor only needs the latest address
			select {
			case <-changes:
			default:
			}
			changes <- addr
		case e, ok := <-watch.events:
			if !ok {
				watch.events = nil
				continue
			}
			switch e.Kind {
			case bluez.AdapterPowered:
				if e.Value && runCancel == nil {
					start()
				} else if !e.Value {
					halt()
				}
			case bluez.DevicePaired:
				sup.Interrupt()
			}
		}
	}
}
