package supervisor

import (
	"context"
	"fmt"

	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
)

// DeviceStore persists the configured phone
type DeviceStore interface {
	SetDeviceAddress(addr, name string) error
}

// Setup connects to addr once, enables ANCS (which makes the phone ask the
// user to pair and allow notifications) and saves the device on success.
func Setup(ctx context.Context, cfg Config, dialer Dialer, addr string, store DeviceStore) error {
	g, err := dialer.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	link := ble.NewLink(g)
	defer link.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = link.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.BringUpTimeout)
	err = link.DiscoverServices(discoverCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}

	ns, err := link.Characteristic(ancs.ServiceUUID, ancs.NotificationSourceUUID)
	if err != nil {
		return err
	}
	enableCtx, cancel := context.WithTimeout(ctx, cfg.ANCSTimeout)
	err = link.SetNotification(enableCtx, ns, true)
	cancel()
	if err != nil {
		return fmt.Errorf("enable ANCS: %w", err)
	}

	logger.Info("setup", "ANCS available on %s (%s)", link.Name(), addr)
	return store.SetDeviceAddress(addr, link.Name())
}
