package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/settings"
	"github.com/user/ancsrelay/supervisor"
	"github.com/user/ancsrelay/util"
)

func setupCommand(c *cli.Context) (err error) {
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

	addr := c.Args().First()
	if addr == "" {
		if addr, err = be.findPhone(ctx); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}
	if be.bus != nil {
		if paired, err := be.bus.Paired(ctx, addr); err == nil && !paired {
			logger.Warn("setup", "%s is not paired yet, accept the pairing request on the phone", addr)
		}
	}

	fmt.Printf("Connecting to %s...\n", addr)
	if err := supervisor.Setup(ctx, supervisor.DefaultConfig(), be.Dialer(), addr, store); err != nil {
		return cli.NewExitError(fmt.Sprintf("setup failed: %v", err), 1)
	}
	fmt.Printf("Relaying notifications from %s (%s)\n", store.String(settings.KeyDeviceName), addr)
	return nil
}

func forgetCommand(c *cli.Context) (err error) {
	store, err := settings.Open(util.GetSettingsPath())
	if err != nil {
		return err
	}
	addr := store.DeviceAddress()
	if addr == "" {
		fmt.Println("No phone configured")
		return nil
	}
	if err := store.Forget(); err != nil {
		return err
	}
	fmt.Printf("Forgot %s\n", addr)
	return nil
}
