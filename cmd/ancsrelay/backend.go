package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/bluez"
	"github.com/user/ancsrelay/gattsim"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/supervisor"
	"github.com/user/ancsrelay/wire"
)

const (
	relayAddress = "relay"
	relayName    = "ANCS Relay"
)

// backend is where phones are reached: the BlueZ adapter or the wire bus
type backend struct {
	name string
	bus  *bluez.Bus
	wire *wire.Wire
}

func openBackend(c *cli.Context) (*backend, error) {
	b := &backend{name: c.GlobalString("backend")}
	if b.name == backendWire {
		b.wire = wire.NewWire(relayAddress, relayName)
		return b, nil
	}
	bus, err := bluez.Open(bluez.DefaultAdapter)
	if err != nil {
		return nil, err
	}
	b.bus = bus
	return b, nil
}

func (b *backend) Dialer() supervisor.Dialer {
	if b.bus != nil {
		return supervisor.DialerFunc(func(addr string) (ble.Gatt, error) {
			return bluez.NewGatt(b.bus, addr), nil
		})
	}
	return supervisor.DialerFunc(func(addr string) (ble.Gatt, error) {
		return gattsim.NewGatt(b.wire, addr), nil
	})
}

// serverWire is the wire device hosting the notification server. On the
// wire backend it is the same device the central side dials from.
func (b *backend) serverWire() *wire.Wire {
	if b.wire != nil {
		return b.wire
	}
	return wire.NewWire(relayAddress, relayName)
}

// findPhone picks a phone when setup is given no address: the first device
// on the wire bus soliciting ANCS, or the only paired device known to BlueZ
func (b *backend) findPhone(ctx context.Context) (string, error) {
	if b.bus != nil {
		devices, err := b.bus.Devices(ctx)
		if err != nil {
			return "", err
		}
		var paired []bluez.Device
		for _, d := range devices {
			if d.Paired {
				paired = append(paired, d)
			}
		}
		if len(paired) != 1 {
			for _, d := range paired {
				logger.Info("setup", "paired: %s %s", d.Address, d.Name)
			}
			return "", fmt.Errorf("%d paired devices, give the phone's address", len(paired))
		}
		logger.Info("setup", "using %s (%s)", paired[0].Name, paired[0].Address)
		return paired[0].Address, nil
	}
	ads, err := wire.Scan()
	if err != nil {
		return "", err
	}
	for _, adv := range ads {
		if adv.Address != relayAddress && adv.Solicits(ancs.ServiceUUID) {
			logger.Info("setup", "found %s (%s)", adv.Name(), adv.Address)
			return adv.Address, nil
		}
	}
	return "", errors.New("no phone soliciting notification service found on the wire bus")
}

func (b *backend) Close() {
	if b.bus != nil {
		b.bus.Close()
	}
	if b.wire != nil {
		b.wire.Stop()
	}
}

// signalContext ends on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
