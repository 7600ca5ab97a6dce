package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/gatt"
)

var (
	BatteryServiceUUID = gatt.UUID16(0x180F)
	BatteryLevelUUID   = gatt.UUID16(0x2A19)
)

const batteryCapacity = 8

var errBatteryClosed = errors.New("battery: stream closed")

// battery follows the phone's Battery Service level
type battery struct {
	p        ble.Peripheral
	reporter Reporter
	timeout  time.Duration
	ch       *ble.Characteristic
	sub      *ble.Subscription[[]byte]
}

func newBattery(p ble.Peripheral, reporter Reporter, timeout time.Duration) (*battery, error) {
	ch, err := p.Characteristic(BatteryServiceUUID, BatteryLevelUUID)
	if err != nil {
		return nil, err
	}
	return &battery{p: p, reporter: reporter, timeout: timeout, ch: ch}, nil
}

// Start enables level notifications and reports the current level
func (b *battery) Start(ctx context.Context) error {
	b.sub = b.p.Subscribe(b.ch, batteryCapacity)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.p.SetNotification(ctx, b.ch, true); err != nil {
		b.sub.Close()
		return fmt.Errorf("enable battery level: %w", err)
	}
	value, err := b.p.ReadCharacteristic(ctx, b.ch)
	if err != nil {
		b.sub.Close()
		return fmt.Errorf("read battery level: %w", err)
	}
	b.report(value)
	return nil
}

func (b *battery) Run(ctx context.Context) error {
	defer b.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-b.sub.C:
			if !ok {
				return errBatteryClosed
			}
			b.report(v)
		}
	}
}

func (b *battery) report(value []byte) {
	if len(value) == 0 {
		logger.Debug("battery", "empty level from %s", b.p.Name())
		return
	}
	logger.Info("battery", "%s at %d%%", b.p.Name(), value[0])
	b.reporter.Battery(b.p.Address(), int(value[0]))
}
