// Package supervisor keeps the relay connected to the configured phone:
// connect, negotiate, bring up Battery, ANCS and AMS, wait for the link to
// fail, back off and try again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/user/ancsrelay/ams"
	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
)

// ErrDisconnected ends an attempt whose link dropped
var ErrDisconnected = errors.New("supervisor: disconnected")

// Dialer opens a platform GATT handle for a device address
type Dialer interface {
	Dial(addr string) (ble.Gatt, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(addr string) (ble.Gatt, error)

func (f DialerFunc) Dial(addr string) (ble.Gatt, error) { return f(addr) }

// Reporter is the user-facing status surface
type Reporter interface {
	Battery(device string, level int)
	ConnectionState(device, state string)
	Error(err error)
}

// Supervisor owns the connection to one phone at a time
type Supervisor struct {
	cfg      Config
	dialer   Dialer
	renderer ancs.Renderer
	names    *ancs.AppNameCache
	media    ams.Publisher
	reporter Reporter

	interrupt chan struct{}

	mu      sync.Mutex
	ancs    *ancs.Client
	ams     *ams.Client
	current string
}

// New creates a supervisor. names outlives attempts so app names learnt on
// one connection are reused on the next.
func New(cfg Config, dialer Dialer, renderer ancs.Renderer, names *ancs.AppNameCache, media ams.Publisher, reporter Reporter) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		dialer:    dialer,
		renderer:  renderer,
		names:     names,
		media:     media,
		reporter:  reporter,
		interrupt: make(chan struct{}, 1),
	}
}

// Interrupt ends the current attempt; the supervisor retries after the
// usual delay. Used when the phone's bond changes. An interrupt raised
// between attempts is discarded.
func (s *Supervisor) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// Device returns the address of the phone of the running attempt
func (s *Supervisor) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Perform forwards a notification action to the phone it belongs to
func (s *Supervisor) Perform(token ancs.ActionToken) bool {
	s.mu.Lock()
	c, current := s.ancs, s.current
	s.mu.Unlock()
	if c == nil || token.Device != current {
		logger.Warn("supervisor", "%s action for %s dropped, not connected", token.Action, token.Device)
		return false
	}
	return c.Perform(token)
}

// Command forwards a media command to the connected phone
func (s *Supervisor) Command(cmd ams.Command) bool {
	s.mu.Lock()
	c := s.ams
	s.mu.Unlock()
	if c == nil {
		logger.Warn("supervisor", "%s dropped, no media service", cmd)
		return false
	}
	return c.Send(cmd)
}

func (s *Supervisor) setClients(addr string, a *ancs.Client, m *ams.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current, s.ancs, s.ams = addr, a, m
}

// Run retries forever until ctx ends. A value on changes replaces the
// device and restarts the attempt at once; "" means no device.
func (s *Supervisor) Run(ctx context.Context, addr string, changes <-chan string) error {
	for {
		if addr == "" {
			logger.Info("supervisor", "no device configured, waiting")
			select {
			case <-ctx.Done():
				return nil
			case addr = <-changes:
				continue
			}
		}

		// only interrupts raised during this attempt count
		select {
		case <-s.interrupt:
		default:
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		var next string
		reconfigured := false
		stopWatch := make(chan struct{})
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			select {
			case next = <-changes:
				reconfigured = true
				cancel()
			case <-s.interrupt:
				logger.Info("supervisor", "interrupted")
				cancel()
			case <-stopWatch:
			}
		}()

		err := s.attempt(attemptCtx, addr)
		close(stopWatch)
		<-watchDone
		cancel()

		if ctx.Err() != nil {
			logger.Info("supervisor", "stopped")
			return nil
		}
		if reconfigured {
			logger.Info("supervisor", "device changed to %q", next)
			addr = next
			continue
		}
		if err != nil {
			logger.Error("supervisor", "%s: %v", addr, err)
			if !errors.Is(err, ErrDisconnected) {
				s.reporter.Error(err)
			}
		}

		logger.Info("supervisor", "retrying in %s", s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case addr = <-changes:
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// attempt runs one connection from dial to teardown
func (s *Supervisor) attempt(ctx context.Context, addr string) error {
	g, err := s.dialer.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	link := ble.NewLink(g)
	defer link.Close()

	s.reporter.ConnectionState(addr, ble.StateConnecting.String())
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err = link.Connect(connectCtx)
	cancel()
	if err != nil {
		s.reporter.ConnectionState(addr, ble.StateDisconnected.String())
		return fmt.Errorf("connect: %w", err)
	}
	defer s.reporter.ConnectionState(addr, ble.StateDisconnected.String())
	s.reporter.ConnectionState(addr, ble.StateConnected.String())

	if err := s.bringUp(ctx, link); err != nil {
		return err
	}

	scope, cancelScope := context.WithCancel(ctx)
	defer cancelScope()
	fatal := make(chan error, 3)
	var wg sync.WaitGroup
	launch := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("supervisor", "%s panicked: %v\n%s", name, r, debug.Stack())
					fatal <- fmt.Errorf("%s: panic: %v", name, r)
				}
			}()
			if err := run(scope); err != nil {
				fatal <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	s.names.DropPending()
	if b := s.startBattery(scope, link); b != nil {
		launch("battery", b.Run)
	}
	a := s.startANCS(scope, link)
	if a != nil {
		launch("ancs", a.Run)
	}
	m := s.startAMS(scope, link)
	if m != nil {
		launch("ams", m.Run)
	}
	s.setClients(addr, a, m)
	logger.Info("supervisor", "setup complete for %s", link.Name())

	var result error
	select {
	case result = <-fatal:
	case <-link.Disconnected():
		logger.Info("supervisor", "disconnected from %s", link.Name())
		result = ErrDisconnected
	case <-ctx.Done():
	}

	cancelScope()
	wg.Wait()
	s.setClients("", nil, nil)
	return result
}

// bringUp negotiates the MTU and discovers services
func (s *Supervisor) bringUp(ctx context.Context, link *ble.Link) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BringUpTimeout)
	defer cancel()
	mtu, err := link.RequestMTU(ctx, s.cfg.MTU)
	if err != nil {
		logger.Warn("supervisor", "MTU request failed: %v", err)
	} else {
		logger.Debug("supervisor", "MTU %d", mtu)
	}
	if err := link.DiscoverServices(ctx); err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	return nil
}

func (s *Supervisor) startBattery(ctx context.Context, link *ble.Link) *battery {
	b, err := newBattery(link, s.reporter, s.cfg.BatteryTimeout)
	if err != nil {
		logger.Info("supervisor", "no battery service: %v", err)
		return nil
	}
	if err := b.Start(ctx); err != nil {
		logger.Warn("supervisor", "battery: %v", err)
		return nil
	}
	return b
}

func (s *Supervisor) startANCS(ctx context.Context, link *ble.Link) *ancs.Client {
	c, err := ancs.NewClient(link, s.renderer, s.names)
	if err != nil {
		logger.Warn("supervisor", "no ANCS: %v", err)
		return nil
	}
	c.EnableTimeout = s.cfg.ANCSTimeout
	if err := c.Start(ctx); err != nil {
		logger.Error("supervisor", "ANCS: %v", err)
		s.reporter.Error(err)
		return nil
	}
	return c
}

func (s *Supervisor) startAMS(ctx context.Context, link *ble.Link) *ams.Client {
	c, err := ams.NewClient(link, s.media)
	if err != nil {
		logger.Info("supervisor", "no AMS: %v", err)
		return nil
	}
	c.Timeout = s.cfg.AMSTimeout
	if err := c.Start(ctx); err != nil {
		logger.Warn("supervisor", "AMS: %v", err)
		return nil
	}
	return c
}
