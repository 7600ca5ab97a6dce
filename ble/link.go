package ble

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// Peripheral is what protocol clients need from a connected link
type Peripheral interface {
	Address() string
	Name() string
	Characteristic(service, char uuid.UUID) (*Characteristic, error)
	Subscribe(ch *Characteristic, capacity int) *Subscription[[]byte]
	SetNotification(ctx context.Context, ch *Characteristic, enabled bool) error
	ReadCharacteristic(ctx context.Context, ch *Characteristic) ([]byte, error)
	WriteCharacteristic(ctx context.Context, ch *Characteristic, value []byte) error
}

// Link turns a callback-driven Gatt into blocking operations. Each operation
// installs a waiter in its slot and the matching callback resolves it:
//   - one write waiter per characteristic; a new write force-completes the old one
//   - a FIFO of read waiters per characteristic
//   - one descriptor-write waiter per characteristic
//   - one waiter each for connect, MTU and discovery (callers serialize)
//
// A caller whose context ends abandons its waiter; a late callback then
// resolves nothing.
type Link struct {
	gatt Gatt
	tag  string

	mtuSlot      chan struct{}
	discoverSlot chan struct{}

	mu           sync.Mutex
	state        ConnectionState
	disconnected chan struct{}
	chars        map[charKey]*Characteristic
	connectW     *waiter[struct{}]
	discoverW    *waiter[struct{}]
	mtuW         *waiter[int]
	reads        map[charKey][]*waiter[[]byte]
	writes       map[charKey]*waiter[struct{}]
	descWrites   map[charKey]*waiter[struct{}]
	streams      map[charKey]*Multicast[[]byte]
	states       *Multicast[ConnectionState]
}

var _ Peripheral = (*Link)(nil)

// NewLink wraps a platform connection handle
func NewLink(g Gatt) *Link {
	closed := make(chan struct{})
	close(closed)
	return &Link{
		gatt:         g,
		tag:          shortAddr(g.Address()) + " Link",
		mtuSlot:      make(chan struct{}, 1),
		discoverSlot: make(chan struct{}, 1),
		disconnected: closed,
		chars:        make(map[charKey]*Characteristic),
		reads:        make(map[charKey][]*waiter[[]byte]),
		writes:       make(map[charKey]*waiter[struct{}]),
		descWrites:   make(map[charKey]*waiter[struct{}]),
		streams:      make(map[charKey]*Multicast[[]byte]),
		states:       NewMulticast[ConnectionState]("link state"),
	}
}

func (l *Link) Address() string { return l.gatt.Address() }
func (l *Link) Name() string    { return l.gatt.Name() }

// State returns the current connection state
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Disconnected is closed once the current connection drops
func (l *Link) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

// States subscribes to connection state changes
func (l *Link) States(capacity int) *Subscription[ConnectionState] {
	return l.states.Subscribe(capacity)
}

func (l *Link) setStateLocked(s ConnectionState) {
	if l.state == s {
		return
	}
	l.state = s
	l.states.Publish(s)
}

// Connect opens the connection; ctx bounds the whole attempt.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return ErrIllegalState
	}
	w := newWaiter[struct{}]()
	l.connectW = w
	l.disconnected = make(chan struct{})
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	logger.Info(l.tag, "connecting")
	if err := l.gatt.Connect(l); err != nil {
		l.connectFailed(w)
		return &ConnectionError{Status: StatusFailure, Err: err}
	}

	if _, err := w.wait(ctx); err != nil {
		l.connectFailed(w)
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		l.gatt.Disconnect()
		return ctxErr("connect", err)
	}
	logger.Info(l.tag, "connected")
	return nil
}

func (l *Link) connectFailed(w *waiter[struct{}]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectW == w {
		l.connectW = nil
		l.dropLocked(&ConnectionError{Status: StatusFailure})
	}
}

// requireConnected returns ErrIllegalState unless connected
func (l *Link) requireConnectedLocked() error {
	if l.state != StateConnected && l.state != StateServicesDiscovered {
		return ErrIllegalState
	}
	return nil
}

func acquire(ctx context.Context, slot chan struct{}, op string) error {
	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctxErr(op, ctx.Err())
	}
}

// RequestMTU negotiates the ATT MTU and returns the value the peer settled on
func (l *Link) RequestMTU(ctx context.Context, mtu int) (int, error) {
	if err := acquire(ctx, l.mtuSlot, "mtu"); err != nil {
		return 0, err
	}
	defer func() { <-l.mtuSlot }()

	l.mu.Lock()
	if err := l.requireConnectedLocked(); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	w := newWaiter[int]()
	l.mtuW = w
	l.mu.Unlock()

	if err := l.gatt.RequestMTU(mtu); err != nil {
		l.clearMTU(w)
		return 0, &OperationError{Op: "mtu", Status: StatusFailure, Err: err}
	}
	got, err := w.wait(ctx)
	if err != nil {
		l.clearMTU(w)
		return 0, ctxErr("mtu", err)
	}
	logger.Debug(l.tag, "mtu %d", got)
	return got, nil
}

func (l *Link) clearMTU(w *waiter[int]) {
	l.mu.Lock()
	if l.mtuW == w {
		l.mtuW = nil
	}
	l.mu.Unlock()
}

// DiscoverServices runs discovery and fills the characteristic table
func (l *Link) DiscoverServices(ctx context.Context) error {
	if err := acquire(ctx, l.discoverSlot, "discover services"); err != nil {
		return err
	}
	defer func() { <-l.discoverSlot }()

	l.mu.Lock()
	if err := l.requireConnectedLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	w := newWaiter[struct{}]()
	l.discoverW = w
	l.mu.Unlock()

	if err := l.gatt.DiscoverServices(); err != nil {
		l.clearDiscover(w)
		return &OperationError{Op: "discover services", Status: StatusFailure, Err: err}
	}
	if _, err := w.wait(ctx); err != nil {
		l.clearDiscover(w)
		return ctxErr("discover services", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireConnectedLocked(); err != nil {
		return err
	}
	l.chars = make(map[charKey]*Characteristic)
	for _, ch := range l.gatt.Characteristics() {
		l.chars[ch.key()] = ch
	}
	l.setStateLocked(StateServicesDiscovered)
	logger.Debug(l.tag, "discovered %d characteristics", len(l.chars))
	return nil
}

func (l *Link) clearDiscover(w *waiter[struct{}]) {
	l.mu.Lock()
	if l.discoverW == w {
		l.discoverW = nil
	}
	l.mu.Unlock()
}

// Characteristic looks a discovered characteristic up
func (l *Link) Characteristic(service, char uuid.UUID) (*Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateServicesDiscovered {
		return nil, ErrIllegalState
	}
	ch, ok := l.chars[charKey{service, char}]
	if !ok {
		return nil, &ServiceNotFoundError{Service: service, Characteristic: char}
	}
	return ch, nil
}

// HasService reports whether any discovered characteristic belongs to service
func (l *Link) HasService(service uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.chars {
		if k.service == service {
			return true
		}
	}
	return false
}

// ReadCharacteristic reads a value. Concurrent reads of one characteristic
// are answered in issue order.
func (l *Link) ReadCharacteristic(ctx context.Context, ch *Characteristic) ([]byte, error) {
	k := ch.key()
	l.mu.Lock()
	if err := l.requireConnectedLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	w := newWaiter[[]byte]()
	l.reads[k] = append(l.reads[k], w)
	l.mu.Unlock()

	if err := l.gatt.ReadCharacteristic(ch); err != nil {
		l.removeRead(k, w)
		return nil, &OperationError{Op: "read " + ch.String(), Status: StatusFailure, Err: err}
	}
	v, err := w.wait(ctx)
	if err != nil {
		l.removeRead(k, w)
		return nil, ctxErr("read "+ch.String(), err)
	}
	return v, nil
}

func (l *Link) removeRead(k charKey, w *waiter[[]byte]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.reads[k]
	for i, x := range q {
		if x == w {
			l.reads[k] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(l.reads[k]) == 0 {
		delete(l.reads, k)
	}
}

// WriteCharacteristic writes a value with response. Issuing a second write
// before the first resolves completes the first one as if it had succeeded.
func (l *Link) WriteCharacteristic(ctx context.Context, ch *Characteristic, value []byte) error {
	k := ch.key()
	l.mu.Lock()
	if err := l.requireConnectedLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	w := newWaiter[struct{}]()
	if stale := l.writes[k]; stale != nil {
		logger.Debug(l.tag, "write to %s re-issued before completion", ch)
		stale.complete(struct{}{}, nil)
	}
	l.writes[k] = w
	l.mu.Unlock()

	logger.Trace(l.tag, "write %s: % x", ch, value)
	if err := l.gatt.WriteCharacteristic(ch, value); err != nil {
		l.clearSlot(l.writes, k, w)
		return &OperationError{Op: "write " + ch.String(), Status: StatusFailure, Err: err}
	}
	if _, err := w.wait(ctx); err != nil {
		l.clearSlot(l.writes, k, w)
		return ctxErr("write "+ch.String(), err)
	}
	return nil
}

// SetNotification turns notifications for ch on or off at the peer by
// writing its CCCD. Values only reach Subscribe streams once enabled.
func (l *Link) SetNotification(ctx context.Context, ch *Characteristic, enabled bool) error {
	k := ch.key()
	l.mu.Lock()
	if err := l.requireConnectedLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	w := newWaiter[struct{}]()
	if stale := l.descWrites[k]; stale != nil {
		stale.complete(struct{}{}, nil)
	}
	l.descWrites[k] = w
	l.mu.Unlock()

	op := "enable notifications on " + ch.String()
	if !enabled {
		op = "disable notifications on " + ch.String()
	}
	if err := l.gatt.SetCharacteristicNotification(ch, enabled); err != nil {
		l.clearSlot(l.descWrites, k, w)
		return &OperationError{Op: op, Status: StatusFailure, Err: err}
	}
	if err := l.gatt.WriteDescriptor(ch, CCCD, gatt.EncodeCCCDValue(enabled, false)); err != nil {
		l.clearSlot(l.descWrites, k, w)
		return &OperationError{Op: op, Status: StatusFailure, Err: err}
	}
	if _, err := w.wait(ctx); err != nil {
		l.clearSlot(l.descWrites, k, w)
		return ctxErr(op, err)
	}
	return nil
}

func (l *Link) clearSlot(slots map[charKey]*waiter[struct{}], k charKey, w *waiter[struct{}]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slots[k] == w {
		delete(slots, k)
	}
}

// Subscribe returns a stream of notified values for ch. It does not touch
// the peer's CCCD; see SetNotification.
func (l *Link) Subscribe(ch *Characteristic, capacity int) *Subscription[[]byte] {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.streams[ch.key()]
	if !ok {
		m = NewMulticast[[]byte](ch.String())
		l.streams[ch.key()] = m
	}
	return m.Subscribe(capacity)
}

// Close drops the connection and ends every stream
func (l *Link) Close() error {
	l.gatt.Disconnect()
	err := l.gatt.Close()

	l.mu.Lock()
	l.dropLocked(&ConnectionError{Status: StatusFailure, Err: errors.New("link closed")})
	for k, m := range l.streams {
		m.Close()
		delete(l.streams, k)
	}
	l.mu.Unlock()
	l.states.Close()
	return err
}

// dropLocked moves to Disconnected and fails every pending waiter
func (l *Link) dropLocked(err error) {
	if l.connectW != nil {
		l.connectW.complete(struct{}{}, err)
		l.connectW = nil
	}
	if l.discoverW != nil {
		l.discoverW.complete(struct{}{}, err)
		l.discoverW = nil
	}
	if l.mtuW != nil {
		l.mtuW.complete(0, err)
		l.mtuW = nil
	}
	for k, q := range l.reads {
		for _, w := range q {
			w.complete(nil, err)
		}
		delete(l.reads, k)
	}
	for k, w := range l.writes {
		w.complete(struct{}{}, err)
		delete(l.writes, k)
	}
	for k, w := range l.descWrites {
		w.complete(struct{}{}, err)
		delete(l.descWrites, k)
	}
	select {
	case <-l.disconnected:
	default:
		close(l.disconnected)
	}
	l.setStateLocked(StateDisconnected)
}

// GattCallback

func (l *Link) OnConnectionStateChange(status int, state ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state == StateConnected && status == StatusSuccess {
		if l.state != StateConnecting {
			return
		}
		l.setStateLocked(StateConnected)
		if l.connectW != nil {
			l.connectW.complete(struct{}{}, nil)
			l.connectW = nil
		}
		return
	}

	if l.state == StateDisconnected {
		return
	}
	logger.Info(l.tag, "disconnected (%s)", stateStatus(status))
	l.dropLocked(&ConnectionError{Status: status})
}

func stateStatus(status int) string {
	if status == StatusSuccess {
		return "by request"
	}
	return att.StatusName(status)
}

func (l *Link) OnServicesDiscovered(status int) {
	l.mu.Lock()
	w := l.discoverW
	l.discoverW = nil
	l.mu.Unlock()
	if w == nil {
		return
	}
	if status != StatusSuccess {
		w.complete(struct{}{}, &OperationError{Op: "discover services", Status: status})
		return
	}
	w.complete(struct{}{}, nil)
}

func (l *Link) OnMTUChanged(mtu int, status int) {
	l.mu.Lock()
	w := l.mtuW
	l.mtuW = nil
	l.mu.Unlock()
	if w == nil {
		return
	}
	if status != StatusSuccess {
		w.complete(0, &OperationError{Op: "mtu", Status: status})
		return
	}
	w.complete(mtu, nil)
}

func (l *Link) OnCharacteristicRead(ch *Characteristic, value []byte, status int) {
	k := ch.key()
	l.mu.Lock()
	q := l.reads[k]
	if len(q) == 0 {
		l.mu.Unlock()
		logger.Debug(l.tag, "late read result for %s discarded", ch)
		return
	}
	w := q[0]
	if len(q) == 1 {
		delete(l.reads, k)
	} else {
		l.reads[k] = q[1:]
	}
	l.mu.Unlock()

	if status != StatusSuccess {
		w.complete(nil, &OperationError{Op: "read " + ch.String(), Status: status})
		return
	}
	w.complete(append([]byte{}, value...), nil)
}

func (l *Link) OnCharacteristicWrite(ch *Characteristic, status int) {
	l.resolve(l.writes, ch, status, "write ")
}

func (l *Link) OnDescriptorWrite(ch *Characteristic, descriptor uuid.UUID, status int) {
	if descriptor != CCCD {
		return
	}
	l.resolve(l.descWrites, ch, status, "configure notifications on ")
}

func (l *Link) resolve(slots map[charKey]*waiter[struct{}], ch *Characteristic, status int, op string) {
	k := ch.key()
	l.mu.Lock()
	w := slots[k]
	delete(slots, k)
	l.mu.Unlock()
	if w == nil {
		logger.Debug(l.tag, "late %sresult for %s discarded", op, ch)
		return
	}
	if status != StatusSuccess {
		w.complete(struct{}{}, &OperationError{Op: op + ch.String(), Status: status})
		return
	}
	w.complete(struct{}{}, nil)
}

func (l *Link) OnCharacteristicChanged(ch *Characteristic, value []byte) {
	l.mu.Lock()
	m := l.streams[ch.key()]
	l.mu.Unlock()
	logger.Trace(l.tag, "notify %s: % x", ch, value)
	if m != nil {
		m.Publish(append([]byte{}, value...))
	}
}
