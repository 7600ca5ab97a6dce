// Package desktop bridges the relay to the freedesktop notification service
// on the session bus: phone notifications are shown there, and desktop
// notifications are fed back out to connected accessories.
package desktop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/logger"
)

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsIface = "org.freedesktop.Notifications"

	// DeviceHint carries the address of the phone a notification came from
	DeviceHint = "x-ancsrelay-device"

	actionPositive = "positive"
	actionNegative = "negative"

	// NotificationClosed reason: dismissed by the user
	reasonDismissed = 2

	defaultShown = 512
	callTimeout  = 5 * time.Second
)

// Performer sends user actions back to the phone
type Performer interface {
	Perform(token ancs.ActionToken) bool
}

type notifyArgs struct {
	AppName  string
	Replaces uint32
	Summary  string
	Body     string
	Actions  []string
	Hints    map[string]dbus.Variant
}

// notifier is the subset of org.freedesktop.Notifications the renderer calls
type notifier interface {
	Notify(ctx context.Context, args notifyArgs) (uint32, error)
	CloseNotification(ctx context.Context, id uint32) error
}

type busNotifier struct {
	obj dbus.BusObject
}

func (b *busNotifier) Notify(ctx context.Context, a notifyArgs) (uint32, error) {
	var id uint32
	err := b.obj.CallWithContext(ctx, notificationsIface+".Notify", 0,
		a.AppName, a.Replaces, "", a.Summary, a.Body, a.Actions, a.Hints, int32(-1)).Store(&id)
	return id, err
}

func (b *busNotifier) CloseNotification(ctx context.Context, id uint32) error {
	return b.obj.CallWithContext(ctx, notificationsIface+".CloseNotification", 0, id).Err
}

type shownKey struct {
	device string
	uid    uint32
}

// shown is a rendered phone notification
type shown struct {
	key      shownKey
	positive *ancs.ActionToken
	negative *ancs.ActionToken
	onDelete *ancs.ActionToken
}

// Renderer shows phone notifications on the desktop. It implements
// ancs.Renderer.
type Renderer struct {
	notifier  notifier
	performer Performer

	mu    sync.Mutex
	ids   *lru.Cache // shownKey -> desktop id
	byID  *lru.Cache // desktop id -> *shown
	conn  *dbus.Conn
	rules []string
}

var _ ancs.Renderer = (*Renderer)(nil)

// NewRenderer connects to the session bus. Actions go to performer.
func NewRenderer(performer Performer) (*Renderer, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	r, err := newRenderer(&busNotifier{obj: conn.Object(notificationsName, notificationsPath)}, performer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.conn = conn
	return r, nil
}

func newRenderer(n notifier, performer Performer) (*Renderer, error) {
	r := &Renderer{notifier: n, performer: performer}
	var err error
	if r.ids, err = lru.New(defaultShown); err != nil {
		return nil, err
	}
	if r.byID, err = lru.New(defaultShown); err != nil {
		return nil, err
	}
	return r, nil
}

// SetPerformer replaces the action target
func (r *Renderer) SetPerformer(p Performer) {
	r.mu.Lock()
	r.performer = p
	r.mu.Unlock()
}

func (r *Renderer) Post(n *ancs.Notification) error {
	key := shownKey{n.Device, n.UID}
	s := &shown{key: key}
	args := notifyArgs{
		AppName: n.AppName,
		Summary: n.Title,
		Body:    strings.Join(n.Lines, "\n"),
		Actions: []string{},
		Hints: map[string]dbus.Variant{
			DeviceHint:      dbus.MakeVariant(n.Device),
			"desktop-entry": dbus.MakeVariant(n.AppID),
		},
	}
	if n.Important {
		args.Hints["urgency"] = dbus.MakeVariant(byte(2))
	}
	if n.Positive != nil {
		t := n.Positive.Token
		s.positive = &t
		args.Actions = append(args.Actions, actionPositive, n.Positive.Label)
	}
	if n.Negative != nil {
		t := n.Negative.Token
		s.negative = &t
		args.Actions = append(args.Actions, actionNegative, n.Negative.Label)
	}
	if n.DeleteToken != nil {
		t := *n.DeleteToken
		s.onDelete = &t
	}

	r.mu.Lock()
	if id, ok := r.ids.Get(key); ok {
		args.Replaces = id.(uint32)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	id, err := r.notifier.Notify(ctx, args)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	r.mu.Lock()
	r.ids.Add(key, id)
	r.byID.Add(id, s)
	r.mu.Unlock()
	logger.Debug("desktop", "uid %d from %s shown as %d", n.UID, n.Device, id)
	return nil
}

func (r *Renderer) Dismiss(device string, uid uint32) error {
	key := shownKey{device, uid}
	r.mu.Lock()
	v, ok := r.ids.Get(key)
	if ok {
		r.ids.Remove(key)
		r.byID.Remove(v)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return r.notifier.CloseNotification(ctx, v.(uint32))
}

// Listen turns ActionInvoked and NotificationClosed signals into phone
// actions until ctx ends
func (r *Renderer) Listen(ctx context.Context) error {
	if r.conn == nil {
		return fmt.Errorf("desktop: renderer has no bus connection")
	}
	r.rules = []string{
		"type='signal',interface='" + notificationsIface + "',member='ActionInvoked'",
		"type='signal',interface='" + notificationsIface + "',member='NotificationClosed'",
	}
	for _, rule := range r.rules {
		if err := r.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("add match: %w", err)
		}
	}
	signals := make(chan *dbus.Signal, 16)
	r.conn.Signal(signals)
	defer r.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			for _, rule := range r.rules {
				r.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
			}
			return nil
		case sig := <-signals:
			r.handleSignal(sig)
		}
	}
}

func (r *Renderer) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}

	switch sig.Name {
	case notificationsIface + ".ActionInvoked":
		action, _ := sig.Body[1].(string)
		r.mu.Lock()
		v, ok := r.byID.Get(id)
		performer := r.performer
		r.mu.Unlock()
		if !ok {
			return
		}
		s := v.(*shown)
		token := s.negative
		if action == actionPositive {
			token = s.positive
		}
		if token == nil {
			logger.Debug("desktop", "action %q on %d has no phone action", action, id)
			return
		}
		performer.Perform(*token)

	case notificationsIface + ".NotificationClosed":
		reason, _ := sig.Body[1].(uint32)
		r.mu.Lock()
		v, ok := r.byID.Get(id)
		if ok {
			s := v.(*shown)
			r.byID.Remove(id)
			r.ids.Remove(s.key)
		}
		performer := r.performer
		r.mu.Unlock()
		if !ok {
			return
		}
		if s := v.(*shown); reason == reasonDismissed && s.onDelete != nil {
			logger.Debug("desktop", "uid %d dismissed, clearing on phone", s.key.uid)
			performer.Perform(*s.onDelete)
		}
	}
}

// Close releases the session bus connection
func (r *Renderer) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
