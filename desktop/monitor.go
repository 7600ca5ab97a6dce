package desktop

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/user/ancsrelay/ancs"
	"github.com/user/ancsrelay/logger"
)

const (
	pendingCalls = 64
	knownApps    = 256
)

// observed is a notification seen on the bus, waiting for its id
type observed struct {
	n       ancs.ExternalNotification
	appName string
}

// Sink receives desktop notifications as they come and go
type Sink interface {
	Posted(n ancs.ExternalNotification) error
	Removed(n ancs.ExternalNotification) error
}

// Monitor watches the session bus for notifications posted by any desktop
// application and feeds them to a Sink. It also serves as the app registry
// for the names it has seen.
type Monitor struct {
	source *ancs.MemorySource
	sink   Sink

	mu      sync.Mutex
	pending *lru.Cache // sender/serial of a Notify call -> observed
	apps    *lru.Cache // app id -> display name
}

var _ ancs.AppRegistry = (*Monitor)(nil)

// NewMonitor stores observed notifications in source and reports them to sink
func NewMonitor(source *ancs.MemorySource, sink Sink) (*Monitor, error) {
	m := &Monitor{source: source, sink: sink}
	var err error
	if m.pending, err = lru.New(pendingCalls); err != nil {
		return nil, err
	}
	if m.apps, err = lru.New(knownApps); err != nil {
		return nil, err
	}
	return m, nil
}

// SetSink replaces the sink
func (m *Monitor) SetSink(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// AppName returns the name an app used when posting
func (m *Monitor) AppName(appID string) (string, error) {
	if v, ok := m.apps.Get(appID); ok {
		return v.(string), nil
	}
	return "", &ancs.UnknownAppError{AppID: appID}
}

// Run becomes a bus monitor on a private session bus connection and
// processes Notify calls, their replies and NotificationClosed signals
// until ctx ends
func (m *Monitor) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	defer conn.Close()

	rules := []string{
		"type='method_call',interface='" + notificationsIface + "',member='Notify'",
		"type='method_return'",
		"type='signal',interface='" + notificationsIface + "',member='NotificationClosed'",
	}
	err = conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, rules, uint32(0)).Err
	if err != nil {
		return fmt.Errorf("become monitor: %w", err)
	}
	messages := make(chan *dbus.Message, 64)
	conn.Eavesdrop(messages)

	m.source.SetActive(true)
	defer m.source.SetActive(false)
	logger.Info("desktop", "watching desktop notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("desktop: session bus closed")
			}
			m.handle(msg)
		}
	}
}

func header(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch s := v.Value().(type) {
	case string:
		return s
	case dbus.ObjectPath:
		return string(s)
	}
	return ""
}

func callKey(peer string, serial uint32) string {
	return peer + "/" + strconv.FormatUint(uint64(serial), 10)
}

func (m *Monitor) handle(msg *dbus.Message) {
	switch msg.Type {
	case dbus.TypeMethodCall:
		if header(msg, dbus.FieldInterface) != notificationsIface || header(msg, dbus.FieldMember) != "Notify" {
			return
		}
		o, replaces, ok := parseNotify(msg.Body)
		if !ok {
			return
		}
		if replaces != 0 {
			o.n.Key = strconv.FormatUint(uint64(replaces), 10)
		}
		m.pending.Add(callKey(header(msg, dbus.FieldSender), msg.Serial()), o)

	case dbus.TypeMethodReply:
		v, ok := msg.Headers[dbus.FieldReplySerial]
		if !ok {
			return
		}
		serial, _ := v.Value().(uint32)
		key := callKey(header(msg, dbus.FieldDestination), serial)
		p, ok := m.pending.Get(key)
		if !ok {
			return
		}
		m.pending.Remove(key)
		o := p.(observed)
		if o.n.Key == "" {
			if len(msg.Body) == 0 {
				return
			}
			id, ok := msg.Body[0].(uint32)
			if !ok {
				return
			}
			o.n.Key = strconv.FormatUint(uint64(id), 10)
		}
		m.posted(o)

	case dbus.TypeSignal:
		if header(msg, dbus.FieldInterface) != notificationsIface || header(msg, dbus.FieldMember) != "NotificationClosed" {
			return
		}
		if len(msg.Body) == 0 {
			return
		}
		id, ok := msg.Body[0].(uint32)
		if !ok {
			return
		}
		m.removed(strconv.FormatUint(uint64(id), 10))
	}
}

// parseNotify reads Notify(app_name, replaces_id, app_icon, summary, body,
// actions, hints, expire_timeout)
func parseNotify(body []interface{}) (observed, uint32, bool) {
	if len(body) < 7 {
		return observed{}, 0, false
	}
	appName, _ := body[0].(string)
	replaces, _ := body[1].(uint32)
	summary, _ := body[3].(string)
	text, _ := body[4].(string)
	hints, _ := body[6].(map[string]dbus.Variant)

	n := ancs.ExternalNotification{
		AppID:   appName,
		Title:   summary,
		Message: text,
	}
	if v, ok := hints["desktop-entry"]; ok {
		if entry, _ := v.Value().(string); entry != "" {
			n.AppID = entry
		}
	}
	if v, ok := hints[DeviceHint]; ok {
		n.Source, _ = v.Value().(string)
	}
	if n.AppID == "" {
		n.AppID = "unknown"
	}
	if appName == "" {
		appName = n.AppID
	}
	return observed{n: n, appName: appName}, replaces, true
}

func (m *Monitor) posted(o observed) {
	n := o.n
	m.apps.Add(n.AppID, o.appName)
	m.source.Put(n)

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	logger.Debug("desktop", "notification %s from %s", n.Key, n.AppID)
	if err := sink.Posted(n); err != nil {
		logger.Warn("desktop", "forward %s: %v", n.Key, err)
	}
}

func (m *Monitor) removed(key string) {
	n, ok := m.source.Delete(key)
	if !ok {
		return
	}
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Removed(n); err != nil {
		logger.Warn("desktop", "forward removal of %s: %v", key, err)
	}
}
