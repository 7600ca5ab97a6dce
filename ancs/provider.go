package ancs

import (
	"fmt"
	"sync"

	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/gatt"
)

// ExternalNotification is a notification observed on this host
type ExternalNotification struct {
	Key      string
	AppID    string
	Title    string
	Subtitle string
	Message  string
	// Source is the address of the phone this notification was relayed
	// from, empty for notifications that originated locally.
	Source string
}

// Source is the upstream feed of locally observed notifications
type Source interface {
	Active() bool
	Lookup(key string) (ExternalNotification, bool)
}

// AppRegistry resolves app identifiers to display names
type AppRegistry interface {
	AppName(appID string) (string, error)
}

// Provider serves ANCS to connected accessories from a Source
type Provider struct {
	server *ble.Server
	source Source
	apps   AppRegistry

	mu       sync.Mutex
	keyToUID map[string]uint32
	uidToKey map[uint32]string
	lastUID  uint32
}

// NewProvider creates a provider emitting through server
func NewProvider(server *ble.Server, source Source, apps AppRegistry) *Provider {
	return &Provider{
		server:   server,
		source:   source,
		apps:     apps,
		keyToUID: make(map[string]uint32),
		uidToKey: make(map[uint32]string),
	}
}

// Service returns the ANCS service definition to host on the server
func (p *Provider) Service() *ble.ServerService {
	return &ble.ServerService{
		UUID: ServiceUUID,
		Characteristics: []*ble.ServerCharacteristic{
			{UUID: NotificationSourceUUID, Properties: gatt.PropNotify},
			{UUID: DataSourceUUID, Properties: gatt.PropNotify},
			{UUID: ControlPointUUID, Properties: gatt.PropWrite, OnWrite: p.handleControl},
		},
	}
}

// Posted announces a new or updated notification to every accessory
// except the one it was relayed from.
func (p *Provider) Posted(n ExternalNotification) error {
	p.mu.Lock()
	uid, update := p.keyToUID[n.Key]
	if !update {
		p.lastUID++
		uid = p.lastUID
		p.keyToUID[n.Key] = uid
		p.uidToKey[uid] = n.Key
	}
	p.mu.Unlock()

	event := NotificationEvent{EventID: EventAdded, UID: uid}
	if update {
		event.EventID = EventModified
	}
	logger.Debug("ancs-server", "posted %s -> %s", n.Key, event)
	return p.server.NotifyAll(NotificationSourceUUID, event.Marshal(), n.Source)
}

// Removed announces removal of a notification and forgets its UID
func (p *Provider) Removed(n ExternalNotification) error {
	p.mu.Lock()
	uid, ok := p.keyToUID[n.Key]
	if ok {
		delete(p.keyToUID, n.Key)
		delete(p.uidToKey, uid)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	event := NotificationEvent{EventID: EventRemoved, UID: uid}
	logger.Debug("ancs-server", "removed %s -> %s", n.Key, event)
	return p.server.NotifyAll(NotificationSourceUUID, event.Marshal(), n.Source)
}

// UID returns the UID assigned to a notification key
func (p *Provider) UID(key string) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid, ok := p.keyToUID[key]
	return uid, ok
}

func (p *Provider) handleControl(peer string, value []byte) {
	if len(value) == 0 {
		logger.Warn("ancs-server", "empty control point write from %s", peer)
		return
	}
	var err error
	switch value[0] {
	case CommandGetNotificationAttributes:
		var req *NotificationAttributeRequest
		if req, err = ParseNotificationAttributeRequest(value); err == nil {
			err = p.answerAttributes(peer, req)
		}
	case CommandGetAppAttributes:
		var req *AppAttributeRequest
		if req, err = ParseAppAttributeRequest(value); err == nil {
			err = p.answerAppAttributes(peer, req)
		}
	case CommandPerformNotificationAction:
		var action PerformAction
		if action, err = ParsePerformAction(value); err == nil {
			logger.Info("ancs-server", "%s requested %s action on uid %d, not supported", peer, action.Action, action.UID)
		}
	default:
		logger.Warn("ancs-server", "unknown command ID %d from %s", value[0], peer)
	}
	if err != nil {
		logger.Error("ancs-server", "error processing write from %s: %v", peer, err)
	}
}

func (p *Provider) answerAttributes(peer string, req *NotificationAttributeRequest) error {
	logger.Info("ancs-server", "notification attribute request from %s: uid %d, %d attributes", peer, req.UID, len(req.Attributes))
	if !p.source.Active() {
		logger.Warn("ancs-server", "notification source is not active, ignoring request")
		return nil
	}

	p.mu.Lock()
	key, ok := p.uidToKey[req.UID]
	p.mu.Unlock()
	if !ok {
		logger.Debug("ancs-server", "uid %d is not mapped", req.UID)
		return nil
	}
	n, ok := p.source.Lookup(key)
	if !ok {
		logger.Warn("ancs-server", "notification %s is gone", key)
		return nil
	}

	resp := &NotificationAttributeResponse{UID: req.UID}
	for _, a := range req.Attributes {
		var v string
		switch a.ID {
		case AttrAppIdentifier:
			v = n.AppID
		case AttrTitle:
			v = TruncateUTF8(n.Title, int(a.MaxLen))
		case AttrSubtitle:
			v = TruncateUTF8(n.Subtitle, int(a.MaxLen))
		case AttrMessage:
			v = TruncateUTF8(n.Message, int(a.MaxLen))
		case AttrPositiveActionLabel, AttrNegativeActionLabel:
		default:
			logger.Warn("ancs-server", "unknown attribute ID %d", a.ID)
		}
		resp.Attributes = append(resp.Attributes, Attribute{ID: a.ID, Value: v})
	}
	if err := p.server.Notify(peer, DataSourceUUID, resp.Marshal()); err != nil {
		return fmt.Errorf("notify data source: %w", err)
	}
	return nil
}

func (p *Provider) answerAppAttributes(peer string, req *AppAttributeRequest) error {
	logger.Info("ancs-server", "app attribute request from %s: %s", peer, req.AppID)
	name, err := p.apps.AppName(req.AppID)
	if err != nil {
		logger.Error("ancs-server", "failed to get app name for %s: %v", req.AppID, err)
		name = ""
	}
	resp := &AppAttributeResponse{
		AppID:      req.AppID,
		Attributes: []Attribute{{ID: AppAttrDisplayName, Value: name}},
	}
	if err := p.server.Notify(peer, DataSourceUUID, resp.Marshal()); err != nil {
		return fmt.Errorf("notify data source: %w", err)
	}
	return nil
}
