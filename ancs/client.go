package ancs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
)

const (
	// StreamCapacity buffers notification and data source values
	StreamCapacity = 32
	// ActionCapacity buffers user-triggered actions
	ActionCapacity = 8

	DefaultEnableTimeout = 5 * time.Second

	TitleMaxLen    = 64
	SubtitleMaxLen = 64
	MessageMaxLen  = 256

	controlQueueSize = 32
)

// ErrStreamClosed means a characteristic stream ended while the client was running
var ErrStreamClosed = errors.New("ancs: stream closed")

// ActionToken identifies one action on one rendered notification
type ActionToken struct {
	Device string
	UID    uint32
	Action ActionID
}

// Action is a labelled button on a rendered notification
type Action struct {
	Label string
	Token ActionToken
}

// Notification is a phone notification ready for rendering
type Notification struct {
	Device        string
	UID           uint32
	AppID         string
	AppName       string
	Title         string
	OriginalTitle string
	Lines         []string
	Group         string
	SubText       string
	CategoryID    uint8
	Important     bool
	Positive      *Action
	Negative      *Action
	// DeleteToken is sent when the user dismisses the notification, if set
	DeleteToken *ActionToken
}

// Renderer shows phone notifications to the user
type Renderer interface {
	Post(n *Notification) error
	Dismiss(device string, uid uint32) error
}

// Client consumes a phone's ANCS over one connected peripheral
type Client struct {
	p        ble.Peripheral
	renderer Renderer
	names    *AppNameCache
	tag      string

	// EnableTimeout bounds enabling notifications during Start
	EnableTimeout time.Duration

	ns, cp, ds *ble.Characteristic
	nsSub      *ble.Subscription[[]byte]
	dsSub      *ble.Subscription[[]byte]

	// events is owned by the Run goroutine
	events map[uint32]NotificationEvent

	positive chan ActionToken
	negative chan ActionToken
	control  chan []byte
}

// NewClient resolves the ANCS characteristics on p
func NewClient(p ble.Peripheral, renderer Renderer, names *AppNameCache) (*Client, error) {
	c := &Client{
		p:             p,
		renderer:      renderer,
		names:         names,
		tag:           "ancs",
		EnableTimeout: DefaultEnableTimeout,
		events:        make(map[uint32]NotificationEvent),
		positive:      make(chan ActionToken, ActionCapacity),
		negative:      make(chan ActionToken, ActionCapacity),
		control:       make(chan []byte, controlQueueSize),
	}
	var err error
	if c.ns, err = p.Characteristic(ServiceUUID, NotificationSourceUUID); err != nil {
		return nil, err
	}
	if c.cp, err = p.Characteristic(ServiceUUID, ControlPointUUID); err != nil {
		return nil, err
	}
	if c.ds, err = p.Characteristic(ServiceUUID, DataSourceUUID); err != nil {
		return nil, err
	}
	return c, nil
}

// Start subscribes to the notification and data sources and enables their
// notifications at the phone.
func (c *Client) Start(ctx context.Context) error {
	c.nsSub = c.p.Subscribe(c.ns, StreamCapacity)
	c.dsSub = c.p.Subscribe(c.ds, StreamCapacity)

	ctx, cancel := context.WithTimeout(ctx, c.EnableTimeout)
	defer cancel()
	if err := c.p.SetNotification(ctx, c.ns, true); err != nil {
		c.unsubscribe()
		return fmt.Errorf("enable notification source: %w", err)
	}
	if err := c.p.SetNotification(ctx, c.ds, true); err != nil {
		c.unsubscribe()
		return fmt.Errorf("enable data source: %w", err)
	}
	logger.Info(c.tag, "ANCS enabled on %s", c.p.Name())
	return nil
}

func (c *Client) unsubscribe() {
	if c.nsSub != nil {
		c.nsSub.Close()
	}
	if c.dsSub != nil {
		c.dsSub.Close()
	}
}

// Perform queues a user action for the phone. It never blocks; a full
// queue drops the action.
func (c *Client) Perform(token ActionToken) bool {
	stream := c.negative
	if token.Action == ActionPositive {
		stream = c.positive
	}
	select {
	case stream <- token:
		return true
	default:
		logger.Warn(c.tag, "action queue full, dropping %s action for uid %d", token.Action, token.UID)
		return false
	}
}

// Run processes the phone's streams until ctx ends. Start must have
// succeeded first.
func (c *Client) Run(ctx context.Context) error {
	defer c.unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-c.nsSub.C:
			if !ok {
				return ErrStreamClosed
			}
			c.handleNotificationSource(ctx, v)
		case v, ok := <-c.dsSub.C:
			if !ok {
				return ErrStreamClosed
			}
			c.handleDataSource(ctx, v)
		case token := <-c.positive:
			c.perform(ctx, token)
		case token := <-c.negative:
			c.perform(ctx, token)
		}
	}
}

func (c *Client) perform(ctx context.Context, token ActionToken) {
	logger.Info(c.tag, "%s action for uid %d", token.Action, token.UID)
	c.send(ctx, PerformAction{UID: token.UID, Action: token.Action}.Marshal(), token.UID)
}

// send queues a control point write for uid. A full queue holds the stream
// loop until the writer catches up or ctx ends.
func (c *Client) send(ctx context.Context, data []byte, uid uint32) {
	select {
	case c.control <- data:
		return
	default:
	}
	logger.Debug(c.tag, "control point queue full, waiting to send command 0x%02x for uid %d", data[0], uid)
	select {
	case c.control <- data:
	case <-ctx.Done():
		logger.Warn(c.tag, "command 0x%02x for uid %d not sent: %v", data[0], uid, ctx.Err())
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.control:
			if err := c.p.WriteCharacteristic(ctx, c.cp, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(c.tag, "failed to write control point: %v", err)
			}
		}
	}
}

func (c *Client) handleNotificationSource(ctx context.Context, data []byte) {
	event, err := ParseNotificationEvent(data)
	if err != nil {
		logger.Error(c.tag, "%v", err)
		return
	}
	logger.Debug(c.tag, "%s silent=%v existing=%v", event, event.Flags.Silent(), event.Flags.PreExisting())

	switch event.EventID {
	case EventAdded, EventModified:
		if event.Flags.Silent() {
			return
		}
		req := &NotificationAttributeRequest{
			UID: event.UID,
			Attributes: []AttributeRequest{
				{ID: AttrAppIdentifier},
				{ID: AttrTitle, MaxLen: TitleMaxLen},
				{ID: AttrSubtitle, MaxLen: SubtitleMaxLen},
				{ID: AttrMessage, MaxLen: MessageMaxLen},
			},
		}
		if event.Flags.HasPositiveAction() {
			req.Attributes = append(req.Attributes, AttributeRequest{ID: AttrPositiveActionLabel})
		}
		if event.Flags.HasNegativeAction() {
			req.Attributes = append(req.Attributes, AttributeRequest{ID: AttrNegativeActionLabel})
		}
		c.events[event.UID] = event
		c.send(ctx, req.Marshal(), event.UID)
	case EventRemoved:
		if err := c.renderer.Dismiss(c.p.Address(), event.UID); err != nil {
			logger.Warn(c.tag, "dismiss uid %d: %v", event.UID, err)
		}
	default:
		logger.Debug(c.tag, "ignoring event %s", event.EventID)
	}
}

func (c *Client) handleDataSource(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case CommandGetNotificationAttributes:
		resp, err := ParseNotificationAttributeResponse(data)
		if err != nil {
			logger.Error(c.tag, "%v", err)
			return
		}
		c.handleAttributes(ctx, resp)
	case CommandGetAppAttributes:
		resp, err := ParseAppAttributeResponse(data)
		if err != nil {
			logger.Error(c.tag, "%v", err)
			return
		}
		c.handleAppAttributes(resp)
	default:
		logger.Warn(c.tag, "unknown data source command 0x%02x", data[0])
	}
}

func (c *Client) handleAttributes(ctx context.Context, resp *NotificationAttributeResponse) {
	event, hadEvent := c.events[resp.UID]
	delete(c.events, resp.UID)

	appID, okApp := resp.Get(AttrAppIdentifier)
	title, okTitle := resp.Get(AttrTitle)
	if !okApp || !okTitle {
		logger.Debug(c.tag, "uid %d: response without app id or title", resp.UID)
		return
	}

	n := &Notification{
		Device:        c.p.Address(),
		UID:           resp.UID,
		AppID:         appID,
		OriginalTitle: title,
		Group:         appID,
		SubText:       c.p.Name(),
	}
	if hadEvent {
		n.CategoryID = event.CategoryID
		n.Important = event.Flags.Important()
	}
	for _, id := range []AttributeID{AttrSubtitle, AttrMessage} {
		if line, ok := resp.Get(id); ok && strings.TrimSpace(line) != "" {
			n.Lines = append(n.Lines, line)
		}
	}
	if label, ok := resp.Get(AttrPositiveActionLabel); ok {
		n.Positive = &Action{Label: label, Token: ActionToken{Device: n.Device, UID: n.UID, Action: ActionPositive}}
	}
	if label, ok := resp.Get(AttrNegativeActionLabel); ok {
		n.Negative = &Action{Label: label, Token: ActionToken{Device: n.Device, UID: n.UID, Action: ActionNegative}}
		if IsClearAction(label) {
			token := n.Negative.Token
			n.DeleteToken = &token
		}
	}

	if name, ok := c.names.NameOrPark(appID, n); ok {
		c.post(n, name)
		return
	}
	logger.Info(c.tag, "app %s not in cache, requesting", appID)
	c.send(ctx, (&AppAttributeRequest{AppID: appID, Attributes: []AttributeID{AppAttrDisplayName}}).Marshal(), resp.UID)
}

func (c *Client) handleAppAttributes(resp *AppAttributeResponse) {
	name, ok := resp.DisplayName()
	if !ok {
		return
	}
	logger.Info(c.tag, "app %s is %q", resp.AppID, name)
	for _, n := range c.names.Resolve(resp.AppID, name) {
		c.post(n, name)
	}
}

func (c *Client) post(n *Notification, appName string) {
	n.AppName = appName
	n.Title = appName + " | " + n.OriginalTitle
	if err := c.renderer.Post(n); err != nil {
		logger.Error(c.tag, "failed to post uid %d: %v", n.UID, err)
	}
}
