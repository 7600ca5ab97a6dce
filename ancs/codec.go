// Package ancs implements the Apple Notification Center Service in both
// roles: Client consumes a phone's notifications over a ble.Peripheral and
// Provider serves locally observed notifications from a ble.Server.
package ancs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
)

var (
	ServiceUUID            = uuid.MustParse("7905F431-B5CE-4E99-A40F-4B1E122D00D0")
	NotificationSourceUUID = uuid.MustParse("9FBF120D-6301-42D9-8C58-25E699A21DBD")
	ControlPointUUID       = uuid.MustParse("69D1D8F3-45E1-49A8-9821-9BBDFDAAD9D9")
	DataSourceUUID         = uuid.MustParse("22EAC6E9-24D6-4BB5-BE44-B36ACE7C7BFB")
)

// EventID is the kind of a notification source event
type EventID uint8

const (
	EventAdded    EventID = 0
	EventModified EventID = 1
	EventRemoved  EventID = 2
)

func (e EventID) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// EventFlags is the flag byte of a notification source event
type EventFlags uint8

const (
	FlagSilent         EventFlags = 1 << 0
	FlagImportant      EventFlags = 1 << 1
	FlagPreExisting    EventFlags = 1 << 2
	FlagPositiveAction EventFlags = 1 << 3
	FlagNegativeAction EventFlags = 1 << 4
)

func (f EventFlags) Silent() bool            { return f&FlagSilent != 0 }
func (f EventFlags) Important() bool         { return f&FlagImportant != 0 }
func (f EventFlags) PreExisting() bool       { return f&FlagPreExisting != 0 }
func (f EventFlags) HasPositiveAction() bool { return f&FlagPositiveAction != 0 }
func (f EventFlags) HasNegativeAction() bool { return f&FlagNegativeAction != 0 }

// Category IDs
const (
	CategoryOther              uint8 = 0
	CategoryIncomingCall       uint8 = 1
	CategoryMissedCall         uint8 = 2
	CategoryVoicemail          uint8 = 3
	CategorySocial             uint8 = 4
	CategorySchedule           uint8 = 5
	CategoryEmail              uint8 = 6
	CategoryNews               uint8 = 7
	CategoryHealthAndFitness   uint8 = 8
	CategoryBusinessAndFinance uint8 = 9
	CategoryLocation           uint8 = 10
	CategoryEntertainment      uint8 = 11
)

// Command IDs written to the control point
const (
	CommandGetNotificationAttributes uint8 = 0
	CommandGetAppAttributes          uint8 = 1
	CommandPerformNotificationAction uint8 = 2
)

// AttributeID names a notification attribute
type AttributeID uint8

const (
	AttrAppIdentifier       AttributeID = 0
	AttrTitle               AttributeID = 1
	AttrSubtitle            AttributeID = 2
	AttrMessage             AttributeID = 3
	AttrMessageSize         AttributeID = 4
	AttrDate                AttributeID = 5
	AttrPositiveActionLabel AttributeID = 6
	AttrNegativeActionLabel AttributeID = 7
)

// AppAttrDisplayName is the only app attribute supported
const AppAttrDisplayName AttributeID = 0

// HasLengthLimit reports whether requests for id carry a u16 max length
func (id AttributeID) HasLengthLimit() bool {
	return id == AttrTitle || id == AttrSubtitle || id == AttrMessage
}

// ActionID selects the action to perform on a notification
type ActionID uint8

const (
	ActionPositive ActionID = 0
	ActionNegative ActionID = 1
)

func (a ActionID) String() string {
	if a == ActionPositive {
		return "positive"
	}
	return "negative"
}

// NotificationEventSize is the length of a notification source value
const NotificationEventSize = 8

// NotificationEvent is one notification source value
type NotificationEvent struct {
	EventID       EventID
	Flags         EventFlags
	CategoryID    uint8
	CategoryCount uint8
	UID           uint32
}

func (e NotificationEvent) Marshal() []byte {
	buf := make([]byte, NotificationEventSize)
	buf[0] = uint8(e.EventID)
	buf[1] = uint8(e.Flags)
	buf[2] = e.CategoryID
	buf[3] = e.CategoryCount
	binary.LittleEndian.PutUint32(buf[4:], e.UID)
	return buf
}

func (e NotificationEvent) String() string {
	return fmt.Sprintf("uid=%d %s flags=0x%02x category=%d", e.UID, e.EventID, uint8(e.Flags), e.CategoryID)
}

// ParseNotificationEvent decodes a notification source value
func ParseNotificationEvent(data []byte) (NotificationEvent, error) {
	if len(data) < NotificationEventSize {
		return NotificationEvent{}, &ble.ParseError{What: "notification event", Data: data}
	}
	return NotificationEvent{
		EventID:       EventID(data[0]),
		Flags:         EventFlags(data[1]),
		CategoryID:    data[2],
		CategoryCount: data[3],
		UID:           binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// AttributeRequest asks for one attribute; MaxLen applies to title,
// subtitle and message only.
type AttributeRequest struct {
	ID     AttributeID
	MaxLen uint16
}

// NotificationAttributeRequest is a Get Notification Attributes command
type NotificationAttributeRequest struct {
	UID        uint32
	Attributes []AttributeRequest
}

func (r *NotificationAttributeRequest) Marshal() []byte {
	buf := make([]byte, 5, 5+3*len(r.Attributes))
	buf[0] = CommandGetNotificationAttributes
	binary.LittleEndian.PutUint32(buf[1:], r.UID)
	for _, a := range r.Attributes {
		buf = append(buf, uint8(a.ID))
		if a.ID.HasLengthLimit() {
			buf = binary.LittleEndian.AppendUint16(buf, a.MaxLen)
		}
	}
	return buf
}

// ParseNotificationAttributeRequest decodes a Get Notification Attributes command
func ParseNotificationAttributeRequest(data []byte) (*NotificationAttributeRequest, error) {
	if len(data) < 5 || data[0] != CommandGetNotificationAttributes {
		return nil, &ble.ParseError{What: "notification attribute request", Data: data}
	}
	req := &NotificationAttributeRequest{UID: binary.LittleEndian.Uint32(data[1:5])}
	for i := 5; i < len(data); {
		a := AttributeRequest{ID: AttributeID(data[i])}
		i++
		if a.ID.HasLengthLimit() {
			if i+2 > len(data) {
				return nil, &ble.ParseError{What: "notification attribute request", Data: data}
			}
			a.MaxLen = binary.LittleEndian.Uint16(data[i:])
			i += 2
		}
		req.Attributes = append(req.Attributes, a)
	}
	return req, nil
}

// Attribute is one TLV entry of a response
type Attribute struct {
	ID    AttributeID
	Value string
}

func appendTLV(buf []byte, attrs []Attribute) []byte {
	for _, a := range attrs {
		v := a.Value
		if len(v) > 0xFFFF {
			v = TruncateUTF8(v, 0xFFFF)
		}
		buf = append(buf, uint8(a.ID))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func readTLV(data []byte, what string, all []byte) ([]Attribute, error) {
	var attrs []Attribute
	for i := 0; i < len(data); {
		if i+3 > len(data) {
			return nil, &ble.ParseError{What: what, Data: all}
		}
		id := AttributeID(data[i])
		n := int(binary.LittleEndian.Uint16(data[i+1:]))
		i += 3
		if i+n > len(data) {
			return nil, &ble.ParseError{What: what, Data: all}
		}
		attrs = append(attrs, Attribute{ID: id, Value: string(data[i : i+n])})
		i += n
	}
	return attrs, nil
}

func lookup(attrs []Attribute, id AttributeID) (string, bool) {
	for _, a := range attrs {
		if a.ID == id {
			return a.Value, true
		}
	}
	return "", false
}

// NotificationAttributeResponse is a data source reply to a Get Notification
// Attributes command
type NotificationAttributeResponse struct {
	UID        uint32
	Attributes []Attribute
}

func (r *NotificationAttributeResponse) Marshal() []byte {
	buf := make([]byte, 5, 64)
	buf[0] = CommandGetNotificationAttributes
	binary.LittleEndian.PutUint32(buf[1:], r.UID)
	return appendTLV(buf, r.Attributes)
}

// Get returns the value of attribute id, if present
func (r *NotificationAttributeResponse) Get(id AttributeID) (string, bool) {
	return lookup(r.Attributes, id)
}

// ParseNotificationAttributeResponse decodes a data source notification
// attribute reply
func ParseNotificationAttributeResponse(data []byte) (*NotificationAttributeResponse, error) {
	if len(data) < 5 || data[0] != CommandGetNotificationAttributes {
		return nil, &ble.ParseError{What: "notification attribute response", Data: data}
	}
	attrs, err := readTLV(data[5:], "notification attribute response", data)
	if err != nil {
		return nil, err
	}
	return &NotificationAttributeResponse{UID: binary.LittleEndian.Uint32(data[1:5]), Attributes: attrs}, nil
}

// AppAttributeRequest is a Get App Attributes command
type AppAttributeRequest struct {
	AppID      string
	Attributes []AttributeID
}

func (r *AppAttributeRequest) Marshal() []byte {
	buf := make([]byte, 0, 2+len(r.AppID)+len(r.Attributes))
	buf = append(buf, CommandGetAppAttributes)
	buf = append(buf, r.AppID...)
	buf = append(buf, 0)
	for _, id := range r.Attributes {
		buf = append(buf, uint8(id))
	}
	return buf
}

// readCString splits a NUL-terminated string off data. A missing terminator
// takes the rest of data.
func readCString(data []byte) (string, []byte) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return string(data), nil
	}
	return string(data[:i]), data[i+1:]
}

// ParseAppAttributeRequest decodes a Get App Attributes command
func ParseAppAttributeRequest(data []byte) (*AppAttributeRequest, error) {
	if len(data) < 1 || data[0] != CommandGetAppAttributes {
		return nil, &ble.ParseError{What: "app attribute request", Data: data}
	}
	appID, rest := readCString(data[1:])
	req := &AppAttributeRequest{AppID: appID}
	for _, b := range rest {
		req.Attributes = append(req.Attributes, AttributeID(b))
	}
	return req, nil
}

// AppAttributeResponse is a data source reply to a Get App Attributes command
type AppAttributeResponse struct {
	AppID      string
	Attributes []Attribute
}

func (r *AppAttributeResponse) Marshal() []byte {
	buf := make([]byte, 0, 2+len(r.AppID)+16)
	buf = append(buf, CommandGetAppAttributes)
	buf = append(buf, r.AppID...)
	buf = append(buf, 0)
	return appendTLV(buf, r.Attributes)
}

// DisplayName returns the app display name attribute, if present
func (r *AppAttributeResponse) DisplayName() (string, bool) {
	return lookup(r.Attributes, AppAttrDisplayName)
}

// ParseAppAttributeResponse decodes a data source app attribute reply
func ParseAppAttributeResponse(data []byte) (*AppAttributeResponse, error) {
	if len(data) < 1 || data[0] != CommandGetAppAttributes {
		return nil, &ble.ParseError{What: "app attribute response", Data: data}
	}
	appID, rest := readCString(data[1:])
	attrs, err := readTLV(rest, "app attribute response", data)
	if err != nil {
		return nil, err
	}
	return &AppAttributeResponse{AppID: appID, Attributes: attrs}, nil
}

// PerformAction is a Perform Notification Action command
type PerformAction struct {
	UID    uint32
	Action ActionID
}

func (a PerformAction) Marshal() []byte {
	buf := make([]byte, 6)
	buf[0] = CommandPerformNotificationAction
	binary.LittleEndian.PutUint32(buf[1:], a.UID)
	buf[5] = uint8(a.Action)
	return buf
}

// ParsePerformAction decodes a Perform Notification Action command
func ParsePerformAction(data []byte) (PerformAction, error) {
	if len(data) < 6 || data[0] != CommandPerformNotificationAction {
		return PerformAction{}, &ble.ParseError{What: "perform action", Data: data}
	}
	return PerformAction{UID: binary.LittleEndian.Uint32(data[1:5]), Action: ActionID(data[5])}, nil
}

// TruncateUTF8 shortens s to at most max bytes, dropping whole characters
// from the end so a multi-byte sequence is never split.
func TruncateUTF8(s string, max int) string {
	if max < 0 {
		max = 0
	}
	for len(s) > max {
		_, size := utf8.DecodeLastRuneInString(s)
		if size == 0 {
			break
		}
		s = s[:len(s)-size]
	}
	return s
}
