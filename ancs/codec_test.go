package ancs

import (
	"bytes"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/user/ancsrelay/ble"
)

func TestNotificationEventRoundTrip(t *testing.T) {
	events := []NotificationEvent{
		{EventID: EventAdded, Flags: FlagImportant | FlagPositiveAction, CategoryID: CategorySocial, CategoryCount: 3, UID: 1},
		{EventID: EventModified, Flags: 0x1F, CategoryID: CategoryEmail, CategoryCount: 255, UID: 0xDEADBEEF},
		{EventID: EventRemoved, UID: 0},
	}
	for _, e := range events {
		data := e.Marshal()
		if len(data) != NotificationEventSize {
			t.Fatalf("encoded %d bytes", len(data))
		}
		got, err := ParseNotificationEvent(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got != e {
			t.Errorf("round trip: got %+v, want %+v", got, e)
		}
	}
}

func TestNotificationEventWireFormat(t *testing.T) {
	e := NotificationEvent{EventID: EventModified, Flags: FlagSilent, CategoryID: 4, CategoryCount: 2, UID: 0x01020304}
	want := []byte{1, 1, 4, 2, 0x04, 0x03, 0x02, 0x01}
	if got := e.Marshal(); !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}

	if _, err := ParseNotificationEvent(want[:7]); err == nil {
		t.Error("short event should fail")
	} else {
		var perr *ble.ParseError
		if !errors.As(err, &perr) {
			t.Errorf("expected ParseError, got %T", err)
		}
	}
}

func TestEventFlagsImportantOnly(t *testing.T) {
	f := EventFlags(0b00000010)
	if !f.Important() {
		t.Error("expected important")
	}
	if f.Silent() || f.PreExisting() || f.HasPositiveAction() || f.HasNegativeAction() {
		t.Errorf("unexpected derived flags for %08b", uint8(f))
	}
}

func TestNotificationAttributeRequestWireFormat(t *testing.T) {
	req := &NotificationAttributeRequest{
		UID: 5,
		Attributes: []AttributeRequest{
			{ID: AttrAppIdentifier},
			{ID: AttrTitle, MaxLen: 64},
			{ID: AttrMessage, MaxLen: 256},
			{ID: AttrNegativeActionLabel},
		},
	}
	want := []byte{0, 5, 0, 0, 0, 0, 1, 64, 0, 3, 0, 1, 7}
	data := req.Marshal()
	if !bytes.Equal(data, want) {
		t.Fatalf("got % x, want % x", data, want)
	}

	parsed, err := ParseNotificationAttributeRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UID != 5 || len(parsed.Attributes) != 4 || parsed.Attributes[2].MaxLen != 256 {
		t.Errorf("parsed %+v", parsed)
	}

	if _, err := ParseNotificationAttributeRequest(want[:8]); err == nil {
		t.Error("truncated length limit should fail")
	}
}

func TestNotificationAttributeResponse(t *testing.T) {
	resp := &NotificationAttributeResponse{
		UID: 9,
		Attributes: []Attribute{
			{ID: AttrAppIdentifier, Value: "com.example.chat"},
			{ID: AttrTitle, Value: "Alice"},
			{ID: AttrSubtitle, Value: ""},
		},
	}
	parsed, err := ParseNotificationAttributeResponse(resp.Marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UID != 9 {
		t.Errorf("uid %d", parsed.UID)
	}
	if v, ok := parsed.Get(AttrTitle); !ok || v != "Alice" {
		t.Errorf("title %q %v", v, ok)
	}
	if v, ok := parsed.Get(AttrSubtitle); !ok || v != "" {
		t.Errorf("empty subtitle should be present, got %q %v", v, ok)
	}
	if _, ok := parsed.Get(AttrMessage); ok {
		t.Error("message should be absent")
	}

	resp.Attributes = append(resp.Attributes, Attribute{ID: AttrMessage, Value: "hi"})
	data := resp.Marshal()
	if _, err := ParseNotificationAttributeResponse(data); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ParseNotificationAttributeResponse(data[:len(data)-1]); err == nil {
		t.Error("value running past the end should fail")
	}
	if _, err := ParseNotificationAttributeResponse(data[:len(data)-4]); err == nil {
		t.Error("header cut short should fail")
	}
}

func TestAppAttributes(t *testing.T) {
	req := &AppAttributeRequest{AppID: "com.a", Attributes: []AttributeID{AppAttrDisplayName}}
	want := []byte{1, 'c', 'o', 'm', '.', 'a', 0, 0}
	if got := req.Marshal(); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	parsed, err := ParseAppAttributeRequest(want)
	if err != nil || parsed.AppID != "com.a" || len(parsed.Attributes) != 1 {
		t.Fatalf("parsed %+v, %v", parsed, err)
	}

	resp := &AppAttributeResponse{AppID: "com.a", Attributes: []Attribute{{ID: AppAttrDisplayName, Value: "Chat"}}}
	wantResp := []byte{1, 'c', 'o', 'm', '.', 'a', 0, 0, 4, 0, 'C', 'h', 'a', 't'}
	if got := resp.Marshal(); !bytes.Equal(got, wantResp) {
		t.Fatalf("got % x, want % x", got, wantResp)
	}
	parsedResp, err := ParseAppAttributeResponse(wantResp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name, ok := parsedResp.DisplayName(); !ok || name != "Chat" {
		t.Errorf("display name %q %v", name, ok)
	}
}

func TestPerformAction(t *testing.T) {
	a := PerformAction{UID: 0x0A0B0C0D, Action: ActionNegative}
	want := []byte{2, 0x0D, 0x0C, 0x0B, 0x0A, 1}
	if got := a.Marshal(); !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
	parsed, err := ParsePerformAction(want)
	if err != nil || parsed != a {
		t.Errorf("parsed %+v, %v", parsed, err)
	}
}

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"abcdé", 5, "abcd"},
		{"abcdé", 6, "abcdé"},
		{"héllo", 5, "héll"},
		{"日本語", 5, "日"},
		{"short", 64, "short"},
		{"anything", 0, ""},
	}
	for _, c := range cases {
		got := TruncateUTF8(c.in, c.max)
		if got != c.want {
			t.Errorf("TruncateUTF8(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
		if !utf8.ValidString(got) || len(got) > c.max {
			t.Errorf("TruncateUTF8(%q, %d) = %q is not valid within the limit", c.in, c.max, got)
		}
	}
}

func TestIsClearAction(t *testing.T) {
	for _, label := range []string{"Clear", "clear", "CLEAR", " Clear ", "清除", "löschen", "Очистить"} {
		if !IsClearAction(label) {
			t.Errorf("%q should be a clear action", label)
		}
	}
	for _, label := range []string{"Reply", "Dismiss", "", "Clear all"} {
		if IsClearAction(label) {
			t.Errorf("%q should not be a clear action", label)
		}
	}
}
