package gatt

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/att"
)

var (
	testService = uuid.MustParse("7905f431-b5ce-4e99-a40f-4b1e122d00d0")
	testNotify  = uuid.MustParse("9fbf120d-6301-42d9-8c58-25e699a21dbd")
	testWrite   = uuid.MustParse("69d1d8f3-45e1-49a8-9821-9bbdfdaad9d9")
	battery     = UUID16(0x180F)
	batteryLvl  = UUID16(0x2A19)
)

func testDatabase() *AttributeDatabase {
	return BuildAttributeDatabase([]Service{
		{UUID: battery, Characteristics: []Characteristic{
			{UUID: batteryLvl, Properties: PropRead | PropNotify},
		}},
		{UUID: testService, Characteristics: []Characteristic{
			{UUID: testNotify, Properties: PropNotify},
			{UUID: testWrite, Properties: PropWrite},
		}},
	})
}

func TestUUID16RoundTrip(t *testing.T) {
	u := UUID16(0x2902)
	if u.String() != "00002902-0000-1000-8000-00805f9b34fb" {
		t.Fatalf("UUID16(0x2902) = %s", u)
	}
	raw := EncodeUUID(u)
	if !bytes.Equal(raw, []byte{0x02, 0x29}) {
		t.Errorf("EncodeUUID = %v, want [0x02 0x29]", raw)
	}
	back, err := DecodeUUID(raw)
	if err != nil || back != u {
		t.Errorf("DecodeUUID = %s, %v", back, err)
	}
}

func TestUUID128RoundTrip(t *testing.T) {
	raw := EncodeUUID(testService)
	if len(raw) != 16 || raw[0] != 0xD0 || raw[15] != 0x79 {
		t.Fatalf("EncodeUUID not little-endian: %x", raw)
	}
	back, err := DecodeUUID(raw)
	if err != nil || back != testService {
		t.Errorf("DecodeUUID = %s, %v", back, err)
	}
	if _, ok := Short(testService); ok {
		t.Error("Expected vendor UUID to have no short form")
	}
}

func TestBuildAttributeDatabase(t *testing.T) {
	db := testDatabase()

	// battery: decl, char decl, value, cccd = 4; ancs-ish: decl, 2x(decl, value) + 1 cccd = 6
	if db.Count() != 10 {
		t.Fatalf("Expected 10 attributes, got %d", db.Count())
	}

	h, ok := db.ValueHandle(testService, testWrite)
	if !ok || h != 10 {
		t.Errorf("Expected write value handle 10, got %d (%v)", h, ok)
	}

	cccd, err := db.Lookup(4)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if cccd.Kind != KindDescriptor || cccd.Type != UUIDCCCD || cccd.Characteristic != batteryLvl {
		t.Errorf("Expected battery CCCD at handle 4, got %+v", cccd)
	}

	svc, _ := db.Lookup(1)
	if svc.GroupEnd != 4 {
		t.Errorf("Expected battery group end 4, got %d", svc.GroupEnd)
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	db := testDatabase()

	groupResp := ReadByGroupType(db, &att.ReadByGroupTypeRequest{StartHandle: 1, EndHandle: 0xFFFF, Type: EncodeUUID(UUIDPrimaryService)}, 512)
	first, ok := groupResp.(*att.ReadByGroupTypeResponse)
	if !ok {
		t.Fatalf("Expected ReadByGroupTypeResponse, got %T", groupResp)
	}
	services, err := ParseReadByGroupTypeResponse(first)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// 16-bit and 128-bit UUIDs never share a response
	if len(services) != 1 || services[0].UUID != battery {
		t.Fatalf("Expected only the battery service, got %+v", services)
	}

	groupResp = ReadByGroupType(db, &att.ReadByGroupTypeRequest{StartHandle: services[0].EndHandle + 1, EndHandle: 0xFFFF, Type: EncodeUUID(UUIDPrimaryService)}, 512)
	services, err = ParseReadByGroupTypeResponse(groupResp.(*att.ReadByGroupTypeResponse))
	if err != nil || len(services) != 1 || services[0].UUID != testService {
		t.Fatalf("Expected vendor service, got %+v (%v)", services, err)
	}

	typeResp := ReadByType(db, &att.ReadByTypeRequest{StartHandle: services[0].StartHandle, EndHandle: services[0].EndHandle, Type: EncodeUUID(UUIDCharacteristic)}, 512)
	chars, err := ParseReadByTypeResponse(typeResp.(*att.ReadByTypeResponse))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(chars) != 2 || chars[0].UUID != testNotify || chars[1].UUID != testWrite {
		t.Fatalf("Unexpected characteristics %+v", chars)
	}
	if chars[0].Properties != PropNotify {
		t.Errorf("Expected notify property, got 0x%02X", chars[0].Properties)
	}

	infoResp := FindInformation(db, &att.FindInformationRequest{StartHandle: chars[0].ValueHandle + 1, EndHandle: chars[1].DeclarationHandle - 1}, 512)
	descs, err := ParseFindInformationResponse(infoResp.(*att.FindInformationResponse))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(descs) != 1 || descs[0].UUID != UUIDCCCD {
		t.Errorf("Expected one CCCD, got %+v", descs)
	}
}

func TestDiscoveryPastEnd(t *testing.T) {
	db := testDatabase()
	resp := ReadByGroupType(db, &att.ReadByGroupTypeRequest{StartHandle: 11, EndHandle: 0xFFFF, Type: EncodeUUID(UUIDPrimaryService)}, 512)
	errResp, ok := resp.(*att.ErrorResponse)
	if !ok || errResp.ErrorCode != att.ErrAttributeNotFound {
		t.Fatalf("Expected Attribute Not Found, got %#v", resp)
	}
}

func TestSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	s.Set(testNotify, true)
	if !s.Enabled(testNotify) || s.Count() != 1 {
		t.Fatal("Expected subscription to be enabled")
	}
	s.Set(testNotify, false)
	if s.Enabled(testNotify) || s.Count() != 0 {
		t.Fatal("Expected subscription to be removed")
	}
	s.Set(testWrite, true)
	s.Clear()
	if s.Count() != 0 {
		t.Fatal("Expected Clear to drop subscriptions")
	}
}

func TestCCCDValue(t *testing.T) {
	v := EncodeCCCDValue(true, false)
	if !bytes.Equal(v, []byte{0x01, 0x00}) {
		t.Errorf("Expected [1 0], got %v", v)
	}
	notify, indicate, err := DecodeCCCDValue([]byte{0x02, 0x00})
	if err != nil || notify || !indicate {
		t.Errorf("Expected indicate only, got %v %v %v", notify, indicate, err)
	}
	if _, _, err := DecodeCCCDValue([]byte{0x01}); err == nil {
		t.Error("Expected error for 1-byte value")
	}
}
