package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/att"
)

// DiscoveredService is a primary service found on the peer
type DiscoveredService struct {
	UUID        uuid.UUID
	StartHandle uint16
	EndHandle   uint16
}

// DiscoveredCharacteristic is a characteristic found on the peer
type DiscoveredCharacteristic struct {
	Service           uuid.UUID
	UUID              uuid.UUID
	Properties        uint8
	DeclarationHandle uint16
	ValueHandle       uint16
	CCCDHandle        uint16 // zero when the peer exposes none
}

// DiscoveredDescriptor is a descriptor found on the peer
type DiscoveredDescriptor struct {
	UUID   uuid.UUID
	Handle uint16
}

// DiscoveryCache is the client-side view of the peer's attribute table
type DiscoveryCache struct {
	Services        []DiscoveredService
	Characteristics []*DiscoveredCharacteristic
}

// Find returns the characteristic with the given service and UUID
func (dc *DiscoveryCache) Find(service, char uuid.UUID) (*DiscoveredCharacteristic, bool) {
	for _, c := range dc.Characteristics {
		if c.Service == service && c.UUID == char {
			return c, true
		}
	}
	return nil, false
}

// ByValueHandle returns the characteristic owning a value handle
func (dc *DiscoveryCache) ByValueHandle(handle uint16) (*DiscoveredCharacteristic, bool) {
	for _, c := range dc.Characteristics {
		if c.ValueHandle == handle {
			return c, true
		}
	}
	return nil, false
}

// Server side: answers to the discovery procedures. Each response only holds
// entries whose UUID has the same width as the first one, and fits the MTU.

// ReadByGroupType answers primary service discovery
func ReadByGroupType(db *AttributeDatabase, req *att.ReadByGroupTypeRequest, mtu int) att.PDU {
	if t, err := DecodeUUID(req.Type); err != nil || t != UUIDPrimaryService {
		return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: req.StartHandle, ErrorCode: att.ErrUnsupportedGroupType}
	}

	var length int
	var data []byte
	for _, a := range db.Range(req.StartHandle, req.EndHandle) {
		if a.Kind != KindService {
			continue
		}
		entry := make([]byte, 4, 4+len(a.Value))
		binary.LittleEndian.PutUint16(entry[0:2], a.Handle)
		binary.LittleEndian.PutUint16(entry[2:4], a.GroupEnd)
		entry = append(entry, a.Value...)
		if length == 0 {
			length = len(entry)
		}
		if len(entry) != length || 2+len(data)+length > mtu {
			break
		}
		data = append(data, entry...)
	}
	if len(data) == 0 {
		return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}
	return &att.ReadByGroupTypeResponse{Length: uint8(length), AttributeData: data}
}

// ReadByType answers characteristic discovery
func ReadByType(db *AttributeDatabase, req *att.ReadByTypeRequest, mtu int) att.PDU {
	if t, err := DecodeUUID(req.Type); err != nil || t != UUIDCharacteristic {
		return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}

	var length int
	var data []byte
	for _, a := range db.Range(req.StartHandle, req.EndHandle) {
		if a.Kind != KindCharacteristic {
			continue
		}
		entry := make([]byte, 2, 2+len(a.Value))
		binary.LittleEndian.PutUint16(entry, a.Handle)
		entry = append(entry, a.Value...)
		if length == 0 {
			length = len(entry)
		}
		if len(entry) != length || 2+len(data)+length > mtu {
			break
		}
		data = append(data, entry...)
	}
	if len(data) == 0 {
		return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}
	return &att.ReadByTypeResponse{Length: uint8(length), AttributeData: data}
}

// FindInformation answers descriptor discovery
func FindInformation(db *AttributeDatabase, req *att.FindInformationRequest, mtu int) att.PDU {
	var format uint8
	var data []byte
	for _, a := range db.Range(req.StartHandle, req.EndHandle) {
		raw := EncodeUUID(a.Type)
		f := uint8(0x01)
		if len(raw) == 16 {
			f = 0x02
		}
		if format == 0 {
			format = f
		}
		if f != format || 2+len(data)+2+len(raw) > mtu {
			break
		}
		entry := make([]byte, 2, 2+len(raw))
		binary.LittleEndian.PutUint16(entry, a.Handle)
		data = append(data, append(entry, raw...)...)
	}
	if len(data) == 0 {
		return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}
	return &att.FindInformationResponse{Format: format, Data: data}
}

// Client side parsers

// ParseReadByGroupTypeResponse decodes [StartHandle:2][EndHandle:2][UUID] entries
func ParseReadByGroupTypeResponse(resp *att.ReadByGroupTypeResponse) ([]DiscoveredService, error) {
	length := int(resp.Length)
	if length != 6 && length != 20 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete service data (%d bytes)", len(resp.AttributeData))
	}

	var services []DiscoveredService
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		u, err := DecodeUUID(data[4:length])
		if err != nil {
			return nil, err
		}
		services = append(services, DiscoveredService{
			UUID:        u,
			StartHandle: binary.LittleEndian.Uint16(data[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(data[2:4]),
		})
	}
	return services, nil
}

// ParseReadByTypeResponse decodes [Handle:2][Properties:1][ValueHandle:2][UUID] entries
func ParseReadByTypeResponse(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	length := int(resp.Length)
	if length != 7 && length != 21 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete characteristic data (%d bytes)", len(resp.AttributeData))
	}

	var chars []DiscoveredCharacteristic
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		u, err := DecodeUUID(data[5:length])
		if err != nil {
			return nil, err
		}
		chars = append(chars, DiscoveredCharacteristic{
			UUID:              u,
			Properties:        data[2],
			DeclarationHandle: binary.LittleEndian.Uint16(data[0:2]),
			ValueHandle:       binary.LittleEndian.Uint16(data[3:5]),
		})
	}
	return chars, nil
}

// ParseFindInformationResponse decodes (handle, UUID) pairs
func ParseFindInformationResponse(resp *att.FindInformationResponse) ([]DiscoveredDescriptor, error) {
	var width int
	switch resp.Format {
	case 0x01:
		width = 2
	case 0x02:
		width = 16
	default:
		return nil, fmt.Errorf("gatt: invalid information format 0x%02X", resp.Format)
	}
	entry := 2 + width
	if len(resp.Data)%entry != 0 {
		return nil, fmt.Errorf("gatt: incomplete descriptor data (%d bytes)", len(resp.Data))
	}

	var descs []DiscoveredDescriptor
	for data := resp.Data; len(data) > 0; data = data[entry:] {
		u, err := DecodeUUID(data[2:entry])
		if err != nil {
			return nil, err
		}
		descs = append(descs, DiscoveredDescriptor{UUID: u, Handle: binary.LittleEndian.Uint16(data[0:2])})
	}
	return descs, nil
}
