package advertising

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/gatt"
)

// AD Types (Advertising Data Types) - EIR/AD format
const (
	ADTypeFlags                          = 0x01
	ADTypeComplete16BitServiceUUIDs      = 0x03
	ADTypeComplete128BitServiceUUIDs     = 0x07
	ADTypeShortenedLocalName             = 0x08
	ADTypeCompleteLocalName              = 0x09
	ADTypeTxPowerLevel                   = 0x0A
	ADType16BitServiceSolicitationUUIDs  = 0x14
	ADType128BitServiceSolicitationUUIDs = 0x15
	ADTypeAppearance                     = 0x19
	ADTypeManufacturerSpecificData       = 0xFF
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLELimitedDiscoverableMode = 0x01
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

// MaxAdvertisingDataLen is the BLE 4.x limit for advertising data and for
// scan response data
const MaxAdvertisingDataLen = 31

// ADStructure represents a single TLV (Type-Length-Value) structure in advertising data
// Format: [Length: 1 byte] [Type: 1 byte] [Data: N bytes]
// Note: Length includes the Type byte but not itself
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeADStructures encodes multiple AD structures into a single advertising data payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure too long: %d bytes (max 255)", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("total advertising data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures parses advertising data into individual AD structures.
// A zero length byte ends the data (padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	for offset := 0; offset < len(data); {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}
		structures = append(structures, ADStructure{
			Type: data[offset],
			Data: append([]byte{}, data[offset+1:offset+length]...),
		})
		offset += length
	}
	return structures, nil
}

// NewFlagsAD creates a flags AD structure
func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{Type: ADTypeFlags, Data: []byte{flags}}
}

// NewCompleteLocalNameAD creates a complete local name AD structure
func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(name)}
}

// NewSolicitationAD lists services the advertiser wants a central to host,
// the way a phone solicits ANCS. 16-bit and 128-bit UUIDs cannot share one
// structure; all must be of the same width.
func NewSolicitationAD(services ...uuid.UUID) (ADStructure, error) {
	if len(services) == 0 {
		return ADStructure{}, errors.New("advertising: no solicited services")
	}
	typ := byte(ADType128BitServiceSolicitationUUIDs)
	if _, short := gatt.Short(services[0]); short {
		typ = ADType16BitServiceSolicitationUUIDs
	}
	var data []byte
	for _, s := range services {
		raw := gatt.EncodeUUID(s)
		if (len(raw) == 2) != (typ == ADType16BitServiceSolicitationUUIDs) {
			return ADStructure{}, fmt.Errorf("advertising: mixed UUID widths in solicitation (%s)", s)
		}
		data = append(data, raw...)
	}
	return ADStructure{Type: typ, Data: data}, nil
}

// GetLocalName extracts the local name from AD structures (complete or shortened)
func GetLocalName(structures []ADStructure) string {
	for _, s := range structures {
		if s.Type == ADTypeCompleteLocalName || s.Type == ADTypeShortenedLocalName {
			return string(s.Data)
		}
	}
	return ""
}

// GetFlags extracts the flags from AD structures
func GetFlags(structures []ADStructure) (byte, bool) {
	for _, s := range structures {
		if s.Type == ADTypeFlags && len(s.Data) > 0 {
			return s.Data[0], true
		}
	}
	return 0, false
}

// GetSolicitedServices extracts every solicited service UUID. Malformed
// entries are skipped.
func GetSolicitedServices(structures []ADStructure) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range structures {
		width := 0
		switch s.Type {
		case ADType16BitServiceSolicitationUUIDs:
			width = 2
		case ADType128BitServiceSolicitationUUIDs:
			width = 16
		default:
			continue
		}
		if len(s.Data)%width != 0 {
			continue
		}
		for i := 0; i < len(s.Data); i += width {
			if u, err := gatt.DecodeUUID(s.Data[i : i+width]); err == nil {
				out = append(out, u)
			}
		}
	}
	return out
}

// ADTypeName returns a human-readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeComplete128BitServiceUUIDs:
		return "Complete 128-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeTxPowerLevel:
		return "Tx Power Level"
	case ADType16BitServiceSolicitationUUIDs:
		return "16-bit Service Solicitation UUIDs"
	case ADType128BitServiceSolicitationUUIDs:
		return "128-bit Service Solicitation UUIDs"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	case ADTypeAppearance:
		return "Appearance"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}
