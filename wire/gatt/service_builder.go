package gatt

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Service is a high-level GATT service definition
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}

// Characteristic is a high-level GATT characteristic definition
type Characteristic struct {
	UUID       uuid.UUID
	Properties uint8
}

// BuildAttributeDatabase lays services out as declaration, characteristic
// declarations, values and a CCCD for every notifying characteristic.
func BuildAttributeDatabase(services []Service) *AttributeDatabase {
	db := &AttributeDatabase{}
	for _, svc := range services {
		decl := db.add(&Attribute{
			Type:    UUIDPrimaryService,
			Kind:    KindService,
			Value:   EncodeUUID(svc.UUID),
			Service: svc.UUID,
		})

		for _, ch := range svc.Characteristics {
			// [Properties: 1][Value Handle: 2][UUID: 2 or 16]
			raw := EncodeUUID(ch.UUID)
			declValue := make([]byte, 3+len(raw))
			declValue[0] = ch.Properties
			binary.LittleEndian.PutUint16(declValue[1:3], uint16(len(db.attrs)+2))
			copy(declValue[3:], raw)

			db.add(&Attribute{
				Type:           UUIDCharacteristic,
				Kind:           KindCharacteristic,
				Value:          declValue,
				Service:        svc.UUID,
				Characteristic: ch.UUID,
				Properties:     ch.Properties,
			})
			db.add(&Attribute{
				Type:           ch.UUID,
				Kind:           KindValue,
				Service:        svc.UUID,
				Characteristic: ch.UUID,
				Properties:     ch.Properties,
			})
			if ch.Properties&(PropNotify|PropIndicate) != 0 {
				db.add(&Attribute{
					Type:           UUIDCCCD,
					Kind:           KindDescriptor,
					Service:        svc.UUID,
					Characteristic: ch.UUID,
				})
			}
		}
		decl.GroupEnd = uint16(len(db.attrs))
	}
	return db
}
