package gatt

import (
	"fmt"

	"github.com/google/uuid"
)

// Characteristic Properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// AttrKind tells what a handle in the database declares
type AttrKind int

const (
	KindService AttrKind = iota
	KindCharacteristic
	KindValue
	KindDescriptor
)

// Attribute is one row of the server attribute table
type Attribute struct {
	Handle uint16
	Type   uuid.UUID
	Kind   AttrKind
	Value  []byte // declarations only; characteristic values live with the application

	Service        uuid.UUID
	Characteristic uuid.UUID // zero for service declarations
	Properties     uint8
	GroupEnd       uint16 // last handle of the service (service declarations)
}

// AttributeDatabase is an immutable attribute table with contiguous handles from 1
type AttributeDatabase struct {
	attrs []*Attribute
}

// Lookup returns the attribute at handle
func (db *AttributeDatabase) Lookup(handle uint16) (*Attribute, error) {
	if handle == 0 || int(handle) > len(db.attrs) {
		return nil, fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	return db.attrs[handle-1], nil
}

// Range returns the attributes with handles in [start, end]
func (db *AttributeDatabase) Range(start, end uint16) []*Attribute {
	if start == 0 {
		start = 1
	}
	var out []*Attribute
	for h := int(start); h <= int(end) && h <= len(db.attrs); h++ {
		out = append(out, db.attrs[h-1])
	}
	return out
}

// ValueHandle returns the value handle of a characteristic
func (db *AttributeDatabase) ValueHandle(service, char uuid.UUID) (uint16, bool) {
	for _, a := range db.attrs {
		if a.Kind == KindValue && a.Service == service && a.Characteristic == char {
			return a.Handle, true
		}
	}
	return 0, false
}

// Count returns the number of attributes in the database
func (db *AttributeDatabase) Count() int {
	return len(db.attrs)
}

func (db *AttributeDatabase) add(a *Attribute) *Attribute {
	a.Handle = uint16(len(db.attrs) + 1)
	db.attrs = append(db.attrs, a)
	return a
}
