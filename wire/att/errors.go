package att

import (
	"errors"
	"fmt"
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1).
// The same numbers double as GATT status codes on the platform callbacks.
const (
	ErrSuccess                     = 0x00
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrInsufficientAuthentication  = 0x05
	ErrRequestNotSupported         = 0x06
	ErrInvalidOffset               = 0x07
	ErrInsufficientAuthorization   = 0x08
	ErrPrepareQueueFull            = 0x09
	ErrAttributeNotFound           = 0x0A
	ErrAttributeNotLong            = 0x0B
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrUnsupportedGroupType        = 0x10
	ErrInsufficientResources       = 0x11

	// GattFailure is the generic platform failure status (not an ATT code)
	GattFailure = 0x101
)

var errorNames = map[int]string{
	ErrSuccess:                     "Success",
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrInsufficientAuthentication:  "Insufficient Authentication",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrInvalidOffset:               "Invalid Offset",
	ErrInsufficientAuthorization:   "Insufficient Authorization",
	ErrPrepareQueueFull:            "Prepare Queue Full",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrAttributeNotLong:            "Attribute Not Long",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrUnsupportedGroupType:        "Unsupported Group Type",
	ErrInsufficientResources:       "Insufficient Resources",
	GattFailure:                    "GATT Failure",
}

// StatusName returns a printable name for an ATT/GATT status
func StatusName(code int) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	if code >= 0x80 && code <= 0x9F {
		return fmt.Sprintf("Application Error (0x%02X)", code)
	}
	return fmt.Sprintf("Unknown Error (0x%02X)", code)
}

// Error is an Error Response received from the peer
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: %s (handle 0x%04X, request %s)", StatusName(int(e.Code)), e.Handle, OpcodeName(e.RequestOpcode))
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// StatusOf maps err to a platform status: success for nil, the ATT code for
// an *Error, GattFailure otherwise.
func StatusOf(err error) int {
	if err == nil {
		return ErrSuccess
	}
	var attErr *Error
	if errors.As(err, &attErr) {
		return int(attErr.Code)
	}
	return GattFailure
}
