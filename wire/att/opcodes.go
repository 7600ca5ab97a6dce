package att

import "fmt"

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpFindInformationRequest  = 0x04
	OpFindInformationResponse = 0x05

	OpReadByTypeRequest  = 0x08
	OpReadByTypeResponse = 0x09
	OpReadRequest        = 0x0A
	OpReadResponse       = 0x0B

	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13
	OpWriteCommand  = 0x52

	OpPrepareWriteRequest  = 0x16
	OpPrepareWriteResponse = 0x17
	OpExecuteWriteRequest  = 0x18
	OpExecuteWriteResponse = 0x19

	OpHandleValueNotification = 0x1B
)

// Execute Write Request flags
const (
	ExecuteWriteCancel = 0x00
	ExecuteWriteCommit = 0x01
)

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpFindInformationRequest:  "Find Information Request",
	OpFindInformationResponse: "Find Information Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpPrepareWriteRequest:     "Prepare Write Request",
	OpPrepareWriteResponse:    "Prepare Write Response",
	OpExecuteWriteRequest:     "Execute Write Request",
	OpExecuteWriteResponse:    "Execute Write Response",
	OpHandleValueNotification: "Handle Value Notification",
}

// OpcodeName returns a printable name for an opcode
func OpcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", op)
}

// ResponseOpcode returns the response opcode a request expects, or 0 for
// commands and notifications.
func ResponseOpcode(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpExchangeMTURequest,
		OpFindInformationRequest,
		OpReadByTypeRequest,
		OpReadRequest,
		OpReadByGroupTypeRequest,
		OpWriteRequest,
		OpPrepareWriteRequest,
		OpExecuteWriteRequest:
		return requestOpcode + 1
	}
	return 0
}
