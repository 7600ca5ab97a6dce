package att

import (
	"encoding/binary"
	"fmt"
)

// PDU is one attribute protocol packet
type PDU interface {
	Opcode() uint8
	Marshal() []byte
}

type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

// FindInformationResponse carries (handle, UUID) pairs. Format 0x01 = 16-bit
// UUIDs, 0x02 = 128-bit UUIDs.
type FindInformationResponse struct {
	Format uint8
	Data   []byte
}

type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

type ReadByTypeResponse struct {
	Length        uint8
	AttributeData []byte
}

type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

type ReadByGroupTypeResponse struct {
	Length        uint8
	AttributeData []byte
}

type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

type WriteCommand struct {
	Handle uint16
	Value  []byte
}

type PrepareWriteRequest struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

type ExecuteWriteRequest struct {
	Flags uint8
}

type ExecuteWriteResponse struct{}

type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

func (*ExchangeMTURequest) Opcode() uint8      { return OpExchangeMTURequest }
func (*ExchangeMTUResponse) Opcode() uint8     { return OpExchangeMTUResponse }
func (*ErrorResponse) Opcode() uint8           { return OpErrorResponse }
func (*FindInformationRequest) Opcode() uint8  { return OpFindInformationRequest }
func (*FindInformationResponse) Opcode() uint8 { return OpFindInformationResponse }
func (*ReadByTypeRequest) Opcode() uint8       { return OpReadByTypeRequest }
func (*ReadByTypeResponse) Opcode() uint8      { return OpReadByTypeResponse }
func (*ReadRequest) Opcode() uint8             { return OpReadRequest }
func (*ReadResponse) Opcode() uint8            { return OpReadResponse }
func (*ReadByGroupTypeRequest) Opcode() uint8  { return OpReadByGroupTypeRequest }
func (*ReadByGroupTypeResponse) Opcode() uint8 { return OpReadByGroupTypeResponse }
func (*WriteRequest) Opcode() uint8            { return OpWriteRequest }
func (*WriteResponse) Opcode() uint8           { return OpWriteResponse }
func (*WriteCommand) Opcode() uint8            { return OpWriteCommand }
func (*PrepareWriteRequest) Opcode() uint8     { return OpPrepareWriteRequest }
func (*PrepareWriteResponse) Opcode() uint8    { return OpPrepareWriteResponse }
func (*ExecuteWriteRequest) Opcode() uint8     { return OpExecuteWriteRequest }
func (*ExecuteWriteResponse) Opcode() uint8    { return OpExecuteWriteResponse }
func (*HandleValueNotification) Opcode() uint8 { return OpHandleValueNotification }

// header writes the opcode followed by little-endian u16 fields
func header(op uint8, tail int, fields ...uint16) []byte {
	buf := make([]byte, 1+2*len(fields), 1+2*len(fields)+tail)
	buf[0] = op
	for i, f := range fields {
		binary.LittleEndian.PutUint16(buf[1+2*i:], f)
	}
	return buf
}

func (p *ExchangeMTURequest) Marshal() []byte {
	return header(OpExchangeMTURequest, 0, p.ClientRxMTU)
}

func (p *ExchangeMTUResponse) Marshal() []byte {
	return header(OpExchangeMTUResponse, 0, p.ServerRxMTU)
}

func (p *ErrorResponse) Marshal() []byte {
	buf := []byte{OpErrorResponse, p.RequestOpcode, 0, 0, p.ErrorCode}
	binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
	return buf
}

func (p *FindInformationRequest) Marshal() []byte {
	return header(OpFindInformationRequest, 0, p.StartHandle, p.EndHandle)
}

func (p *FindInformationResponse) Marshal() []byte {
	return append([]byte{OpFindInformationResponse, p.Format}, p.Data...)
}

func (p *ReadByTypeRequest) Marshal() []byte {
	return append(header(OpReadByTypeRequest, len(p.Type), p.StartHandle, p.EndHandle), p.Type...)
}

func (p *ReadByTypeResponse) Marshal() []byte {
	return append([]byte{OpReadByTypeResponse, p.Length}, p.AttributeData...)
}

func (p *ReadRequest) Marshal() []byte {
	return header(OpReadRequest, 0, p.Handle)
}

func (p *ReadResponse) Marshal() []byte {
	return append([]byte{OpReadResponse}, p.Value...)
}

func (p *ReadByGroupTypeRequest) Marshal() []byte {
	return append(header(OpReadByGroupTypeRequest, len(p.Type), p.StartHandle, p.EndHandle), p.Type...)
}

func (p *ReadByGroupTypeResponse) Marshal() []byte {
	return append([]byte{OpReadByGroupTypeResponse, p.Length}, p.AttributeData...)
}

func (p *WriteRequest) Marshal() []byte {
	return append(header(OpWriteRequest, len(p.Value), p.Handle), p.Value...)
}

func (p *WriteResponse) Marshal() []byte { return []byte{OpWriteResponse} }

func (p *WriteCommand) Marshal() []byte {
	return append(header(OpWriteCommand, len(p.Value), p.Handle), p.Value...)
}

func (p *PrepareWriteRequest) Marshal() []byte {
	return append(header(OpPrepareWriteRequest, len(p.Value), p.Handle, p.Offset), p.Value...)
}

func (p *PrepareWriteResponse) Marshal() []byte {
	return append(header(OpPrepareWriteResponse, len(p.Value), p.Handle, p.Offset), p.Value...)
}

func (p *ExecuteWriteRequest) Marshal() []byte { return []byte{OpExecuteWriteRequest, p.Flags} }

func (p *ExecuteWriteResponse) Marshal() []byte { return []byte{OpExecuteWriteResponse} }

func (p *HandleValueNotification) Marshal() []byte {
	return append(header(OpHandleValueNotification, len(p.Value), p.Handle), p.Value...)
}

// Decode parses one ATT PDU. Values are copied out of data.
func Decode(data []byte) (PDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("att: empty packet")
	}
	op := data[0]
	body := data[1:]

	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("att: %s too short (%d bytes)", OpcodeName(op), len(data))
		}
		return nil
	}
	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(body[i:]) }
	rest := func(i int) []byte { return append([]byte{}, body[i:]...) }

	switch op {
	case OpExchangeMTURequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ExchangeMTURequest{ClientRxMTU: u16(0)}, nil
	case OpExchangeMTUResponse:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ExchangeMTUResponse{ServerRxMTU: u16(0)}, nil
	case OpErrorResponse:
		if err := need(4); err != nil {
			return nil, err
		}
		return &ErrorResponse{RequestOpcode: body[0], Handle: u16(1), ErrorCode: body[3]}, nil
	case OpFindInformationRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		return &FindInformationRequest{StartHandle: u16(0), EndHandle: u16(2)}, nil
	case OpFindInformationResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &FindInformationResponse{Format: body[0], Data: rest(1)}, nil
	case OpReadByTypeRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &ReadByTypeRequest{StartHandle: u16(0), EndHandle: u16(2), Type: rest(4)}, nil
	case OpReadByTypeResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ReadByTypeResponse{Length: body[0], AttributeData: rest(1)}, nil
	case OpReadRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &ReadRequest{Handle: u16(0)}, nil
	case OpReadResponse:
		return &ReadResponse{Value: rest(0)}, nil
	case OpReadByGroupTypeRequest:
		if err := need(6); err != nil {
			return nil, err
		}
		return &ReadByGroupTypeRequest{StartHandle: u16(0), EndHandle: u16(2), Type: rest(4)}, nil
	case OpReadByGroupTypeResponse:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ReadByGroupTypeResponse{Length: body[0], AttributeData: rest(1)}, nil
	case OpWriteRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		return &WriteRequest{Handle: u16(0), Value: rest(2)}, nil
	case OpWriteResponse:
		return &WriteResponse{}, nil
	case OpWriteCommand:
		if err := need(2); err != nil {
			return nil, err
		}
		return &WriteCommand{Handle: u16(0), Value: rest(2)}, nil
	case OpPrepareWriteRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		return &PrepareWriteRequest{Handle: u16(0), Offset: u16(2), Value: rest(4)}, nil
	case OpPrepareWriteResponse:
		if err := need(4); err != nil {
			return nil, err
		}
		return &PrepareWriteResponse{Handle: u16(0), Offset: u16(2), Value: rest(4)}, nil
	case OpExecuteWriteRequest:
		if err := need(1); err != nil {
			return nil, err
		}
		return &ExecuteWriteRequest{Flags: body[0]}, nil
	case OpExecuteWriteResponse:
		return &ExecuteWriteResponse{}, nil
	case OpHandleValueNotification:
		if err := need(2); err != nil {
			return nil, err
		}
		return &HandleValueNotification{Handle: u16(0), Value: rest(2)}, nil
	}
	return nil, fmt.Errorf("att: unknown opcode 0x%02X", op)
}
