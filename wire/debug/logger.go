// Package debug records the ATT traffic of a socket bearer as JSON lines.
// The files are write-only; nothing in the relay reads them back.
package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/ancsrelay/wire/att"
)

// EnvVar turns packet tracing on when set to "1"
const EnvVar = "ANCSRELAY_WIRE_DEBUG"

// PacketLogger appends one line per ATT packet to <dir>/att_packets.jsonl
type PacketLogger struct {
	address string
	path    string
	enabled bool
	mu      sync.Mutex
}

// ATTPacketLog is one traced packet
type ATTPacketLog struct {
	Timestamp  string                 `json:"timestamp"`
	Direction  string                 `json:"direction"` // "tx" or "rx"
	Peer       string                 `json:"peer"`
	Opcode     string                 `json:"opcode"`
	OpcodeName string                 `json:"opcode_name"`
	Data       map[string]interface{} `json:"data,omitempty"`
	RawHex     string                 `json:"raw_hex"`
}

// NewPacketLogger creates a tracer for the bearer of address under dir.
// A disabled logger does nothing.
func NewPacketLogger(dir, address string, enabled bool) *PacketLogger {
	if !enabled {
		return &PacketLogger{}
	}
	dir = filepath.Join(dir, address)
	os.MkdirAll(dir, 0755)
	return &PacketLogger{
		address: address,
		path:    filepath.Join(dir, "att_packets.jsonl"),
		enabled: true,
	}
}

// FromEnv creates a tracer enabled by EnvVar
func FromEnv(dir, address string) *PacketLogger {
	return NewPacketLogger(dir, address, os.Getenv(EnvVar) == "1")
}

// LogATTPacket records one packet; raw is the encoded PDU
func (d *PacketLogger) LogATTPacket(direction, peer string, pkt att.PDU, raw []byte) {
	if !d.enabled {
		return
	}
	entry := ATTPacketLog{
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Direction:  direction,
		Peer:       peer,
		Opcode:     fmt.Sprintf("0x%02X", pkt.Opcode()),
		OpcodeName: att.OpcodeName(pkt.Opcode()),
		Data:       describe(pkt),
		RawHex:     hex.EncodeToString(raw),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // best effort
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func describe(pkt att.PDU) map[string]interface{} {
	data := make(map[string]interface{})
	handle := func(h uint16) { data["handle"] = fmt.Sprintf("0x%04X", h) }
	value := func(v []byte) {
		data["value_len"] = len(v)
		data["value_hex"] = hex.EncodeToString(v)
	}

	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		data["client_rx_mtu"] = p.ClientRxMTU
	case *att.ExchangeMTUResponse:
		data["server_rx_mtu"] = p.ServerRxMTU
	case *att.ReadRequest:
		handle(p.Handle)
	case *att.ReadResponse:
		value(p.Value)
	case *att.WriteRequest:
		handle(p.Handle)
		value(p.Value)
	case *att.WriteCommand:
		handle(p.Handle)
		value(p.Value)
	case *att.PrepareWriteRequest:
		handle(p.Handle)
		data["offset"] = p.Offset
		value(p.Value)
	case *att.ExecuteWriteRequest:
		data["flags"] = p.Flags
	case *att.HandleValueNotification:
		handle(p.Handle)
		value(p.Value)
	case *att.ErrorResponse:
		handle(p.Handle)
		data["request_opcode"] = att.OpcodeName(p.RequestOpcode)
		data["error"] = att.StatusName(int(p.ErrorCode))
	default:
		return nil
	}
	return data
}
