package wire

import (
	"math/rand"
	"time"

	"github.com/user/ancsrelay/wire/att"
)

// shortHash returns up to the last 8 characters of an address for log prefixes
func shortHash(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// randomDelay returns a random duration between min and max
func randomDelay(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// handleOf returns the handle a request targets, for request tracking
func handleOf(pkt att.PDU) uint16 {
	switch p := pkt.(type) {
	case *att.ReadRequest:
		return p.Handle
	case *att.WriteRequest:
		return p.Handle
	case *att.PrepareWriteRequest:
		return p.Handle
	case *att.ReadByTypeRequest:
		return p.StartHandle
	case *att.ReadByGroupTypeRequest:
		return p.StartHandle
	case *att.FindInformationRequest:
		return p.StartHandle
	}
	return 0
}

// isResponse reports whether op answers a request
func isResponse(op uint8) bool {
	switch op {
	case att.OpErrorResponse,
		att.OpExchangeMTUResponse,
		att.OpFindInformationResponse,
		att.OpReadByTypeResponse,
		att.OpReadResponse,
		att.OpReadByGroupTypeResponse,
		att.OpWriteResponse,
		att.OpPrepareWriteResponse,
		att.OpExecuteWriteResponse:
		return true
	}
	return false
}
