package att

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTransactionTimeout is the ATT transaction timeout (Vol 3, Part F, 3.3.3)
const DefaultTransactionTimeout = 30 * time.Second

// RequestTracker matches responses to the one outstanding request a bearer
// may have. A second Start while a request is pending fails.
type RequestTracker struct {
	mu             sync.Mutex
	pending        *pendingRequest
	defaultTimeout time.Duration
}

type pendingRequest struct {
	opcode    uint8
	handle    uint16
	responseC chan Response
	timer     *time.Timer
	sentAt    time.Time
}

// Response is the outcome of one request. Err carries an *Error for Error
// Responses, a timeout, or a cancellation.
type Response struct {
	Packet PDU
	Err    error
}

// NewRequestTracker creates a tracker; zero timeout means DefaultTransactionTimeout
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout == 0 {
		timeout = DefaultTransactionTimeout
	}
	return &RequestTracker{defaultTimeout: timeout}
}

// Start registers a request and returns the channel its response arrives on.
func (rt *RequestTracker) Start(opcode uint8, handle uint16) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("att: request already pending (%s on handle 0x%04X)",
			OpcodeName(rt.pending.opcode), rt.pending.handle)
	}

	p := &pendingRequest{
		opcode:    opcode,
		handle:    handle,
		responseC: make(chan Response, 1),
		sentAt:    time.Now(),
	}
	p.timer = time.AfterFunc(rt.defaultTimeout, func() { rt.expire(p) })
	rt.pending = p
	return p.responseC, nil
}

func (rt *RequestTracker) expire(p *pendingRequest) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != p {
		return
	}
	rt.finishLocked(Response{Err: fmt.Errorf("att: request timeout (%s, handle 0x%04X)", OpcodeName(p.opcode), p.handle)})
}

func (rt *RequestTracker) finishLocked(resp Response) {
	p := rt.pending
	rt.pending = nil
	p.timer.Stop()
	p.responseC <- resp
	close(p.responseC)
}

// Complete delivers a response PDU to the pending request. Error Responses
// complete the request with an *Error.
func (rt *RequestTracker) Complete(pkt PDU) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("att: no pending request for %s", OpcodeName(pkt.Opcode()))
	}

	if errResp, ok := pkt.(*ErrorResponse); ok {
		rt.finishLocked(Response{Err: NewError(errResp.ErrorCode, errResp.RequestOpcode, errResp.Handle)})
		return nil
	}

	expected := ResponseOpcode(rt.pending.opcode)
	if pkt.Opcode() != expected {
		return fmt.Errorf("att: unexpected %s for %s", OpcodeName(pkt.Opcode()), OpcodeName(rt.pending.opcode))
	}
	rt.finishLocked(Response{Packet: pkt})
	return nil
}

// Fail completes the pending request, if any, with err.
func (rt *RequestTracker) Fail(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != nil {
		rt.finishLocked(Response{Err: err})
	}
}

// HasPending returns true if there is a pending request
func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// PendingInfo returns info about the pending request (for debugging)
func (rt *RequestTracker) PendingInfo() (opcode uint8, handle uint16, age time.Duration, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil {
		return 0, 0, 0, false
	}
	return rt.pending.opcode, rt.pending.handle, time.Since(rt.pending.sentAt), true
}
