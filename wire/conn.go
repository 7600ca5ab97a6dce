package wire

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/l2cap"
)

// ErrClosed fails requests on a connection that has ended
var ErrClosed = errors.New("wire: connection closed")

// Conn is one ATT bearer. The central side issues requests (one
// outstanding at a time) and receives notifications; the peripheral side
// answers requests through its RequestHandler.
type Conn struct {
	wire *Wire
	nc   net.Conn
	peer string
	role ConnectionRole
	tag  string

	sendMutex sync.Mutex
	tracker   *att.RequestTracker
	slot      chan struct{} // held for the life of one request/response

	mu        sync.Mutex
	mtu       int
	onNotify  func(handle uint16, value []byte)
	onRequest func(c *Conn, pkt att.PDU)

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(w *Wire, nc net.Conn, peer string, role ConnectionRole) *Conn {
	return &Conn{
		wire:    w,
		nc:      nc,
		peer:    peer,
		role:    role,
		tag:     shortHash(w.address) + " Wire",
		tracker: att.NewRequestTracker(0),
		slot:    make(chan struct{}, 1),
		mtu:     DefaultMTU,
		done:    make(chan struct{}),
	}
}

// Peer returns the remote address
func (c *Conn) Peer() string { return c.peer }

// Role returns our role on this connection
func (c *Conn) Role() ConnectionRole { return c.role }

// MTU returns the current ATT MTU
func (c *Conn) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Conn) setMTU(mtu int) {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	c.mu.Lock()
	c.mtu = mtu
	c.mu.Unlock()
}

// Done is closed when the connection ends
func (c *Conn) Done() <-chan struct{} { return c.done }

// SetNotificationHandler receives Handle Value Notifications (central side)
func (c *Conn) SetNotificationHandler(fn func(handle uint16, value []byte)) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

// SetRequestHandler receives requests and commands (peripheral side). It
// runs on the read loop and must not wait for the peer.
func (c *Conn) SetRequestHandler(fn func(c *Conn, pkt att.PDU)) {
	c.mu.Lock()
	c.onRequest = fn
	c.mu.Unlock()
}

// Close ends the connection; pending requests fail with ErrClosed
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}

// Send writes one ATT PDU in an L2CAP frame on the ATT channel
func (c *Conn) Send(pkt att.PDU) error {
	raw := pkt.Marshal()
	frame := l2cap.NewATTPacket(raw).Encode()

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, err := c.nc.Write(frame); err != nil {
		return err
	}
	c.wire.tracer.LogATTPacket("tx", c.peer, pkt, raw)
	logger.Trace(c.tag, "tx %s to %s (%d bytes)", att.OpcodeName(pkt.Opcode()), shortHash(c.peer), len(raw))
	return nil
}

// Request sends req and waits for its response. Error Responses come back
// as *att.Error. If ctx ends first the transaction keeps the bearer until
// the peer answers or the ATT timeout expires.
func (c *Conn) Request(ctx context.Context, req att.PDU) (att.PDU, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
	release := func() { <-c.slot }

	respC, err := c.tracker.Start(req.Opcode(), handleOf(req))
	if err != nil {
		release()
		return nil, err
	}
	if err := c.Send(req); err != nil {
		c.tracker.Fail(err)
		<-respC
		release()
		return nil, err
	}

	select {
	case resp := <-respC:
		release()
		return resp.Packet, resp.Err
	case <-ctx.Done():
		go func() {
			<-respC
			release()
		}()
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { c.nc.Close() })
		c.sendMutex.Lock()
		close(c.done)
		c.sendMutex.Unlock()
		c.tracker.Fail(ErrClosed)
		logger.Debug(c.tag, "read loop for %s ended", shortHash(c.peer))
	}()

	for {
		frame, err := l2cap.ReadFrom(c.nc)
		if err != nil {
			return
		}
		if frame.ChannelID != l2cap.ChannelATT {
			logger.Warn(c.tag, "unsupported L2CAP channel 0x%04X from %s", frame.ChannelID, shortHash(c.peer))
			continue
		}
		pkt, err := att.Decode(frame.Payload)
		if err != nil {
			logger.Warn(c.tag, "failed to decode ATT packet from %s: %v", shortHash(c.peer), err)
			continue
		}
		c.wire.tracer.LogATTPacket("rx", c.peer, pkt, frame.Payload)
		logger.Trace(c.tag, "rx %s from %s", att.OpcodeName(pkt.Opcode()), shortHash(c.peer))
		c.dispatch(pkt)
	}
}

func (c *Conn) dispatch(pkt att.PDU) {
	op := pkt.Opcode()
	if isResponse(op) {
		if err := c.tracker.Complete(pkt); err != nil {
			logger.Warn(c.tag, "%v", err)
		}
		return
	}

	c.mu.Lock()
	onNotify, onRequest := c.onNotify, c.onRequest
	c.mu.Unlock()

	if n, ok := pkt.(*att.HandleValueNotification); ok {
		if onNotify != nil {
			onNotify(n.Handle, n.Value)
		}
		return
	}
	if onRequest != nil {
		onRequest(c, pkt)
		return
	}
	if att.ResponseOpcode(op) != 0 {
		c.Send(&att.ErrorResponse{RequestOpcode: op, Handle: handleOf(pkt), ErrorCode: att.ErrRequestNotSupported})
	}
}
