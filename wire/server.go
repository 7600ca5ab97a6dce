package wire

import (
	"fmt"
	"sync"

	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// Request is one read or write the attribute server hands to its Handler.
// Attr is the value or descriptor attribute addressed by the peer.
type Request struct {
	ID             int
	Peer           string
	Attr           *gatt.Attribute
	Offset         int
	Value          []byte
	Prepared       bool
	ResponseNeeded bool
}

// Handler is the application side of a Server. Read and Write requests
// with ResponseNeeded are answered later through Server.Respond; Execute
// is answered the same way.
type Handler interface {
	Connected(peer string)
	Disconnected(peer string)
	Read(req *Request)
	Write(req *Request)
	Execute(peer string, id int, commit bool)
	NotificationSent(peer string, err error)
}

type pendingResponse struct {
	conn   *Conn
	opcode uint8
	handle uint16
	offset uint16
}

// Server is the attribute server of a Wire. Discovery and declarations are
// answered from the database; everything touching values goes to the
// Handler.
type Server struct {
	wire    *Wire
	db      *gatt.AttributeDatabase
	handler Handler
	tag     string

	mu      sync.Mutex
	nextID  int
	pending map[int]pendingResponse
	bonded  map[string]bool
	bondAll bool
}

// NewServer builds the attribute database from services and starts
// serving every connection the wire accepts
func NewServer(w *Wire, services []gatt.Service, handler Handler) *Server {
	s := &Server{
		wire:    w,
		db:      gatt.BuildAttributeDatabase(services),
		handler: handler,
		tag:     shortHash(w.address) + " ATT",
		pending: make(map[int]pendingResponse),
		bonded:  make(map[string]bool),
	}
	w.SetAcceptCallback(s.accept)
	logger.Debug(s.tag, "attribute database with %d handles", s.db.Count())
	return s
}

// Database returns the attribute table
func (s *Server) Database() *gatt.AttributeDatabase { return s.db }

// Bond adds peers to the bonded set
func (s *Server) Bond(peers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.bonded[p] = true
	}
}

// BondAll treats every peer as bonded, like a phone that pairs on demand
func (s *Server) BondAll(all bool) {
	s.mu.Lock()
	s.bondAll = all
	s.mu.Unlock()
}

// IsBonded reports whether peer is in the bonded set
func (s *Server) IsBonded(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bondAll || s.bonded[peer]
}

func (s *Server) accept(c *Conn) {
	c.SetRequestHandler(s.handle)
	s.handler.Connected(c.peer)
	go func() {
		<-c.Done()
		s.mu.Lock()
		for id, p := range s.pending {
			if p.conn == c {
				delete(s.pending, id)
			}
		}
		s.mu.Unlock()
		s.handler.Disconnected(c.peer)
	}()
}

func (s *Server) reject(c *Conn, op uint8, handle uint16, code uint8) {
	if err := c.Send(&att.ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code}); err != nil {
		logger.Debug(s.tag, "error response to %s: %v", shortHash(c.peer), err)
	}
}

func (s *Server) track(c *Conn, op uint8, handle, offset uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.pending[s.nextID] = pendingResponse{conn: c, opcode: op, handle: handle, offset: offset}
	return s.nextID
}

// valueAttr resolves a handle that the application answers for
func (s *Server) valueAttr(c *Conn, op uint8, handle uint16) (*gatt.Attribute, bool) {
	a, err := s.db.Lookup(handle)
	if err != nil {
		s.reject(c, op, handle, att.ErrInvalidHandle)
		return nil, false
	}
	return a, true
}

func (s *Server) handle(c *Conn, pkt att.PDU) {
	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		mtu := int(p.ClientRxMTU)
		if mtu > MaxMTU {
			mtu = MaxMTU
		}
		c.setMTU(mtu)
		c.Send(&att.ExchangeMTUResponse{ServerRxMTU: MaxMTU})

	case *att.ReadByGroupTypeRequest:
		c.Send(gatt.ReadByGroupType(s.db, p, c.MTU()))
	case *att.ReadByTypeRequest:
		c.Send(gatt.ReadByType(s.db, p, c.MTU()))
	case *att.FindInformationRequest:
		c.Send(gatt.FindInformation(s.db, p, c.MTU()))

	case *att.ReadRequest:
		a, ok := s.valueAttr(c, p.Opcode(), p.Handle)
		if !ok {
			return
		}
		if a.Kind == gatt.KindService || a.Kind == gatt.KindCharacteristic {
			c.Send(&att.ReadResponse{Value: truncate(a.Value, c.MTU()-1)})
			return
		}
		if a.Kind == gatt.KindValue && a.Properties&gatt.PropRead == 0 {
			s.reject(c, p.Opcode(), p.Handle, att.ErrReadNotPermitted)
			return
		}
		id := s.track(c, p.Opcode(), p.Handle, 0)
		s.handler.Read(&Request{ID: id, Peer: c.peer, Attr: a, ResponseNeeded: true})

	case *att.WriteRequest:
		a, ok := s.writable(c, p.Opcode(), p.Handle)
		if !ok {
			return
		}
		id := s.track(c, p.Opcode(), p.Handle, 0)
		s.handler.Write(&Request{ID: id, Peer: c.peer, Attr: a, Value: p.Value, ResponseNeeded: true})

	case *att.WriteCommand:
		a, err := s.db.Lookup(p.Handle)
		if err != nil || a.Kind != gatt.KindValue || a.Properties&gatt.PropWriteWithoutResponse == 0 {
			logger.Warn(s.tag, "write command to 0x%04X from %s ignored", p.Handle, shortHash(c.peer))
			return
		}
		s.handler.Write(&Request{Peer: c.peer, Attr: a, Value: p.Value})

	case *att.PrepareWriteRequest:
		a, ok := s.writable(c, p.Opcode(), p.Handle)
		if !ok {
			return
		}
		id := s.track(c, p.Opcode(), p.Handle, p.Offset)
		s.handler.Write(&Request{
			ID: id, Peer: c.peer, Attr: a, Offset: int(p.Offset), Value: p.Value,
			Prepared: true, ResponseNeeded: true,
		})

	case *att.ExecuteWriteRequest:
		id := s.track(c, p.Opcode(), 0, 0)
		s.handler.Execute(c.peer, id, p.Flags == att.ExecuteWriteCommit)

	default:
		if att.ResponseOpcode(pkt.Opcode()) != 0 {
			s.reject(c, pkt.Opcode(), 0, att.ErrRequestNotSupported)
		}
	}
}

func (s *Server) writable(c *Conn, op uint8, handle uint16) (*gatt.Attribute, bool) {
	a, ok := s.valueAttr(c, op, handle)
	if !ok {
		return nil, false
	}
	if a.Kind == gatt.KindService || a.Kind == gatt.KindCharacteristic {
		s.reject(c, op, handle, att.ErrWriteNotPermitted)
		return nil, false
	}
	if a.Kind == gatt.KindValue && a.Properties&gatt.PropWrite == 0 {
		s.reject(c, op, handle, att.ErrWriteNotPermitted)
		return nil, false
	}
	return a, true
}

// Respond answers request id. A non-zero status becomes an Error Response;
// statuses outside the ATT range are sent as Unlikely Error.
func (s *Server) Respond(id int, status int, value []byte) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("wire: no pending request %d", id)
	}

	if status != att.ErrSuccess {
		code := uint8(status)
		if status > 0xFF {
			code = att.ErrUnlikelyError
		}
		return p.conn.Send(&att.ErrorResponse{RequestOpcode: p.opcode, Handle: p.handle, ErrorCode: code})
	}

	switch p.opcode {
	case att.OpReadRequest:
		return p.conn.Send(&att.ReadResponse{Value: truncate(value, p.conn.MTU()-1)})
	case att.OpWriteRequest:
		return p.conn.Send(&att.WriteResponse{})
	case att.OpPrepareWriteRequest:
		return p.conn.Send(&att.PrepareWriteResponse{Handle: p.handle, Offset: p.offset, Value: value})
	case att.OpExecuteWriteRequest:
		return p.conn.Send(&att.ExecuteWriteResponse{})
	}
	return fmt.Errorf("wire: cannot answer %s", att.OpcodeName(p.opcode))
}

// Notify sends a Handle Value Notification to peer and reports the outcome
// to the Handler once the PDU is on the wire
func (s *Server) Notify(peer string, handle uint16, value []byte) error {
	c := s.wire.Peer(peer)
	if c == nil {
		return fmt.Errorf("wire: %s not connected", peer)
	}
	if len(value) > c.MTU()-3 {
		logger.Warn(s.tag, "notification of %d bytes truncated to MTU %d", len(value), c.MTU())
		value = value[:c.MTU()-3]
	}
	err := c.Send(&att.HandleValueNotification{Handle: handle, Value: value})
	s.handler.NotificationSent(peer, err)
	return nil
}

func truncate(v []byte, n int) []byte {
	if len(v) > n {
		return v[:n]
	}
	return v
}
