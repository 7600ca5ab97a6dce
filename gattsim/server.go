package gattsim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// Server hosts services on the wire for ble.Server. Services are collected
// until Open builds the attribute database and starts listening.
type Server struct {
	wire      *wire.Wire
	solicited []uuid.UUID

	mu       sync.Mutex
	services []gatt.Service
	bonded   []string
	bondAll  bool
	cb       ble.ServerCallback
	att      *wire.Server
}

var _ ble.ServerPlatform = (*Server)(nil)

// NewServer creates a server platform on w. solicited services are
// advertised so centrals know what the device wants them to host.
func NewServer(w *wire.Wire, solicited ...uuid.UUID) *Server {
	return &Server{wire: w, solicited: solicited}
}

// Bond marks peers as bonded. With no peers every peer counts as bonded.
func (s *Server) Bond(peers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(peers) == 0 {
		s.bondAll = true
	}
	s.bonded = append(s.bonded, peers...)
	if s.att != nil {
		s.att.Bond(peers...)
		s.att.BondAll(s.bondAll)
	}
}

func (s *Server) AddService(svc gatt.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att != nil {
		return errors.New("gattsim: services must be added before Open")
	}
	s.services = append(s.services, svc)
	return nil
}

func (s *Server) Open(cb ble.ServerCallback) error {
	s.mu.Lock()
	if s.att != nil {
		s.mu.Unlock()
		return errors.New("gattsim: server already open")
	}
	s.cb = cb
	s.att = wire.NewServer(s.wire, s.services, s)
	s.att.Bond(s.bonded...)
	s.att.BondAll(s.bondAll)
	s.mu.Unlock()

	return s.wire.Start(s.solicited...)
}

func (s *Server) Close() error {
	s.wire.Stop()
	return nil
}

func (s *Server) server() *wire.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.att
}

func (s *Server) SendResponse(peer string, requestID int, status int, offset int, value []byte) error {
	srv := s.server()
	if srv == nil {
		return errors.New("gattsim: server not open")
	}
	return srv.Respond(requestID, status, value)
}

func (s *Server) Notify(peer string, service, char uuid.UUID, value []byte) error {
	srv := s.server()
	if srv == nil {
		return errors.New("gattsim: server not open")
	}
	handle, ok := srv.Database().ValueHandle(service, char)
	if !ok {
		return fmt.Errorf("gattsim: %s is not hosted", char)
	}
	return srv.Notify(peer, handle, value)
}

func (s *Server) IsBonded(peer string) bool {
	srv := s.server()
	return srv != nil && srv.IsBonded(peer)
}

// wire.Handler

func (s *Server) Connected(peer string) {
	s.cb.OnConnectionStateChange(peer, ble.StatusSuccess, ble.StateConnected)
}

func (s *Server) Disconnected(peer string) {
	s.cb.OnConnectionStateChange(peer, StatusRemoteUserTerminated, ble.StateDisconnected)
}

func request(req *wire.Request) *ble.Request {
	r := &ble.Request{
		Peer:           req.Peer,
		ID:             req.ID,
		Service:        req.Attr.Service,
		Characteristic: req.Attr.Characteristic,
		Offset:         req.Offset,
		Prepared:       req.Prepared,
		ResponseNeeded: req.ResponseNeeded,
		Value:          req.Value,
	}
	if req.Attr.Kind == gatt.KindDescriptor {
		r.Descriptor = req.Attr.Type
	}
	return r
}

func (s *Server) Read(req *wire.Request) {
	s.cb.OnReadRequest(request(req))
}

func (s *Server) Write(req *wire.Request) {
	s.cb.OnWriteRequest(request(req))
}

func (s *Server) Execute(peer string, id int, commit bool) {
	s.cb.OnExecuteWrite(peer, id, commit)
}

func (s *Server) NotificationSent(peer string, err error) {
	if err != nil {
		logger.Debug("gattsim", "notification to %s failed: %v", peer, err)
	}
	s.cb.OnNotificationSent(peer, att.StatusOf(err))
}
