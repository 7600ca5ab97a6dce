package ble

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

const (
	// DefaultDeliveryTimeout bounds the wait for a notification acknowledgement
	DefaultDeliveryTimeout = 5 * time.Second

	outboundQueueSize = 64
)

// ErrServerClosed is returned when enqueueing on a closed server
var ErrServerClosed = errors.New("ble: server closed")

type hostedChar struct {
	service uuid.UUID
	char    *ServerCharacteristic
}

func (h *hostedChar) notifies() bool {
	return h.char.Properties&(gatt.PropNotify|gatt.PropIndicate) != 0
}

// peerSession is the per-connection state: CCCD flags and prepared writes
type peerSession struct {
	subs     *gatt.Subscriptions
	prepared *att.PrepareQueue[uuid.UUID]
}

type delivery struct {
	peer  string
	char  uuid.UUID
	value []byte
}

// Server hosts GATT services for many peers. Handlers run on the platform
// callback goroutine; to answer a write with a notification they call
// Notify, which only enqueues. A single delivery goroutine sends one
// notification at a time across every peer.
type Server struct {
	platform ServerPlatform

	// DeliveryTimeout bounds the wait for OnNotificationSent
	DeliveryTimeout time.Duration

	mu    sync.Mutex
	chars map[uuid.UUID]*hostedChar
	peers map[string]*peerSession

	outbound chan delivery
	sent     chan int
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

var _ ServerCallback = (*Server)(nil)

// NewServer creates a server on top of a platform peripheral stack
func NewServer(platform ServerPlatform) *Server {
	return &Server{
		platform:        platform,
		DeliveryTimeout: DefaultDeliveryTimeout,
		chars:           make(map[uuid.UUID]*hostedChar),
		peers:           make(map[string]*peerSession),
		outbound:        make(chan delivery, outboundQueueSize),
		sent:            make(chan int, 1),
		done:            make(chan struct{}),
	}
}

// AddService registers svc with the platform. Call before Open.
func (s *Server) AddService(svc *ServerService) error {
	if err := s.platform.AddService(svc.definition()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range svc.Characteristics {
		s.chars[c.UUID] = &hostedChar{service: svc.UUID, char: c}
	}
	return nil
}

// Open starts accepting peers and the delivery loop
func (s *Server) Open() error {
	if err := s.platform.Open(s); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.deliveryLoop()
	logger.Info("server", "open with %d characteristics", len(s.chars))
	return nil
}

// Close stops delivery and closes the platform
func (s *Server) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.platform.Close()
}

// ConnectedPeers lists the addresses of connected peers
func (s *Server) ConnectedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Subscribed reports whether peer enabled notifications on char
func (s *Server) Subscribed(peer string, char uuid.UUID) bool {
	s.mu.Lock()
	sess := s.peers[peer]
	s.mu.Unlock()
	return sess != nil && sess.subs.Enabled(char)
}

// Notify queues value for delivery to one peer. Peers that have not enabled
// notifications on char are skipped. It blocks only while the outbound queue
// is full.
func (s *Server) Notify(peer string, char uuid.UUID, value []byte) error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
	}
	if !s.Subscribed(peer, char) {
		logger.Debug("server", "%s not subscribed to %s, skipping", peer, char)
		return nil
	}
	d := delivery{peer: peer, char: char, value: append([]byte{}, value...)}
	select {
	case s.outbound <- d:
		return nil
	case <-s.done:
		return ErrServerClosed
	}
}

// NotifyAll queues value for every connected peer except exclude
func (s *Server) NotifyAll(char uuid.UUID, value []byte, exclude string) error {
	for _, peer := range s.ConnectedPeers() {
		if peer == exclude {
			continue
		}
		if err := s.Notify(peer, char, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) deliveryLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case d := <-s.outbound:
			s.deliver(d)
		}
	}
}

// deliver holds the single in-flight slot for one notification
func (s *Server) deliver(d delivery) {
	s.mu.Lock()
	sess := s.peers[d.peer]
	hc := s.chars[d.char]
	s.mu.Unlock()

	if hc == nil {
		logger.Warn("server", "notify on unknown characteristic %s", d.char)
		return
	}
	if sess == nil || !sess.subs.Enabled(d.char) {
		logger.Warn("server", "notifications not enabled for %s on %s, dropping", d.char, d.peer)
		return
	}

	// a late acknowledgement from a timed-out delivery must not count for this one
	select {
	case <-s.sent:
	default:
	}

	if err := s.platform.Notify(d.peer, hc.service, d.char, d.value); err != nil {
		logger.Warn("server", "notify %s on %s failed: %v", d.char, d.peer, err)
		return
	}
	logger.Debug("server", "notification initiated for %s to %s", d.char, d.peer)

	timer := time.NewTimer(s.DeliveryTimeout)
	defer timer.Stop()
	select {
	case status := <-s.sent:
		if status != StatusSuccess {
			logger.Warn("server", "notification to %s failed: %s", d.peer, att.StatusName(status))
		}
	case <-timer.C:
		logger.Warn("server", "notification to %s not acknowledged after %v", d.peer, s.DeliveryTimeout)
	case <-s.done:
	}
}

func (s *Server) respond(req *Request, status int, value []byte) {
	if !req.ResponseNeeded {
		return
	}
	if err := s.platform.SendResponse(req.Peer, req.ID, status, req.Offset, value); err != nil {
		logger.Warn("server", "response to %s failed: %v", req.Peer, err)
	}
}

// lookup resolves the session and hosted characteristic for req, answering
// the peer itself when either is missing or the peer is not bonded.
func (s *Server) lookup(req *Request, op string) (*peerSession, *hostedChar, bool) {
	s.mu.Lock()
	sess := s.peers[req.Peer]
	hc := s.chars[req.Characteristic]
	s.mu.Unlock()

	if sess == nil {
		s.respond(req, StatusFailure, nil)
		return nil, nil, false
	}
	if hc == nil {
		logger.Warn("server", "%s %s from %s: unknown characteristic", op, req.Characteristic, req.Peer)
		s.respond(req, StatusRequestNotSupported, nil)
		return nil, nil, false
	}
	if !s.platform.IsBonded(req.Peer) {
		logger.Warn("server", "%s %s from %s: device not bonded", op, req.Characteristic, req.Peer)
		s.respond(req, StatusRequestNotSupported, nil)
		return nil, nil, false
	}
	return sess, hc, true
}

// ServerCallback

func (s *Server) OnConnectionStateChange(peer string, status int, state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case StateConnected:
		logger.Info("server", "device connected: %s", peer)
		s.peers[peer] = &peerSession{
			subs:     gatt.NewSubscriptions(),
			prepared: att.NewPrepareQueue[uuid.UUID](0),
		}
	case StateDisconnected:
		logger.Info("server", "device disconnected: %s (%s)", peer, att.StatusName(status))
		delete(s.peers, peer)
	}
}

func (s *Server) OnReadRequest(req *Request) {
	req.ResponseNeeded = true
	sess, hc, ok := s.lookup(req, "read")
	if !ok {
		return
	}

	if req.Descriptor != uuid.Nil {
		if req.Descriptor != CCCD || !hc.notifies() {
			s.respond(req, StatusRequestNotSupported, nil)
			return
		}
		value := gatt.EncodeCCCDValue(sess.subs.Enabled(req.Characteristic), false)
		if req.Offset > len(value) {
			s.respond(req, StatusInvalidOffset, nil)
			return
		}
		s.respond(req, StatusSuccess, value[req.Offset:])
		return
	}

	if hc.char.OnRead == nil {
		s.respond(req, StatusRequestNotSupported, nil)
		return
	}
	value, err := hc.char.OnRead(req.Peer)
	if err != nil {
		logger.Warn("server", "read %s for %s: %v", req.Characteristic, req.Peer, err)
		s.respond(req, att.StatusOf(err), nil)
		return
	}
	if req.Offset > len(value) {
		s.respond(req, StatusInvalidOffset, nil)
		return
	}
	s.respond(req, StatusSuccess, value[req.Offset:])
}

func (s *Server) OnWriteRequest(req *Request) {
	sess, hc, ok := s.lookup(req, "write")
	if !ok {
		return
	}

	if req.Descriptor != uuid.Nil {
		s.writeCCCD(req, sess, hc)
		return
	}

	if hc.char.OnWrite == nil {
		logger.Warn("server", "write %s from %s: characteristic does not support write", req.Characteristic, req.Peer)
		s.respond(req, StatusRequestNotSupported, nil)
		return
	}

	if req.Prepared {
		s.mu.Lock()
		err := sess.prepared.Add(req.Characteristic, req.Offset, req.Value)
		s.mu.Unlock()
		if err != nil {
			s.respond(req, att.StatusOf(err), nil)
			return
		}
		s.respond(req, StatusSuccess, req.Value)
		return
	}

	hc.char.OnWrite(req.Peer, req.Value)
	s.respond(req, StatusSuccess, nil)
}

func (s *Server) writeCCCD(req *Request, sess *peerSession, hc *hostedChar) {
	if req.Descriptor != CCCD || !hc.notifies() {
		s.respond(req, StatusRequestNotSupported, nil)
		return
	}
	if req.Offset != 0 {
		logger.Warn("server", "CCCD write %s from %s: offset %d", req.Characteristic, req.Peer, req.Offset)
		s.respond(req, StatusInvalidOffset, nil)
		return
	}
	if len(req.Value) == 0 {
		s.respond(req, StatusRequestNotSupported, nil)
		return
	}

	var enabled bool
	switch req.Value[0] {
	case 0x01:
		enabled = true
	case 0x00:
		enabled = false
	default:
		s.respond(req, StatusRequestNotSupported, nil)
		return
	}
	sess.subs.Set(req.Characteristic, enabled)
	logger.Info("server", "%s notifications %s for %s", req.Peer, onOff(enabled), req.Characteristic)
	s.respond(req, StatusSuccess, nil)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func (s *Server) OnExecuteWrite(peer string, requestID int, execute bool) {
	req := &Request{Peer: peer, ID: requestID, ResponseNeeded: true}

	s.mu.Lock()
	sess := s.peers[peer]
	if sess == nil {
		s.mu.Unlock()
		s.respond(req, StatusFailure, nil)
		return
	}
	type commit struct {
		hc    *hostedChar
		value []byte
	}
	var commits []commit
	if execute {
		for _, char := range sess.prepared.Keys() {
			value := sess.prepared.Commit(char)
			if hc := s.chars[char]; hc != nil && hc.char.OnWrite != nil {
				commits = append(commits, commit{hc, value})
			}
		}
	}
	sess.prepared.Reset()
	s.mu.Unlock()

	if execute && len(commits) == 0 {
		logger.Warn("server", "execute write from %s: no prepared write found", peer)
	}
	for _, c := range commits {
		c.hc.char.OnWrite(peer, c.value)
	}
	s.respond(req, StatusSuccess, nil)
}

func (s *Server) OnNotificationSent(peer string, status int) {
	if status == StatusSuccess {
		logger.Debug("server", "notification sent to %s", peer)
	}
	select {
	case s.sent <- status:
	default:
	}
}
