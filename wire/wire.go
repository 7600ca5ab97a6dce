// Package wire carries real ATT PDUs in L2CAP basic frames over unix domain
// sockets, one socket per device at {dataDir}/sockets/ancsrelay-{address}.sock.
// Advertisements live next to the sockets, so scanning is a directory read.
package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/util"
	"github.com/user/ancsrelay/wire/advertising"
	"github.com/user/ancsrelay/wire/debug"
)

// Wire is one device on the socket bus. It can listen (peripheral role)
// and dial other devices (central role) at the same time.
type Wire struct {
	address    string
	name       string
	socketDir  string
	socketPath string
	tag        string

	listener    net.Listener
	connections map[string]*Conn // accepted connections by peer address
	mu          sync.RWMutex

	acceptCallback func(c *Conn)
	callbackMu     sync.RWMutex

	stopListening chan struct{}
	wg            sync.WaitGroup

	tracer *debug.PacketLogger
}

// NewWire creates a device with the given address and advertised name
func NewWire(address, name string) *Wire {
	socketDir := util.GetSocketDir()
	return &Wire{
		address:     address,
		name:        name,
		socketDir:   socketDir,
		socketPath:  socketPath(socketDir, address),
		tag:         shortHash(address) + " Wire",
		connections: make(map[string]*Conn),
		tracer:      debug.FromEnv(filepath.Join(util.GetDataDir(), "debug"), address),
	}
}

func socketPath(dir, address string) string {
	return filepath.Join(dir, fmt.Sprintf("ancsrelay-%s.sock", address))
}

// Address returns this device's address
func (w *Wire) Address() string { return w.address }

// Name returns this device's advertised name
func (w *Wire) Name() string { return w.name }

// SetAcceptCallback sets the callback run for every accepted connection,
// before its read loop starts. The callback installs the request handler.
func (w *Wire) SetAcceptCallback(callback func(c *Conn)) {
	w.callbackMu.Lock()
	w.acceptCallback = callback
	w.callbackMu.Unlock()
}

// Start listens on the socket and advertises, soliciting the given services
func (w *Wire) Start(solicited ...uuid.UUID) error {
	os.Remove(w.socketPath)

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}

	adv, err := advertising.NewAdvertisement(w.address, w.name, solicited...)
	if err != nil {
		listener.Close()
		return err
	}
	if err := advertising.Publish(w.socketDir, adv); err != nil {
		listener.Close()
		return fmt.Errorf("failed to advertise: %w", err)
	}

	w.mu.Lock()
	w.listener = listener
	w.stopListening = make(chan struct{})
	w.mu.Unlock()

	logger.Info(w.tag, "listening on %s as %q", w.socketPath, w.name)
	w.wg.Add(1)
	go w.acceptConnections(listener)
	return nil
}

// Stop closes the listener and every accepted connection (idempotent)
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.stopListening == nil {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopListening:
		w.mu.Unlock()
		return
	default:
		close(w.stopListening)
	}
	listener := w.listener
	conns := make([]*Conn, 0, len(w.connections))
	for _, c := range w.connections {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	advertising.Withdraw(w.socketDir, w.address)
	listener.Close()
	for _, c := range conns {
		c.Close()
	}
	w.wg.Wait()
	os.Remove(w.socketPath)
	logger.Info(w.tag, "stopped")
}

func (w *Wire) acceptConnections(listener net.Listener) {
	defer w.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-w.stopListening:
				return
			default:
			}
			logger.Warn(w.tag, "accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		w.wg.Add(1)
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection reads the handshake (we become Peripheral) and
// runs the read loop until the connection ends
func (w *Wire) handleIncomingConnection(nc net.Conn) {
	defer w.wg.Done()

	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	peer, err := readHandshake(nc)
	if err != nil {
		logger.Warn(w.tag, "handshake failed: %v", err)
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{})

	w.mu.Lock()
	if _, exists := w.connections[peer]; exists {
		w.mu.Unlock()
		logger.Warn(w.tag, "already connected to %s, rejecting", shortHash(peer))
		nc.Close()
		return
	}
	c := newConn(w, nc, peer, RolePeripheral)
	w.connections[peer] = c
	w.mu.Unlock()

	logger.Info(w.tag, "accepted %s", shortHash(peer))
	w.callbackMu.RLock()
	cb := w.acceptCallback
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(c)
	}

	c.readLoop()

	w.mu.Lock()
	if w.connections[peer] == c {
		delete(w.connections, peer)
	}
	w.mu.Unlock()
}

// Connect dials peer and becomes Central on the new connection
func (w *Wire) Connect(ctx context.Context, peer string) (*Conn, error) {
	select {
	case <-time.After(randomDelay(MinConnectionDelay, MaxConnectionDelay)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath(w.socketDir, peer))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer, err)
	}
	if err := writeHandshake(nc, w.address); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	c := newConn(w, nc, peer, RoleCentral)
	go c.readLoop()
	logger.Info(w.tag, "connected to %s", shortHash(peer))
	return c, nil
}

// Peer returns the accepted connection from peer, or nil
func (w *Wire) Peer(peer string) *Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connections[peer]
}

// Lookup returns the advertisement of a device on the bus
func (w *Wire) Lookup(address string) (*advertising.Advertisement, error) {
	return advertising.Lookup(w.socketDir, address)
}

// Scan lists the devices currently advertising on the bus
func Scan() ([]*advertising.Advertisement, error) {
	return advertising.Scan(util.GetSocketDir())
}

// Handshake: 4-byte big-endian length + the central's address
func writeHandshake(w io.Writer, address string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(address))); err != nil {
		return err
	}
	_, err := io.WriteString(w, address)
	return err
}

func readHandshake(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > 256 {
		return "", fmt.Errorf("invalid address length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
