// Package status is the relay's user-facing surface: a websocket hub that
// broadcasts media, battery, connection and error events and accepts media
// commands.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/ancsrelay/ams"
	"github.com/user/ancsrelay/logger"
)

// Event types
const (
	TypeMediaState      = "media_state"
	TypeMediaCleared    = "media_cleared"
	TypeBattery         = "battery"
	TypeConnectionState = "connection_state"
	TypeError           = "error"
	TypeMediaCommand    = "media_command"
)

const (
	writeTimeout     = 100 * time.Millisecond
	commandQueueSize = 8
)

// Event is one message on the websocket
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type BatteryPayload struct {
	Device string `json:"device"`
	Level  int    `json:"level"`
}

type ConnectionPayload struct {
	Device string `json:"device"`
	State  string `json:"state"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type CommandPayload struct {
	Command string `json:"command"`
}

type DevicePayload struct {
	Device string `json:"device"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(e)
}

// Hub fans events out to every connected websocket client. The latest
// event of each sticky type is replayed to clients as they connect.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	sticky  map[string]Event

	commands chan ams.Command
}

var _ ams.Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		sticky:   make(map[string]Event),
		commands: make(chan ams.Command, commandQueueSize),
	}
}

// Commands carries media commands sent by clients
func (h *Hub) Commands() <-chan ams.Command {
	return h.commands
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/status", h.handleStatus)
	return mux
}

// Serve runs the hub's HTTP server on addr until ctx ends
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("status", "listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	h.closeAll()
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("status", "failed to upgrade connection: %v", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	replay := make([]Event, 0, len(h.sticky))
	for _, e := range h.sticky {
		replay = append(replay, e)
	}
	h.clients[c] = true
	h.mu.Unlock()

	for _, e := range replay {
		if err := c.send(e); err != nil {
			h.remove(c)
			return
		}
	}
	go h.readLoop(c)
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	events := make(map[string]Event, len(h.sticky))
	for k, v := range h.sticky {
		events[k] = v
	}
	h.mu.Unlock()
	json.NewEncoder(w).Encode(events)
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		var e Event
		if err := c.conn.ReadJSON(&e); err != nil {
			return
		}
		if e.Type != TypeMediaCommand {
			logger.Debug("status", "ignoring %s message", e.Type)
			continue
		}
		var p CommandPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			logger.Warn("status", "bad media command: %v", err)
			continue
		}
		cmd, ok := ams.ParseCommand(p.Command)
		if !ok {
			logger.Warn("status", "unknown media command %q", p.Command)
			continue
		}
		select {
		case h.commands <- cmd:
		default:
			logger.Warn("status", "command queue full, dropping %s", cmd)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*client]bool)
}

// Broadcast sends an event to every client, dropping clients that fail
func (h *Hub) Broadcast(typ string, payload interface{}) {
	h.broadcast(typ, payload, false)
}

func (h *Hub) broadcast(typ string, payload interface{}, sticky bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error("status", "failed to encode %s: %v", typ, err)
		return
	}
	e := Event{Type: typ, Payload: raw}

	h.mu.Lock()
	if sticky {
		h.sticky[typ] = e
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.send(e); err != nil {
				h.remove(c)
			}
		}(c)
	}
	wg.Wait()
}

func (h *Hub) PublishMedia(state ams.MediaState) {
	h.broadcast(TypeMediaState, state, true)
}

func (h *Hub) ClearMedia(device string) {
	h.mu.Lock()
	delete(h.sticky, TypeMediaState)
	h.mu.Unlock()
	h.Broadcast(TypeMediaCleared, DevicePayload{Device: device})
}

func (h *Hub) Battery(device string, level int) {
	h.broadcast(TypeBattery, BatteryPayload{Device: device, Level: level}, true)
}

func (h *Hub) ConnectionState(device, state string) {
	h.broadcast(TypeConnectionState, ConnectionPayload{Device: device, State: state}, true)
}

// Error reports a failure to the user
func (h *Hub) Error(err error) {
	h.Broadcast(TypeError, ErrorPayload{Message: err.Error()})
}
