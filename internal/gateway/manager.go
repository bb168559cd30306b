// Package gateway is the connection-oriented transport: it upgrades
// websocket connections, feeds inbound actor events to the lifecycle
// manager, and fans server events out to session rooms.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/beardcraft/pokering/internal/metrics"
	"github.com/beardcraft/pokering/internal/poker"
)

// EventHandler is the inbound half of the gateway: the lifecycle manager
// consumes decoded client events and connection-loss notifications.
type EventHandler interface {
	HandleEvent(conn poker.ConnInfo, event string, data json.RawMessage)
	HandleDisconnect(connID string)
}

// Envelope is the wire format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is a queued server-to-client message; Room and ConnID are
// mutually exclusive targets.
type outbound struct {
	Room   string
	ConnID string
	Event  string
	Data   any
}

// Config holds websocket connection tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the default websocket tuning.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Manager owns all live connections, organized into per-session rooms.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]bool
	conns map[string]*Connection

	upgrader websocket.Upgrader
	config   Config
	handler  EventHandler

	broadcastCh chan outbound
}

// Connection is one live websocket client.
type Connection struct {
	ID       string
	RemoteIP string
	Room     string

	conn    *websocket.Conn
	send    chan []byte
	manager *Manager

	connectedAt time.Time
}

// NewManager creates a connection manager. SetHandler must be called before
// the first upgrade.
func NewManager(config Config) *Manager {
	return &Manager{
		rooms: make(map[string]map[*Connection]bool),
		conns: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan outbound, 1000),
	}
}

// SetHandler wires the lifecycle manager in.
func (m *Manager) SetHandler(h EventHandler) {
	m.handler = h
}

// Run drains the broadcast queue until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case msg := <-m.broadcastCh:
			m.deliver(msg)
		}
	}
}

// HandleWS upgrades an HTTP request to a websocket connection and starts its
// pumps.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &Connection{
		ID:          uuid.New().String(),
		RemoteIP:    remoteIP(r),
		conn:        conn,
		send:        make(chan []byte, 256),
		manager:     m,
		connectedAt: time.Now(),
	}

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()

	go c.writePump()
	go c.readPump()

	log.Debug().
		Str("connection_id", c.ID).
		Str("remote_ip", c.RemoteIP).
		Msg("websocket connection established")
}

// JoinRoom places a connection into a session room. A connection belongs to
// at most one room.
func (m *Manager) JoinRoom(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return
	}
	if c.Room != "" {
		m.leaveRoomLocked(c)
	}
	c.Room = room
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[*Connection]bool)
	}
	m.rooms[room][c] = true
}

// BroadcastToRoom queues an event for every connection in a room.
func (m *Manager) BroadcastToRoom(room, event string, data any) {
	select {
	case m.broadcastCh <- outbound{Room: room, Event: event, Data: data}:
	default:
		log.Warn().Str("room", room).Str("event", event).Msg("broadcast channel full, dropping message")
	}
}

// SendToConnection queues an event for a single connection.
func (m *Manager) SendToConnection(connID, event string, data any) {
	select {
	case m.broadcastCh <- outbound{ConnID: connID, Event: event, Data: data}:
	default:
		log.Warn().Str("connection_id", connID).Str("event", event).Msg("broadcast channel full, dropping message")
	}
}

// deliver marshals once and writes to every target connection, dropping
// slow consumers.
func (m *Manager) deliver(msg outbound) {
	// No omitempty on Data: a countdown tick of 0 is a meaningful payload.
	payload, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: msg.Event, Data: msg.Data})
	if err != nil {
		log.Error().Err(err).Str("event", msg.Event).Msg("failed to marshal outbound event")
		return
	}

	m.mu.RLock()
	var targets []*Connection
	if msg.ConnID != "" {
		if c, ok := m.conns[msg.ConnID]; ok {
			targets = append(targets, c)
		}
	} else if pool, ok := m.rooms[msg.Room]; ok {
		for c := range pool {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
			metrics.MessagesSent.Inc()
		default:
			log.Warn().Str("connection_id", c.ID).Msg("send buffer full, closing connection")
			m.unregister(c)
			c.conn.Close()
		}
	}
}

// unregister removes a connection from its room and the connection table.
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	_, live := m.conns[c.ID]
	if live {
		delete(m.conns, c.ID)
		m.leaveRoomLocked(c)
		close(c.send)
	}
	m.mu.Unlock()

	if live {
		metrics.ActiveConnections.Dec()
		log.Debug().Str("connection_id", c.ID).Msg("connection unregistered")
	}
}

func (m *Manager) leaveRoomLocked(c *Connection) {
	if c.Room == "" {
		return
	}
	if pool, ok := m.rooms[c.Room]; ok {
		delete(pool, c)
		if len(pool) == 0 {
			delete(m.rooms, c.Room)
		}
	}
	c.Room = ""
}

// Stats returns connection counts for the health endpoint.
func (m *Manager) Stats() (connections, rooms int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns), len(m.rooms)
}

// writePump sends queued messages and pings to the peer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound envelopes and hands them to the lifecycle
// manager. Malformed frames are dropped, never fatal.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
		c.manager.handler.HandleDisconnect(c.ID)
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		metrics.MessagesReceived.Inc()

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			log.Debug().Str("connection_id", c.ID).Msg("malformed envelope dropped")
			c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
			continue
		}

		c.manager.handler.HandleEvent(poker.ConnInfo{ID: c.ID, RemoteIP: c.RemoteIP}, env.Event, env.Data)
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// remoteIP strips the port from the peer address, preferring the usual
// proxy headers.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ poker.Broadcaster = (*Manager)(nil)
